// Package integrations implements the client side of spec.md section 6's
// "Integration lookup" outbound dependency: resolving the credential
// record a Credential Injector needs by (tenantId, vendor, integrationId).
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	alexerrors "alex/internal/errors"
	"alex/internal/httpclient"
	"alex/internal/logging"
	"alex/internal/worker/model"
)

// Client resolves Integration records from the tenant's integrations API.
// It implements internal/worker/handlers.IntegrationLookup.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     logging.Logger
}

// New builds a Client against baseURL (the API host fronting
// /api/tenants/{tenantId}/integrations/...).
func New(httpClient *http.Client, baseURL string, logger logging.Logger) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL, logger: logging.OrNop(logger)}
}

// Lookup fetches GET /api/tenants/{tenantId}/integrations/{vendor}/{integrationId}
// using the invocation's own bearer token.
func (c *Client) Lookup(ctx context.Context, tenantID, vendor, integrationID, authToken string) (*model.Integration, error) {
	url := fmt.Sprintf("%s/api/tenants/%s/integrations/%s/%s", c.baseURL, tenantID, vendor, integrationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "integrations: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "integrations: lookup request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, alexerrors.NewNotFoundError(fmt.Sprintf("integration %s/%s not found for tenant %s", vendor, integrationID, tenantID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, alexerrors.NewUnavailableError(fmt.Errorf("status %d", resp.StatusCode), "integrations: unexpected status")
	}

	raw, err := httpclient.ReadAllWithLimit(resp.Body, httpclient.DefaultResponseLimit)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "integrations: decode response")
	}
	var integ model.Integration
	if err := json.Unmarshal(raw, &integ); err != nil {
		return nil, alexerrors.NewUnavailableError(err, "integrations: unmarshal integration")
	}
	integ.Raw = raw
	if integ.IntegrationType == "" {
		integ.IntegrationType = vendor
	}
	return &integ, nil
}
