// Package assetsvc implements the client side of spec.md section 6's
// "Assets by tag" outbound dependency, used by the Loop handler's
// preparation step to fetch the assets/devices tagged for one Invocation.
package assetsvc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	alexerrors "alex/internal/errors"
	"alex/internal/httpclient"
	"alex/internal/logging"
	"alex/internal/worker/model"
)

// Client resolves assets/devices tagged with a given tag. It implements
// internal/worker/interp.AssetFetcher.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     logging.Logger
}

// New builds a Client against baseURL (the API host fronting
// /api/tenants/{tenantId}/assets-by-tags).
func New(httpClient *http.Client, baseURL string, logger logging.Logger) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL, logger: logging.OrNop(logger)}
}

// ByTag fetches GET /api/tenants/{tenantId}/assets-by-tags?tags=<tag> using
// the invocation's own bearer token.
func (c *Client) ByTag(ctx context.Context, tenantID, authToken, tag string) (model.TagAssets, error) {
	reqURL := fmt.Sprintf("%s/api/tenants/%s/assets-by-tags?tags=%s", c.baseURL, tenantID, url.QueryEscape(tag))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.TagAssets{}, alexerrors.NewUnavailableError(err, "assetsvc: build request")
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.TagAssets{}, alexerrors.NewUnavailableError(err, "assetsvc: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.TagAssets{}, alexerrors.NewUnavailableError(fmt.Errorf("status %d", resp.StatusCode), "assetsvc: unexpected status")
	}

	var out model.TagAssets
	if err := httpclient.DecodeJSON(resp, &out); err != nil {
		return model.TagAssets{}, alexerrors.NewUnavailableError(err, "assetsvc: decode response")
	}
	return out, nil
}
