// Package persist implements the client side of spec.md section 6's
// paused-invocation persistence, log append, and triggering-user
// resolution outbound dependencies. Save and Append both go through the
// "post_to_elastic" ingest endpoint the original worker used; Load reads
// get_handler_payload and ResolveUser calls the separate user host.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	alexerrors "alex/internal/errors"
	"alex/internal/httpclient"
	"alex/internal/logging"
	"alex/internal/worker/interp"
)

const (
	handlerPayloadIndexPrefix = "xpertly_handler_payload_"
	workerRunIndexPrefix      = "xpertly_worker_run_"
)

// elasticEnvelope is the body every post_to_elastic call sends: an index
// name and an opaque payload to store under it.
type elasticEnvelope struct {
	Index   string `json:"index"`
	Payload any    `json:"payload"`
}

// Client implements internal/worker/interp.Persister and
// internal/worker/interp.LogSink against a shared persistence host, plus
// the separate user-host spec.md section 6 names for triggering-user
// resolution.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userHost   string
	logger     logging.Logger
}

// New builds a Client against baseURL (the persist-host of spec.md
// section 6's outbound table) and userHost (the user-host for triggering
// user resolution). Pass the same value for both if the deployment fronts
// them with one API.
func New(httpClient *http.Client, baseURL, userHost string, logger logging.Logger) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL, userHost: userHost, logger: logging.OrNop(logger)}
}

// Save persists a suspended invocation, per spec.md section 6's
// "Persist paused invocation": a post_to_elastic call keyed by the
// invocation's own runId, authenticated with the invocation's own token.
func (c *Client) Save(ctx context.Context, snapshot *interp.Snapshot) error {
	index := handlerPayloadIndexPrefix + snapshot.RunID
	return c.postToElastic(ctx, snapshot.AuthToken, index, snapshot)
}

// Load fetches a paused invocation's persisted payload, per spec.md
// section 6's "Get paused-invocation payload": authenticated with the
// original bearer captured in the wait token, not the caller's own.
func (c *Client) Load(ctx context.Context, runID, authToken string) (*interp.Snapshot, error) {
	url := fmt.Sprintf("%s/v1/client/get_handler_payload/%s", c.baseURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: build get_handler_payload request")
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: get_handler_payload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, alexerrors.NewNotFoundError(fmt.Sprintf("no paused invocation for runId %s", runID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, alexerrors.NewUnavailableError(fmt.Errorf("status %d", resp.StatusCode), "persist: unexpected status")
	}

	var snapshot interp.Snapshot
	if err := httpclient.DecodeJSON(resp, &snapshot); err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: decode snapshot")
	}
	return &snapshot, nil
}

// Append implements interp.LogSink: posts one log event to
// xpertly_worker_run_<tenantId>, with postToElastic's bounded retry. Per
// spec.md's LogSinkError taxonomy the interpreter logs and swallows any
// error that remains after the retries.
func (c *Client) Append(ctx context.Context, event interp.LogEvent) error {
	index := workerRunIndexPrefix + event.TenantID
	return c.postToElastic(ctx, "", index, event)
}

// postToElastic sends the envelope with a bounded retry: the ingest
// endpoint backing both Save and Append is the one dependency every task
// in the graph touches on every step, so a single transient 5xx must not
// fail the whole invocation.
func (c *Client) postToElastic(ctx context.Context, authToken, index string, payload any) error {
	body, err := json.Marshal(elasticEnvelope{Index: index, Payload: payload})
	if err != nil {
		return alexerrors.NewUnavailableError(err, "persist: marshal envelope")
	}
	url := c.baseURL + "/v1/client/post_to_elastic"

	return alexerrors.RetryWithLog(ctx, alexerrors.DefaultRetryConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return alexerrors.NewUnavailableError(err, "persist: build post_to_elastic request")
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return alexerrors.NewUnavailableError(err, "persist: post_to_elastic request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return alexerrors.NewUnavailableError(fmt.Errorf("status %d", resp.StatusCode), "persist: unexpected status")
		}
		return nil
	}, c.logger)
}

// TriggeringUser is the shape returned by the user-host's user lookup,
// trimmed to the fields the Dispatcher needs to stamp an Invocation's
// triggeredBy/triggeredById.
type TriggeringUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ResolveUser implements spec.md section 6's "Resolve triggering user":
// GET <user-host>/v1/tenants/{tenantId}/users/{userId} with the bearer
// from the inbound trigger request.
func (c *Client) ResolveUser(ctx context.Context, tenantID, userID, bearer string) (*TriggeringUser, error) {
	url := fmt.Sprintf("%s/v1/tenants/%s/users/%s", c.userHost, tenantID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: build user lookup request")
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: user lookup request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, alexerrors.NewUnavailableError(fmt.Errorf("status %d", resp.StatusCode), "persist: unexpected status")
	}

	var user TriggeringUser
	if err := httpclient.DecodeJSON(resp, &user); err != nil {
		return nil, alexerrors.NewUnavailableError(err, "persist: decode user")
	}
	return &user, nil
}
