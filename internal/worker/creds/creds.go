// Package creds implements the per-vendor credential injector described in
// spec.md section 4.D: it mutates an outgoing EndpointTask's headers (and,
// for DNAC/Viptela, performs an auxiliary pre-flight exchange) so the
// request carries whatever auth scheme the resolved Integration calls for.
package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"alex/internal/httpclient"
	"alex/internal/logging"
	"alex/internal/worker/model"
)

// Injector resolves and applies vendor credentials to an EndpointTask.
type Injector struct {
	client *http.Client
	logger logging.Logger
}

// New returns an Injector that performs auxiliary HTTP exchanges (DNAC,
// Viptela) with client.
func New(client *http.Client, logger logging.Logger) *Injector {
	return &Injector{client: client, logger: logging.OrNop(logger)}
}

// Inject mutates ep in place according to integ's IntegrationType, per the
// vendor table in spec.md 4.D. Unknown vendors are left untouched and
// only logged as a warning; no error is returned for them.
func (inj *Injector) Inject(ctx context.Context, ep *model.EndpointTask, integ *model.Integration) error {
	if integ == nil {
		return nil
	}
	switch strings.ToLower(integ.IntegrationType) {
	case "meraki":
		ep.AddHeader("X-Cisco-Meraki-API-Key", integ.APIKey)
	case "jira":
		ep.AddHeader("Authorization", "Basic "+basicAuth(integ.Username, integ.APIKey))
	case "ansible":
		ep.AddHeader("Authorization", "Basic "+basicAuth(integ.Username, integ.Password))
	case "netbox":
		ep.AddHeader("Authorization", "Token "+integ.APIKey)
	case "avicenna":
		ep.AddHeader("Authorization", "Bearer "+integ.Token)
	case "oauth":
		ep.AddHeader("Authorization", "Bearer "+integ.Token)
	case "splunk":
		ep.AddHeader("Authorization", "Splunk "+integ.HECToken)
	case "dnac":
		return inj.injectDNAC(ctx, ep, integ)
	case "viptela":
		return inj.injectViptela(ctx, ep, integ)
	default:
		inj.logger.Warn("creds: no injector registered for vendor %q, leaving request unauthenticated", integ.IntegrationType)
	}
	return nil
}

func basicAuth(user, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + secret))
}

// injectDNAC performs the DNAC token exchange: POST
// https://<host>/dna/system/api/v1/auth/token with Basic auth, extracting
// "Token" from the JSON body. A non-200 response is fatal for the task.
func (inj *Injector) injectDNAC(ctx context.Context, ep *model.EndpointTask, integ *model.Integration) error {
	tokenURL := fmt.Sprintf("https://%s/dna/system/api/v1/auth/token", integ.DNACHostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return fmt.Errorf("dnac: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+basicAuth(integ.Username, integ.Password))

	resp, err := inj.client.Do(req)
	if err != nil {
		return fmt.Errorf("dnac: token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := httpclient.ReadAllWithLimit(resp.Body, httpclient.DefaultResponseLimit)
	if err != nil {
		return fmt.Errorf("dnac: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dnac: token request returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Token string `json:"Token"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("dnac: decode token response: %w", err)
	}
	ep.AddHeader("x-auth-token", decoded.Token)
	return nil
}

// injectViptela performs the two-step Viptela exchange: a form POST to
// /j_security_check capturing the JSESSIONID cookie, then a GET to
// /dataservice/client/token carrying that cookie; a 200 response yields
// X-XSRF-TOKEN. Content-Type and the session cookie are always set
// regardless of whether the XSRF fetch succeeds.
func (inj *Injector) injectViptela(ctx context.Context, ep *model.EndpointTask, integ *model.Integration) error {
	ep.AddHeader("Content-Type", "application/json")

	loginURL := fmt.Sprintf("https://%s/j_security_check", integ.VManageHostname)
	form := url.Values{"j_username": {integ.Username}, "j_password": {integ.Password}}
	loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("viptela: build login request: %w", err)
	}
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	loginResp, err := inj.client.Do(loginReq)
	if err != nil {
		return fmt.Errorf("viptela: login request: %w", err)
	}
	defer loginResp.Body.Close()
	_, _ = io.Copy(io.Discard, loginResp.Body)

	var jsessionID string
	for _, c := range loginResp.Cookies() {
		if c.Name == "JSESSIONID" {
			jsessionID = c.Value
			break
		}
	}
	if jsessionID == "" {
		inj.logger.Warn("viptela: no JSESSIONID cookie returned from login, proceeding without session")
	}
	cookieHeader := fmt.Sprintf("JSESSIONID=%s", jsessionID)
	ep.AddHeader("Cookie", cookieHeader)

	tokenURL := fmt.Sprintf("https://%s/dataservice/client/token", integ.VManageHostname)
	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return fmt.Errorf("viptela: build token request: %w", err)
	}
	tokenReq.Header.Set("Cookie", cookieHeader)

	tokenResp, err := inj.client.Do(tokenReq)
	if err != nil {
		return fmt.Errorf("viptela: token request: %w", err)
	}
	defer tokenResp.Body.Close()
	body, err := httpclient.ReadAllWithLimit(tokenResp.Body, httpclient.DefaultResponseLimit)
	if err != nil {
		inj.logger.Warn("viptela: xsrf token response exceeded read limit, proceeding without X-XSRF-TOKEN: %v", err)
		return nil
	}
	if tokenResp.StatusCode == http.StatusOK {
		ep.AddHeader("X-XSRF-TOKEN", strings.TrimSpace(string(body)))
	} else {
		inj.logger.Warn("viptela: xsrf token request returned %d, proceeding without X-XSRF-TOKEN", tokenResp.StatusCode)
	}
	return nil
}
