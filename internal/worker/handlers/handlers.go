// Package handlers implements the per-kind task preparation and execution
// described in spec.md section 4.C: Endpoint, Webhook, Conditional, and
// Filter. Loop is handled by internal/worker/interp, since loop iteration
// recurses back into the interpreter's own task-execution routine.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"alex/internal/httpclient"
	"alex/internal/logging"
	"alex/internal/worker/creds"
	"alex/internal/worker/expr"
	"alex/internal/worker/model"
	"alex/internal/worker/template"
)

// IntegrationLookup resolves an Integration by (tenantId, vendor,
// integrationId), the client side of spec.md section 6's "Integration
// lookup" outbound dependency.
type IntegrationLookup interface {
	Lookup(ctx context.Context, tenantID, vendor, integrationID, authToken string) (*model.Integration, error)
}

// Deps bundles the collaborators a task handler needs beyond the task
// itself and its render inputs.
type Deps struct {
	HTTPClient   *http.Client
	Credentials  *creds.Injector
	Integrations IntegrationLookup
	Logger       logging.Logger
}

// RenderInputs is the per-invocation data a task renders its templates
// against, assembled by the interpreter from the current Invocation state.
type RenderInputs struct {
	Outputs       map[string]any
	NameToReactID map[string]string
	AssetVars     map[string]map[string]any
	Custom        map[string]any
	Global        map[string]any
	Bare          map[string]any
}

func (r RenderInputs) toContext() *template.Context {
	ctx := template.NewContext()
	if r.Outputs != nil {
		ctx.Outputs = r.Outputs
	}
	if r.NameToReactID != nil {
		ctx.NameToReactID = r.NameToReactID
	}
	if r.AssetVars != nil {
		ctx.AssetVars = r.AssetVars
	}
	if r.Custom != nil {
		ctx.Custom = r.Custom
	}
	if r.Global != nil {
		ctx.Global = r.Global
	}
	if r.Bare != nil {
		ctx.Bare = r.Bare
	}
	return ctx
}

// Result is what a handler's Execute call produced: the value written to
// outputs[reactId] and the statusCode used for branch selection (ignored
// by the interpreter for kinds other than Conditional and Filter).
type Result struct {
	Output     any
	StatusCode bool
}

// pathParamRe matches ":name" path placeholders in a target URL. The
// identifier is required to start with a letter or underscore so a
// literal port number in the URL's authority (e.g. "http://host:8080")
// is never mistaken for a placeholder.
var pathParamRe = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// PrepareEndpoint resolves the integration (endpoint only), injects vendor
// credentials, rewrites :name path placeholders, and renders every string
// field against in twice (spec.md 4.A's documented workaround). Webhook
// tasks skip integration resolution when IntegrationID is empty.
func PrepareEndpoint(ctx context.Context, task *model.Task, in RenderInputs, deps Deps) error {
	ep := task.Handler.Endpoint
	tenantID, _ := in.Bare["tenantId"].(string)
	authToken, _ := in.Bare["xpertlyRequestToken"].(string)

	if ep.IntegrationID != "" {
		integ, err := deps.Integrations.Lookup(ctx, tenantID, ep.Vendor, ep.IntegrationID, authToken)
		if err != nil {
			if !ep.IsWebhook {
				return fmt.Errorf("resolve integration %s/%s: %w", ep.Vendor, ep.IntegrationID, err)
			}
			logging.OrNop(deps.Logger).Warn("webhook %s: integration lookup failed, proceeding without credentials: %v", task.ReactID, err)
		} else {
			ep.Integration = integ
			if err := deps.Credentials.Inject(ctx, ep, integ); err != nil {
				return fmt.Errorf("inject credentials for %s: %w", ep.Vendor, err)
			}
		}
	} else if !ep.IsWebhook {
		return fmt.Errorf("endpoint task %s must have an integration", task.ReactID)
	}

	// rewrite :name path placeholders to {{...}} substitution sites before
	// the template engine ever sees the URL, so declared path params
	// resolve the same way OUTPUT/ASSET/CUSTOM/GLOBAL references do.
	rewritten := pathParamRe.ReplaceAllString(ep.TargetURL, "{{$1}}")

	merged := in
	merged.Bare = mergeBare(in.Bare, ep.Integration, ep.PathParams)

	renderedURL, err := template.RenderTwice(rewritten, merged.toContext())
	if err != nil {
		return fmt.Errorf("render targetUrl: %w", err)
	}
	ep.TargetURL = renderedURL

	for i, h := range ep.Headers {
		v, err := template.RenderTwice(h.Value, merged.toContext())
		if err != nil {
			return fmt.Errorf("render header %s: %w", h.Key, err)
		}
		ep.Headers[i].Value = v
	}
	for k, v := range ep.QueryParams {
		rv, err := template.RenderTwice(v, merged.toContext())
		if err != nil {
			return fmt.Errorf("render query param %s: %w", k, err)
		}
		ep.QueryParams[k] = rv
	}
	if len(ep.Body) > 0 {
		rv, err := template.RenderTwice(string(ep.Body), merged.toContext())
		if err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		ep.Body = json.RawMessage(rv)
	}
	return nil
}

func mergeBare(base map[string]any, integ *model.Integration, pathParams map[string]string) map[string]any {
	out := make(map[string]any, len(base)+len(pathParams))
	for k, v := range base {
		out[k] = v
	}
	if integ != nil {
		for k, v := range integ.ToFieldMap() {
			out[k] = v
		}
	}
	for k, v := range pathParams {
		out[k] = v
	}
	return out
}

// ExecuteEndpoint performs the prepared HTTP request. Webhook execution
// always reports a synthetic success envelope regardless of the remote
// status; endpoint execution stores the raw response.
func ExecuteEndpoint(ctx context.Context, task *model.Task, deps Deps) (Result, error) {
	ep := task.Handler.Endpoint
	req, err := buildRequest(ctx, ep)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		if ep.IsWebhook {
			return Result{Output: map[string]any{"statusCode": 200, "response": "Webhook sent"}, StatusCode: true}, nil
		}
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadAllWithLimit(resp.Body, httpclient.DefaultResponseLimit)
	if err != nil {
		if ep.IsWebhook {
			return Result{Output: map[string]any{"statusCode": 200, "response": "Webhook sent"}, StatusCode: true}, nil
		}
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	var decoded any
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &decoded); jsonErr != nil {
			decoded = string(body)
		}
	}

	if ep.IsWebhook {
		return Result{Output: map[string]any{"statusCode": 200, "response": "Webhook sent"}, StatusCode: true}, nil
	}
	return Result{Output: decoded, StatusCode: resp.StatusCode >= 200 && resp.StatusCode < 300}, nil
}

func buildRequest(ctx context.Context, ep *model.EndpointTask) (*http.Request, error) {
	targetURL := ep.TargetURL
	if len(ep.QueryParams) > 0 {
		sep := "?"
		if strings.Contains(targetURL, "?") {
			sep = "&"
		}
		var qs []string
		for k, v := range ep.QueryParams {
			qs = append(qs, k+"="+v)
		}
		targetURL += sep + strings.Join(qs, "&")
	}

	var bodyReader io.Reader
	if len(ep.Body) > 0 {
		bodyReader = bytes.NewReader(ep.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(ep.Method), targetURL, bodyReader)
	if err != nil {
		return nil, err
	}
	for _, h := range ep.Headers {
		req.Header.Set(h.Key, h.Value)
	}
	if len(ep.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// PrepareConditional renders each condition's Var1/Var2 operand templates
// in place (twice, like every other rendered field), so ExecuteConditional
// evaluates already-rendered operands.
func PrepareConditional(task *model.Task, in RenderInputs) error {
	cond := task.Handler.Conditional
	rctx := in.toContext()
	for gi := range cond.Expression {
		for ci := range cond.Expression[gi].Conditions {
			c := &cond.Expression[gi].Conditions[ci]
			v1, err := template.RenderTwice(c.Var1, rctx)
			if err != nil {
				return fmt.Errorf("render var1: %w", err)
			}
			v2, err := template.RenderTwice(c.Var2, rctx)
			if err != nil {
				return fmt.Errorf("render var2: %w", err)
			}
			c.Var1, c.Var2 = v1, v2
		}
	}
	return nil
}

// ExecuteConditional evaluates the rendered expression per spec.md 4.B.
func ExecuteConditional(task *model.Task) (Result, error) {
	cond := task.Handler.Conditional
	ok, err := expr.Eval(cond.Expression)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate conditional: %w", err)
	}
	return Result{
		StatusCode: ok,
		Output: map[string]any{
			"statusCode": ok,
			"response":   map[string]any{"expression": expr.BuildExpressionString(cond.Expression)},
		},
	}, nil
}

// PrepareFilter renders objectToFilter with the json_encode variant, since
// a structured scope reference must serialize as JSON rather than its
// loose string form before being re-parsed as the object to search.
func PrepareFilter(task *model.Task, in RenderInputs) error {
	f := task.Handler.Filter
	rendered, err := template.RenderJSONEncoded(f.ObjectToFilter, in.toContext())
	if err != nil {
		return fmt.Errorf("render objectToFilter: %w", err)
	}
	var parsed any
	if err := json.Unmarshal([]byte(rendered), &parsed); err != nil {
		return fmt.Errorf("parse objectToFilter as JSON: %w", err)
	}
	f.JSONObj = parsed
	return nil
}

// ExecuteFilter performs the depth-first search over the parsed JSON
// object per the predicate table in spec.md 4.C.
func ExecuteFilter(task *model.Task, logger logging.Logger) (Result, error) {
	f := task.Handler.Filter
	var results []any
	searchJSON(f.JSONObj, nil, f.SearchKey, f.SearchValue, f.Condition, logger, &results)
	return Result{
		StatusCode: len(results) > 0,
		Output: map[string]any{
			"statusCode": len(results) > 0,
			"response":   map[string]any{"results": results, "count": len(results)},
		},
	}, nil
}

func searchJSON(node, parent any, searchKey, searchValue, condition string, logger logging.Logger, results *[]any) {
	switch v := node.(type) {
	case map[string]any:
		if matchVal, ok := v[searchKey]; ok {
			if matches(matchVal, searchValue, condition, logger) {
				if parent != nil {
					*results = append(*results, parent)
				} else {
					*results = append(*results, v)
				}
			}
		}
		for _, child := range v {
			searchJSON(child, v, searchKey, searchValue, condition, logger, results)
		}
	case []any:
		for _, child := range v {
			searchJSON(child, parent, searchKey, searchValue, condition, logger, results)
		}
	}
}

func matches(value any, searchValue, condition string, logger logging.Logger) bool {
	switch condition {
	case "=":
		return jsonEqual(value, searchValue)
	case "!=":
		return !jsonEqual(value, searchValue)
	case "contains":
		switch t := value.(type) {
		case string:
			return strings.Contains(t, searchValue)
		case []any:
			for _, el := range t {
				if jsonEqual(el, searchValue) {
					return true
				}
			}
			return false
		case map[string]any:
			_, ok := t[searchValue]
			return ok
		default:
			return false
		}
	case "startsWith":
		s, ok := value.(string)
		return ok && strings.HasPrefix(s, searchValue)
	case ">", "<":
		n1, ok := value.(float64)
		if !ok {
			return false
		}
		n2, err := strconv.ParseFloat(searchValue, 64)
		if err != nil {
			n2 = 0
		}
		if condition == ">" {
			return n1 > n2
		}
		return n1 < n2
	default:
		if logger != nil {
			logger.Warn("filter: unknown condition %q, yielding zero matches", condition)
		}
		return false
	}
}

// jsonEqual compares a decoded JSON value against a raw search-value
// string using strict JSON equality semantics: numbers and booleans are
// compared by parsed value, everything else falls back to a string
// comparison of the stringified value.
func jsonEqual(value any, searchValue string) bool {
	switch t := value.(type) {
	case string:
		return t == searchValue
	case float64:
		n, err := strconv.ParseFloat(searchValue, 64)
		return err == nil && t == n
	case bool:
		b, err := strconv.ParseBool(searchValue)
		return err == nil && t == b
	case nil:
		return searchValue == "null"
	default:
		encoded, err := json.Marshal(t)
		return err == nil && string(encoded) == searchValue
	}
}
