package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"alex/internal/worker/creds"
	"alex/internal/worker/model"
)

func op(s model.Operator) *model.Operator { return &s }

func TestExecuteConditionalFalseBranch(t *testing.T) {
	task := &model.Task{
		ReactID: "C",
		Handler: model.Handler{Kind: model.KindConditional, Conditional: &model.ConditionalTask{
			Expression: []model.ConditionGroup{{
				Conditions: []model.Condition{{Comparitor: model.CmpEqual, Var1: "1", Var2: "2"}},
			}},
		}},
	}
	res, err := ExecuteConditional(task)
	require.NoError(t, err)
	require.False(t, res.StatusCode)
}

func TestExecuteConditionalNonShortCircuitFails(t *testing.T) {
	task := &model.Task{
		ReactID: "C",
		Handler: model.Handler{Kind: model.KindConditional, Conditional: &model.ConditionalTask{
			Expression: []model.ConditionGroup{{
				Conditions: []model.Condition{
					{Comparitor: model.CmpEqual, Var1: "true", Var2: "true", Op: op(model.OpAnd)},
					{Comparitor: model.CmpEqual, Var1: "1", Var2: "not-a-number", Op: op(model.OpOr)},
					{Comparitor: model.CmpEqual, Var1: "true", Var2: "true"},
				},
			}},
		}},
	}
	_, err := ExecuteConditional(task)
	require.Error(t, err)
}

func TestExecuteFilterFindsMatch(t *testing.T) {
	task := &model.Task{
		Handler: model.Handler{Kind: model.KindFilter, Filter: &model.FilterTask{
			SearchKey:   "status",
			SearchValue: "active",
			Condition:   "=",
			JSONObj: map[string]any{
				"device": map[string]any{"status": "active", "name": "sw1"},
			},
		}},
	}
	res, err := ExecuteFilter(task, nil)
	require.NoError(t, err)
	require.True(t, res.StatusCode)
	out := res.Output.(map[string]any)
	require.Equal(t, 1, out["count"])
}

func TestExecuteFilterNoMatch(t *testing.T) {
	task := &model.Task{
		Handler: model.Handler{Kind: model.KindFilter, Filter: &model.FilterTask{
			SearchKey:   "status",
			SearchValue: "inactive",
			Condition:   "=",
			JSONObj: map[string]any{
				"device": map[string]any{"status": "active"},
			},
		}},
	}
	res, err := ExecuteFilter(task, nil)
	require.NoError(t, err)
	require.False(t, res.StatusCode)
}

func TestExecuteFilterUnknownConditionYieldsZero(t *testing.T) {
	task := &model.Task{
		Handler: model.Handler{Kind: model.KindFilter, Filter: &model.FilterTask{
			SearchKey:   "status",
			SearchValue: "active",
			Condition:   "matches-regex",
			JSONObj:     map[string]any{"status": "active"},
		}},
	}
	res, err := ExecuteFilter(task, nil)
	require.NoError(t, err)
	require.False(t, res.StatusCode)
}

func TestExecuteEndpointSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	task := &model.Task{
		ReactID: "E",
		Handler: model.Handler{Kind: model.KindEndpoint, Endpoint: &model.EndpointTask{
			Method:    "GET",
			TargetURL: srv.URL,
		}},
	}
	res, err := ExecuteEndpoint(context.Background(), task, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.True(t, res.StatusCode)
	require.Equal(t, map[string]any{"ok": true}, res.Output)
}

func TestExecuteWebhookAlwaysSynthesizesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	task := &model.Task{
		ReactID: "W",
		Handler: model.Handler{Kind: model.KindWebhook, Endpoint: &model.EndpointTask{
			Method:    "POST",
			TargetURL: srv.URL,
			IsWebhook: true,
		}},
	}
	res, err := ExecuteEndpoint(context.Background(), task, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.True(t, res.StatusCode)
	require.Equal(t, map[string]any{"statusCode": 200, "response": "Webhook sent"}, res.Output)
}

type fakeIntegrations struct {
	integ *model.Integration
	err   error
}

func (f *fakeIntegrations) Lookup(ctx context.Context, tenantID, vendor, integrationID, authToken string) (*model.Integration, error) {
	return f.integ, f.err
}

func TestPrepareEndpointRendersPathParamsAndInjectsCreds(t *testing.T) {
	task := &model.Task{
		ReactID: "E",
		Handler: model.Handler{Kind: model.KindEndpoint, Endpoint: &model.EndpointTask{
			Vendor:        "meraki",
			IntegrationID: "int-1",
			Method:        "GET",
			TargetURL:     "https://api.meraki.com/networks/:networkId",
			PathParams:    map[string]string{"networkId": "N_123"},
		}},
	}
	deps := Deps{
		Credentials:  creds.New(http.DefaultClient, nil),
		Integrations: &fakeIntegrations{integ: &model.Integration{IntegrationType: "meraki", APIKey: "key1"}},
		Logger:       nil,
	}
	err := PrepareEndpoint(context.Background(), task, RenderInputs{Bare: map[string]any{"tenantId": "t1"}}, deps)
	require.NoError(t, err)
	require.Equal(t, "https://api.meraki.com/networks/N_123", task.Handler.Endpoint.TargetURL)

	var found bool
	for _, h := range task.Handler.Endpoint.Headers {
		if h.Key == "X-Cisco-Meraki-API-Key" {
			found = true
			require.Equal(t, "key1", h.Value)
		}
	}
	require.True(t, found)
}
