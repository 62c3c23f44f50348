package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alex/internal/worker/creds"
	"alex/internal/worker/handlers"
	"alex/internal/worker/interp"
	"alex/internal/worker/model"
)

type recordingLogSink struct {
	mu     sync.Mutex
	events []interp.LogEvent
}

func (r *recordingLogSink) Append(ctx context.Context, event interp.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingLogSink) count(kind interp.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == kind {
			n++
		}
	}
	return n
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, interp.LogEvent) {}

type noIntegrations struct{}

func (noIntegrations) Lookup(ctx context.Context, tenantID, vendor, integrationID, authToken string) (*model.Integration, error) {
	return &model.Integration{IntegrationType: vendor}, nil
}

func endpointCfg(reactID, url string) model.TaskConfig {
	fields, _ := json.Marshal(model.EndpointFields{Method: "GET", TargetURL: url})
	return model.TaskConfig{
		Name: reactID, ReactID: reactID, Category: string(model.KindEndpoint),
		Fields: fields, Vendor: "meraki", IntegrationID: "int-1",
	}
}

// Trigger with two tags fans out two independent invocations; each
// completes and appends its own worker_start/worker_success pair, and the
// dispatcher returns the execution id without waiting for either.
func TestTriggerFansOutPerTag(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := model.WorkerConfig{
		Name: "w", ID: "w", TenantID: "t1",
		Tasks: []model.TaskConfig{endpointCfg("A", srv.URL)},
	}

	sink := &recordingLogSink{}
	deps := interp.Deps{
		Handlers: handlers.Deps{
			HTTPClient:   srv.Client(),
			Credentials:  creds.New(srv.Client(), nil),
			Integrations: noIntegrations{},
		},
		LogSink:   sink,
		Publisher: noopPublisher{},
	}

	d := New(NewTokenSigner("secret"), nil)
	exeID, err := d.Trigger(context.Background(), TriggerRequest{
		TenantID: "t1", TriggeredBy: "user", TriggeredByID: "u1",
		AuthToken: "token", Config: cfg, Tags: []string{"site-a", "site-b"}, Deps: deps,
	})
	require.NoError(t, err)
	require.NotEmpty(t, exeID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 2
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return sink.count(interp.EventWorkerSuccess) == 2
	}, time.Second, time.Millisecond)
}

// With no tags, exactly one untagged invocation runs.
func TestTriggerNoTagsRunsOneInvocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := model.WorkerConfig{
		Name: "w", ID: "w", TenantID: "t1",
		Tasks: []model.TaskConfig{endpointCfg("A", srv.URL)},
	}
	sink := &recordingLogSink{}
	deps := interp.Deps{
		Handlers: handlers.Deps{
			HTTPClient:   srv.Client(),
			Credentials:  creds.New(srv.Client(), nil),
			Integrations: noIntegrations{},
		},
		LogSink:   sink,
		Publisher: noopPublisher{},
	}

	d := New(NewTokenSigner("secret"), nil)
	_, err := d.Trigger(context.Background(), TriggerRequest{
		TenantID: "t1", TriggeredBy: "user", TriggeredByID: "u1",
		AuthToken: "token", Config: cfg, Deps: deps,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.count(interp.EventWorkerSuccess) == 1
	}, time.Second, time.Millisecond)
}

// A failing invocation never prevents a sibling invocation from
// completing successfully — runAll gives each its own errgroup rather
// than sharing one whose first error would cancel the others.
func TestFailingInvocationDoesNotCancelSiblings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	goodCfg := model.WorkerConfig{
		Name: "good", ID: "good", TenantID: "t1",
		Tasks: []model.TaskConfig{endpointCfg("A", srv.URL)},
	}
	// "://bad-url" is not a parseable request target, so buildRequest
	// fails deterministically for every task in this worker.
	badCfg := model.WorkerConfig{
		Name: "bad", ID: "bad", TenantID: "t1",
		Tasks: []model.TaskConfig{endpointCfg("A", "://bad-url")},
	}

	goodWorker, err := model.FromWorkerConfig(goodCfg)
	require.NoError(t, err)
	badWorker, err := model.FromWorkerConfig(badCfg)
	require.NoError(t, err)

	sink := &recordingLogSink{}
	deps := interp.Deps{
		Handlers: handlers.Deps{
			HTTPClient:   srv.Client(),
			Credentials:  creds.New(srv.Client(), nil),
			Integrations: noIntegrations{},
		},
		LogSink:   sink,
		Publisher: noopPublisher{},
	}

	goodInv := interp.New("t1", "user", "u1", "exe", "run-good", "token", nil, "wait-good", goodWorker, deps)
	badInv := interp.New("t1", "user", "u1", "exe", "run-bad", "token", nil, "wait-bad", badWorker, deps)

	d := New(NewTokenSigner("secret"), nil)
	d.runAll(context.Background(), []*interp.Invocation{badInv, goodInv})

	// runAll's internal WaitGroup has already joined both goroutines by
	// the time it returns, so reading State directly here is sequenced
	// after every write to it.
	require.Equal(t, interp.StateFailed, badInv.State)
	require.Equal(t, interp.StateComplete, goodInv.State)
}
