package interp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"alex/internal/worker/creds"
	"alex/internal/worker/handlers"
	"alex/internal/worker/model"
)

type recordingLogSink struct {
	events []LogEvent
}

func (r *recordingLogSink) Append(ctx context.Context, event LogEvent) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingLogSink) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, LogEvent) {}

type fakePersister struct {
	saved *Snapshot
}

func (f *fakePersister) Save(ctx context.Context, snap *Snapshot) error {
	f.saved = snap
	return nil
}

func (f *fakePersister) Load(ctx context.Context, runID, authToken string) (*Snapshot, error) {
	return f.saved, nil
}

type noIntegrations struct{}

func (noIntegrations) Lookup(ctx context.Context, tenantID, vendor, integrationID, authToken string) (*model.Integration, error) {
	return &model.Integration{IntegrationType: vendor}, nil
}

func taskConfig(reactID string, kind model.TaskKind, fields any, next *model.Next) model.TaskConfig {
	raw, _ := json.Marshal(fields)
	return model.TaskConfig{
		Name:    reactID,
		ReactID: reactID,
		Category: string(kind),
		Fields:  raw,
		Next:    next,
	}
}

func buildWorker(t *testing.T, cfg model.WorkerConfig) *model.Worker {
	t.Helper()
	w, err := model.FromWorkerConfig(cfg)
	require.NoError(t, err)
	return w
}

func newTestDeps(logSink LogSink, client *http.Client) Deps {
	return Deps{
		Handlers: handlers.Deps{
			HTTPClient:   client,
			Credentials:  creds.New(client, nil),
			Integrations: noIntegrations{},
		},
		LogSink:   logSink,
		Publisher: noopPublisher{},
	}
}

// S1: linear endpoint chain A -> B, expect worker_start, task_start(A),
// task_success(A), task_start(B), task_success(B), worker_success.
func TestS1LinearEndpointChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	bTrue := "B"
	cfg := model.WorkerConfig{
		Name: "w1", ID: "w1", TenantID: "t1",
		Tasks: []model.TaskConfig{
			withIntegration(taskConfig("A", model.KindEndpoint, endpointFields(srv.URL), &model.Next{True: &bTrue}), "int-1"),
			withIntegration(taskConfig("B", model.KindEndpoint, endpointFields(srv.URL), nil), "int-1"),
		},
	}
	worker := buildWorker(t, cfg)
	sink := &recordingLogSink{}
	inv := New("t1", "user", "u1", "exe1", "run1", "token", nil, "wait1", worker, newTestDeps(sink, srv.Client()))

	err := inv.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateComplete, inv.currentState())
	require.Equal(t, []EventKind{
		EventWorkerStart, EventTaskStart, EventTaskSuccess, EventTaskStart, EventTaskSuccess, EventWorkerSuccess,
	}, sink.kinds())

	outA, okA := inv.snapshotOutputs()["A"]
	require.True(t, okA)
	require.NotNil(t, outA)
	_, okB := inv.snapshotOutputs()["B"]
	require.True(t, okB)
}

func endpointFields(url string) model.EndpointFields {
	return model.EndpointFields{Method: "GET", TargetURL: url}
}

func withIntegration(cfg model.TaskConfig, integrationID string) model.TaskConfig {
	cfg.Vendor = "meraki"
	cfg.IntegrationID = integrationID
	return cfg
}

// S2: conditional false branch. E (endpoint) -> C (conditional, 1==2,
// always false) -> F. Expect visit order E, C, F; outputs[C] == false.
func TestS2ConditionalFalseBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cReact, tReact, fReact := "C", "T", "F"
	cfg := model.WorkerConfig{
		Name: "w2", ID: "w2", TenantID: "t1",
		Tasks: []model.TaskConfig{
			withIntegration(taskConfig("E", model.KindEndpoint, endpointFields(srv.URL), &model.Next{True: &cReact}), "int-1"),
			taskConfig("C", model.KindConditional, model.ConditionalFields{
				Expression: []model.ConditionGroup{{
					Conditions: []model.Condition{{Comparitor: model.CmpEqual, Var1: "1", Var2: "2"}},
				}},
			}, &model.Next{True: &tReact, False: &fReact}),
			taskConfig("T", model.KindConditional, model.ConditionalFields{}, nil),
			taskConfig("F", model.KindConditional, model.ConditionalFields{}, nil),
		},
	}
	worker := buildWorker(t, cfg)
	sink := &recordingLogSink{}
	inv := New("t1", "user", "u1", "exe2", "run2", "token", nil, "wait2", worker, newTestDeps(sink, srv.Client()))

	err := inv.Run(context.Background())
	require.NoError(t, err)

	var visited []string
	for _, e := range sink.events {
		if e.Event == EventTaskStart {
			visited = append(visited, e.ReactID)
		}
	}
	require.Equal(t, []string{"E", "C", "F"}, visited)

	out, ok := inv.snapshotOutputs()["C"]
	require.True(t, ok)
	outMap := out.(map[string]any)
	require.Equal(t, false, outMap["statusCode"])
}

// S3: suspend + resume. E (endpoint, needsToWait) -> F (endpoint).
func TestS3SuspendAndResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	fReact := "F"
	eCfg := withIntegration(taskConfig("E", model.KindEndpoint, endpointFields(srv.URL), &model.Next{True: &fReact}), "int-1")
	eCfg.NeedsToWait = true
	cfg := model.WorkerConfig{
		Name: "w3", ID: "w3", TenantID: "t1",
		Tasks: []model.TaskConfig{
			eCfg,
			withIntegration(taskConfig("F", model.KindEndpoint, endpointFields(srv.URL), nil), "int-1"),
		},
	}
	worker := buildWorker(t, cfg)
	sink := &recordingLogSink{}
	persist := &fakePersister{}
	deps := newTestDeps(sink, srv.Client())
	deps.Persist = persist
	inv := New("t1", "user", "u1", "exe3", "run3", "token", nil, "wait3", worker, deps)

	err := inv.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateWaiting, inv.currentState())
	require.NotNil(t, persist.saved)
	require.Equal(t, "E", persist.saved.Worker.LatestTask)

	resumed := FromSnapshot(persist.saved, deps)
	err = resumed.Resume(context.Background(), map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, StateComplete, resumed.currentState())

	outE := resumed.snapshotOutputs()["E"].(map[string]any)
	require.Equal(t, map[string]any{"k": "v"}, outE["customOutput"])

	_, okF := resumed.snapshotOutputs()["F"]
	require.True(t, okF)
}

// S5: loop over two devices, outputs for the loop's own reactId are
// absent from the parent, and the inner task runs once per device.
func TestS5LoopOverTwoDevices(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	innerCfg := withIntegration(taskConfig("L1", model.KindEndpoint, endpointFields(srv.URL), nil), "int-1")
	loopCfg := taskConfig("LOOP", model.KindLoop, model.LoopFields{Tasks: []model.TaskConfig{innerCfg}}, nil)

	cfg := model.WorkerConfig{
		Name: "w5", ID: "w5", TenantID: "t1",
		Tasks: []model.TaskConfig{loopCfg},
	}
	worker := buildWorker(t, cfg)
	sink := &recordingLogSink{}
	deps := newTestDeps(sink, srv.Client())
	deps.Assets = fakeAssetFetcher{
		result: model.TagAssets{Devices: []model.Device{
			{IntegrationType: "meraki", DeviceModel: "MX1", DeviceSerial: "S1"},
			{IntegrationType: "meraki", DeviceModel: "MX2", DeviceSerial: "S2"},
		}},
	}
	tag := "site-a"
	inv := New("t1", "user", "u1", "exe5", "run5", "token", &tag, "wait5", worker, deps)

	err := inv.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateComplete, inv.currentState())
	require.Equal(t, 2, hits)

	_, hasLoopOutput := inv.snapshotOutputs()["LOOP"]
	require.False(t, hasLoopOutput)
}

type fakeAssetFetcher struct {
	result model.TagAssets
}

func (f fakeAssetFetcher) ByTag(ctx context.Context, tenantID, authToken, tag string) (model.TagAssets, error) {
	return f.result, nil
}

// S6: cancel path on a paused invocation.
func TestS6CancelPath(t *testing.T) {
	eCfg := withIntegration(taskConfig("E", model.KindEndpoint, endpointFields("http://example.invalid"), nil), "int-1")
	eCfg.NeedsToWait = true
	cfg := model.WorkerConfig{
		Name: "w6", ID: "w6", TenantID: "t1",
		Tasks: []model.TaskConfig{eCfg},
	}
	worker := buildWorker(t, cfg)
	worker.LatestTask = "E"
	sink := &recordingLogSink{}
	deps := newTestDeps(sink, http.DefaultClient)
	inv := New("t1", "user", "u1", "exe6", "run6", "token", nil, "wait6", worker, deps)
	inv.State = StateWaiting

	err := inv.Cancel(context.Background(), "operator cancelled")
	require.NoError(t, err)
	require.Equal(t, StateFailed, inv.currentState())
	require.Equal(t, []EventKind{EventAPIFail, EventWorkerFail}, sink.kinds())
}
