package model

import (
	"encoding/json"
	"fmt"
)

// Integration is a vendor-specific credential and connection descriptor,
// decoded into whichever variant matches its integrationType.
type Integration struct {
	IntegrationType string          `json:"integrationType"`
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Raw             json.RawMessage `json:"-"`

	// vendor-specific credential fields, only one set populated per
	// IntegrationType.
	APIKey          string `json:"apiKey,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	HECToken        string `json:"hecToken,omitempty"`
	AuthToken       string `json:"authToken,omitempty"`
	Token           string `json:"token,omitempty"`
	DNACHostname    string `json:"dnacHostname,omitempty"`
	VManageHostname string `json:"vManageHostname,omitempty"`
}

// ToFieldMap returns the integration's own fields as a flat string map, used
// by the template engine's endpoint rendering context (spec.md 4.A: "the
// rendering context for an endpoint task additionally merges every field of
// the resolved Integration as a top-level key").
func (i Integration) ToFieldMap() map[string]string {
	out := map[string]string{
		"integrationType": i.IntegrationType,
		"id":              i.ID,
		"tenantId":        i.TenantID,
	}
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("apiKey", i.APIKey)
	add("username", i.Username)
	add("password", i.Password)
	add("hecToken", i.HECToken)
	add("authToken", i.AuthToken)
	add("token", i.Token)
	add("dnacHostname", i.DNACHostname)
	add("vManageHostname", i.VManageHostname)
	return out
}

// Handler is the closed sum type of task behaviors. Exactly one field is
// populated, selected by Kind.
type Handler struct {
	Kind        TaskKind
	Endpoint    *EndpointTask
	Conditional *ConditionalTask
	Loop        *LoopTask
	Filter      *FilterTask
}

// String names the handler kind, matching the lowercase Display the
// original implementation used in its own log lines.
func (h Handler) String() string {
	return string(h.Kind)
}

// EndpointTask is the prepared, mutable form of an endpoint or webhook task.
type EndpointTask struct {
	Vendor        string
	IntegrationID string
	Integration   *Integration
	Method        string
	Headers       []Header
	PathParams    map[string]string
	QueryParams   map[string]string
	Body          json.RawMessage
	TargetURL     string
	IsWebhook     bool
}

// AddHeader inserts key/value, replacing any existing header with the same
// key rather than appending a duplicate.
func (e *EndpointTask) AddHeader(key, value string) {
	for i := range e.Headers {
		if e.Headers[i].Key == key {
			e.Headers[i].Value = value
			return
		}
	}
	e.Headers = append(e.Headers, Header{Key: key, Value: value})
}

// ConditionalTask is the prepared form of a conditional task.
type ConditionalTask struct {
	Expression []ConditionGroup
}

// LoopTask is the prepared form of a loop task.
type LoopTask struct {
	Tasks      []*Task
	Schema     []AssetSchemaEntry
	LoopAssets []LoopAsset
}

// LoopAsset is one asset or device iterated over by a Loop task's
// execution, normalized to a single shape regardless of which it came from.
type LoopAsset struct {
	IntegrationType string
	AssetType       string
	DeviceSerial    string
	IsDevice        bool
	Attributes      map[string]any
}

// FilterTask is the prepared form of a filter task.
type FilterTask struct {
	ObjectToFilter string
	Condition      string
	SearchKey      string
	SearchValue    string
	JSONObj        any
}

// Task is the runtime form of a TaskConfig: its fields resolved into a
// concrete Handler variant, ready for Prepare/Execute.
type Task struct {
	Name        string
	ReactID     string
	Next        *Next
	Assets      Assets
	NeedsToWait bool
	Handler     Handler
}

// Clone returns a value copy of the Task with all of its mutable nested
// state deep-copied, so Prepare never mutates the graph stored on Worker
// (original_source/worker/src/lib.rs clones the TaskConfig before every
// prepare call; this repo preserves the same rule).
func (t *Task) Clone() *Task {
	clone := *t
	clone.Assets = t.Assets.Clone()
	if t.Next != nil {
		n := *t.Next
		clone.Next = &n
	}
	switch t.Handler.Kind {
	case KindEndpoint, KindWebhook:
		if t.Handler.Endpoint != nil {
			ep := *t.Handler.Endpoint
			ep.Headers = append([]Header(nil), t.Handler.Endpoint.Headers...)
			ep.PathParams = cloneStringMap(t.Handler.Endpoint.PathParams)
			ep.QueryParams = cloneStringMap(t.Handler.Endpoint.QueryParams)
			if t.Handler.Endpoint.Integration != nil {
				integ := *t.Handler.Endpoint.Integration
				ep.Integration = &integ
			}
			clone.Handler.Endpoint = &ep
		}
	case KindConditional:
		if t.Handler.Conditional != nil {
			cond := *t.Handler.Conditional
			cond.Expression = append([]ConditionGroup(nil), t.Handler.Conditional.Expression...)
			clone.Handler.Conditional = &cond
		}
	case KindLoop:
		if t.Handler.Loop != nil {
			loop := *t.Handler.Loop
			loop.Tasks = append([]*Task(nil), t.Handler.Loop.Tasks...)
			loop.LoopAssets = append([]LoopAsset(nil), t.Handler.Loop.LoopAssets...)
			clone.Handler.Loop = &loop
		}
	case KindFilter:
		if t.Handler.Filter != nil {
			f := *t.Handler.Filter
			clone.Handler.Filter = &f
		}
	}
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromConfig builds a Task from its declarative TaskConfig, resolving the
// untagged `fields` union into the matching Handler variant and rejecting
// unknown/inconsistent configuration up front (ConfigError), rather than
// discovering it mid-traversal.
func FromConfig(cfg TaskConfig) (*Task, error) {
	kind := TaskKind(cfg.Category)
	fields, err := DecodeTaskFields(normalizeKind(cfg), cfg.Fields)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.ReactID, err)
	}

	var handler Handler
	switch f := fields.(type) {
	case EndpointFields:
		queryParams := map[string]string{}
		for k, v := range f.QueryParams {
			queryParams[k] = unwrapQueryValue(v)
		}
		endpoint := &EndpointTask{
			Vendor:        cfg.Vendor,
			IntegrationID: cfg.IntegrationID,
			Method:        f.Method,
			Headers:       f.Headers,
			PathParams:    f.PathParams,
			QueryParams:   queryParams,
			Body:          f.Body,
			TargetURL:     f.TargetURL,
		}
		if kind == KindWebhook {
			endpoint.IsWebhook = true
			handler = Handler{Kind: KindWebhook, Endpoint: endpoint}
		} else {
			if cfg.IntegrationID == "" {
				return nil, fmt.Errorf("task %s: endpoint task must have an integration", cfg.ReactID)
			}
			handler = Handler{Kind: KindEndpoint, Endpoint: endpoint}
		}
	case ConditionalFields:
		handler = Handler{Kind: KindConditional, Conditional: &ConditionalTask{Expression: f.Expression}}
	case LoopFields:
		subTasks := make([]*Task, 0, len(f.Tasks))
		for _, sub := range f.Tasks {
			subTask, err := FromConfig(sub)
			if err != nil {
				return nil, err
			}
			subTasks = append(subTasks, subTask)
		}
		handler = Handler{Kind: KindLoop, Loop: &LoopTask{Tasks: subTasks, Schema: cfg.Assets.Schema}}
	case FilterFields:
		handler = Handler{Kind: KindFilter, Filter: &FilterTask{
			ObjectToFilter: f.ObjectToFilter,
			Condition:      f.Condition,
			SearchKey:      f.SearchKey,
			SearchValue:    f.SearchValue,
		}}
	default:
		return nil, fmt.Errorf("task %s: unknown task category %q", cfg.ReactID, cfg.Category)
	}

	return &Task{
		Name:        cfg.Name,
		ReactID:     cfg.ReactID,
		Next:        cfg.Next,
		Assets:      cfg.Assets,
		NeedsToWait: cfg.NeedsToWait,
		Handler:     handler,
	}, nil
}

// normalizeKind resolves the wire-level `type` discriminant to the kind
// used to select a decode shape: "webhook" and "endpoint" share the same
// EndpointFields wire shape.
func normalizeKind(cfg TaskConfig) TaskKind {
	switch cfg.Category {
	case "webhook":
		return KindEndpoint
	case "":
		return KindEndpoint
	default:
		return TaskKind(cfg.Category)
	}
}

func unwrapQueryValue(raw json.RawMessage) string {
	// the frontend wire shape nests each query param value under a "value"
	// key: {"<param>": {"value": "<value>"}} — flatten it here.
	var nested struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Value != "" {
		return nested.Value
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return string(raw)
}

// Worker is the derived form of a WorkerConfig: a lookup table of tasks
// keyed by reactId plus the entry point. The task graph itself (Tasks,
// Start, NameToReactID) is immutable during a run; LatestTask is the one
// field each Invocation mutates as it advances, which is why the
// Dispatcher clones a Worker per Invocation rather than sharing one.
type Worker struct {
	Name                string
	ID                  string
	TenantID            string
	AvailableInAvicenna bool
	Tasks               map[string]*Task
	Start               string
	NameToReactID       map[string]string
	Global              map[string]any
	Custom              map[string]any
	LatestTask          string
}

// Clone returns a shared-nothing copy of w: a fresh Tasks map with every
// Task deep-copied, so concurrent Invocations (one per tag, per spec.md
// 4.G) never alias each other's graph or LatestTask pointer.
func (w *Worker) Clone() *Worker {
	clone := &Worker{
		Name:                w.Name,
		ID:                  w.ID,
		TenantID:            w.TenantID,
		AvailableInAvicenna: w.AvailableInAvicenna,
		Tasks:               make(map[string]*Task, len(w.Tasks)),
		Start:               w.Start,
		NameToReactID:       make(map[string]string, len(w.NameToReactID)),
		Global:              cloneAnyMap(w.Global),
		Custom:              cloneAnyMap(w.Custom),
		LatestTask:          w.LatestTask,
	}
	for id, t := range w.Tasks {
		clone.Tasks[id] = t.Clone()
	}
	for name, id := range w.NameToReactID {
		clone.NameToReactID[name] = id
	}
	return clone
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromWorkerConfig validates and converts a WorkerConfig into a Worker,
// failing fast (ConfigError territory) on dangling next references or an
// empty task list.
func FromWorkerConfig(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("worker %s: no tasks", cfg.Name)
	}
	w := &Worker{
		Name:                cfg.Name,
		ID:                  cfg.ID,
		TenantID:            cfg.TenantID,
		AvailableInAvicenna: cfg.AvailableInAvicenna,
		Tasks:               make(map[string]*Task, len(cfg.Tasks)),
		NameToReactID:       make(map[string]string, len(cfg.Tasks)),
	}
	if cfg.Global != nil {
		_ = json.Unmarshal(cfg.Global, &w.Global)
	}
	if cfg.Custom != nil {
		_ = json.Unmarshal(cfg.Custom, &w.Custom)
	}

	for _, taskCfg := range cfg.Tasks {
		task, err := FromConfig(taskCfg)
		if err != nil {
			return nil, err
		}
		if _, exists := w.Tasks[task.ReactID]; exists {
			return nil, fmt.Errorf("worker %s: duplicate reactId %q", cfg.Name, task.ReactID)
		}
		w.Tasks[task.ReactID] = task
		if task.Name != "" {
			w.NameToReactID[task.Name] = task.ReactID
		}
	}
	w.Start = cfg.Tasks[0].ReactID

	for id, task := range w.Tasks {
		if task.Next == nil {
			continue
		}
		if task.Next.True != nil {
			if _, ok := w.Tasks[*task.Next.True]; !ok {
				return nil, fmt.Errorf("worker %s: task %s next.true references unknown reactId %q", cfg.Name, id, *task.Next.True)
			}
		}
		if task.Next.False != nil {
			if _, ok := w.Tasks[*task.Next.False]; !ok {
				return nil, fmt.Errorf("worker %s: task %s next.false references unknown reactId %q", cfg.Name, id, *task.Next.False)
			}
		}
	}

	return w, nil
}
