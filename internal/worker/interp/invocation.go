package interp

import (
	"sync"
	"time"

	"alex/internal/worker/model"
)

// State is the closed set of Invocation lifecycle states, per spec.md
// section 3's transition table: Pending -> Running -> {Complete, Failed,
// Waiting}; Waiting -> Running -> {Complete, Failed} on resume;
// Waiting -> Failed on cancel.
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateWaiting   State = "Waiting"
	StateComplete  State = "Complete"
	StateFailed    State = "Failed"
)

// Invocation is a single run of a Worker bound to a tenant, user,
// execution id, and optional tag.
type Invocation struct {
	// immutable
	TenantID      string
	TriggeredBy   string
	TriggeredByID string
	ExecutionID   string
	RunID         string
	AuthToken     string
	Tag           *string
	WaitToken     string

	// mutable, guarded by mu; never touched from outside the Invocation's
	// own goroutine except through the accessor methods below, and mu is
	// never held across an awaited call (spec.md section 5).
	mu      sync.Mutex
	Outputs map[string]any
	Assets  model.Assets
	State   State
	Worker  *model.Worker

	// non-serialized
	Deps  Deps
	Clock func() time.Time
}

func (inv *Invocation) now() time.Time {
	if inv.Clock != nil {
		return inv.Clock()
	}
	return time.Now().UTC()
}

// snapshotOutputs returns a defensive copy of Outputs, safe to read
// without holding mu across a subsequent awaited call.
func (inv *Invocation) snapshotOutputs() map[string]any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string]any, len(inv.Outputs))
	for k, v := range inv.Outputs {
		out[k] = v
	}
	return out
}

func (inv *Invocation) writeOutput(reactID string, value any) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.Outputs == nil {
		inv.Outputs = map[string]any{}
	}
	inv.Outputs[reactID] = value
}

func (inv *Invocation) setState(s State) {
	inv.mu.Lock()
	inv.State = s
	inv.mu.Unlock()
}

func (inv *Invocation) currentState() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.State
}

// cloneForLoop returns a loop-local Invocation whose Outputs map and
// Assets containers are new, so writes to the clone's outputs or asset
// objects never reach the parent (Testable Property 1 / spec.md section
// 4.C Loop step 1). The copy is one level deep: the output values
// themselves (decoded JSON objects and arrays) and the raw asset
// attribute bytes are shared with the parent, not copied. Worker is
// shared-nothing cloned too, since the loop body may advance its own
// LatestTask without disturbing the parent's.
func (inv *Invocation) cloneForLoop() *Invocation {
	inv.mu.Lock()
	outputs := make(map[string]any, len(inv.Outputs))
	for k, v := range inv.Outputs {
		outputs[k] = v
	}
	assets := inv.Assets.Clone()
	inv.mu.Unlock()

	return &Invocation{
		TenantID:      inv.TenantID,
		TriggeredBy:   inv.TriggeredBy,
		TriggeredByID: inv.TriggeredByID,
		ExecutionID:   inv.ExecutionID,
		RunID:         inv.RunID,
		AuthToken:     inv.AuthToken,
		Tag:           inv.Tag,
		WaitToken:     inv.WaitToken,
		Outputs:       outputs,
		Assets:        assets,
		State:         StateRunning,
		Worker:        inv.Worker.Clone(),
		Deps:          inv.Deps,
		Clock:         inv.Clock,
	}
}

// Snapshot is the persisted-invocation JSON shape from spec.md section 6:
// every non-transient Invocation field plus an "@timestamp".
type Snapshot struct {
	Timestamp     time.Time      `json:"@timestamp"`
	TenantID      string         `json:"tenantId"`
	TriggeredBy   string         `json:"triggeredBy"`
	TriggeredByID string         `json:"triggeredById"`
	ExecutionID   string         `json:"executionId"`
	RunID         string         `json:"runId"`
	Tag           *string        `json:"tag,omitempty"`
	AuthToken     string         `json:"authToken"`
	Outputs       map[string]any `json:"outputs"`
	Assets        model.Assets   `json:"assets"`
	Worker        SnapshotWorker `json:"worker"`
}

// SnapshotWorker is the Worker sub-document of a persisted Invocation:
// "worker (including latestTask, start, tasks)" per spec.md section 6.
type SnapshotWorker struct {
	Name          string                `json:"name"`
	ID            string                `json:"id"`
	TenantID      string                `json:"tenantId"`
	Start         string                `json:"start"`
	LatestTask    string                `json:"latestTask"`
	NameToReactID map[string]string     `json:"nameToReactId"`
	Global        map[string]any        `json:"global"`
	Custom        map[string]any        `json:"custom"`
	Tasks         map[string]*model.Task `json:"tasks"`
}

// ToSnapshot serializes inv into its external persistence form, called
// when a task's needsToWait transitions the Invocation to Waiting.
func (inv *Invocation) ToSnapshot() *Snapshot {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	outputs := make(map[string]any, len(inv.Outputs))
	for k, v := range inv.Outputs {
		outputs[k] = v
	}
	return &Snapshot{
		Timestamp:     inv.now(),
		TenantID:      inv.TenantID,
		TriggeredBy:   inv.TriggeredBy,
		TriggeredByID: inv.TriggeredByID,
		ExecutionID:   inv.ExecutionID,
		RunID:         inv.RunID,
		Tag:           inv.Tag,
		AuthToken:     inv.AuthToken,
		Outputs:       outputs,
		Assets:        inv.Assets.Clone(),
		Worker: SnapshotWorker{
			Name:          inv.Worker.Name,
			ID:            inv.Worker.ID,
			TenantID:      inv.Worker.TenantID,
			Start:         inv.Worker.Start,
			LatestTask:    inv.Worker.LatestTask,
			NameToReactID: inv.Worker.NameToReactID,
			Global:        inv.Worker.Global,
			Custom:        inv.Worker.Custom,
			Tasks:         inv.Worker.Tasks,
		},
	}
}

// FromSnapshot rehydrates an Invocation from its persisted form, plumbing
// deps back in since those are never serialized.
func FromSnapshot(snap *Snapshot, deps Deps) *Invocation {
	return &Invocation{
		TenantID:      snap.TenantID,
		TriggeredBy:   snap.TriggeredBy,
		TriggeredByID: snap.TriggeredByID,
		ExecutionID:   snap.ExecutionID,
		RunID:         snap.RunID,
		AuthToken:     snap.AuthToken,
		Tag:           snap.Tag,
		Outputs:       snap.Outputs,
		Assets:        snap.Assets,
		State:         StateWaiting,
		Worker: &model.Worker{
			Name:          snap.Worker.Name,
			ID:            snap.Worker.ID,
			TenantID:      snap.Worker.TenantID,
			Start:         snap.Worker.Start,
			LatestTask:    snap.Worker.LatestTask,
			NameToReactID: snap.Worker.NameToReactID,
			Global:        snap.Worker.Global,
			Custom:        snap.Worker.Custom,
			Tasks:         snap.Worker.Tasks,
		},
		Deps: deps,
	}
}
