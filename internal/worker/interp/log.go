package interp

import (
	"context"
	"time"

	"alex/internal/logging"
)

// EventKind is the closed set of log events the interpreter emits, per
// spec.md section 4.E.
type EventKind string

const (
	EventWorkerStart   EventKind = "worker_start"
	EventWorkerSuccess EventKind = "worker_success"
	EventWorkerFail    EventKind = "worker_fail"
	EventTaskStart     EventKind = "task_start"
	EventTaskSuccess   EventKind = "task_success"
	EventTaskFail      EventKind = "task_fail"
	EventAPIFail       EventKind = "api_fail"
)

// LogEvent is the shape posted to the external log sink and published to
// the Hub for every state transition. The field set matches
// original_source/worker/src/lib.rs's log lines in full (workerRunId,
// runBy, runByUserId) rather than only the subset spec.md's table names,
// per SPEC_FULL.md's "structured request logging" supplement.
type LogEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	TenantID      string    `json:"tenantId"`
	WorkerName    string    `json:"workerName"`
	WorkerID      string    `json:"workerId"`
	ExecutionID   string    `json:"executionId"`
	WorkerRunID   string    `json:"workerRunId"`
	RunBy         string    `json:"runBy"`
	RunByUserID   string    `json:"runByUserId"`
	Tag           string    `json:"tag,omitempty"`
	TaskName      string    `json:"taskName,omitempty"`
	TaskKind      string    `json:"taskKind,omitempty"`
	ReactID       string    `json:"reactId,omitempty"`
	Event         EventKind `json:"event"`
	Reason        string    `json:"reason,omitempty"`
	Outputs       any       `json:"outputs,omitempty"`
}

func (inv *Invocation) baseEvent(event EventKind) LogEvent {
	tag := ""
	if inv.Tag != nil {
		tag = *inv.Tag
	}
	return LogEvent{
		TenantID:    inv.TenantID,
		WorkerName:  inv.Worker.Name,
		WorkerID:    inv.Worker.ID,
		ExecutionID: inv.ExecutionID,
		WorkerRunID: inv.RunID,
		RunBy:       inv.TriggeredBy,
		RunByUserID: inv.TriggeredByID,
		Tag:         tag,
		Event:       event,
	}
}

// emit stamps the event with a timestamp, POSTs it to the log sink
// (errors are swallowed per spec.md's LogSinkError taxonomy), and
// publishes it to the Hub for subscribed websocket sessions. Clock is a
// field on Invocation so tests can supply a deterministic clock.
func (inv *Invocation) emit(ctx context.Context, event LogEvent) {
	event.Timestamp = inv.now()
	if inv.Deps.LogSink != nil {
		if err := inv.Deps.LogSink.Append(ctx, event); err != nil {
			logging.OrNop(inv.Deps.Logger).Warn("log sink append failed for %s: %v", inv.ExecutionID, err)
		}
	}
	if inv.Deps.Publisher != nil {
		inv.Deps.Publisher.Publish(inv.ExecutionID, event)
	}
}
