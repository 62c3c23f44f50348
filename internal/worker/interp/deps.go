package interp

import (
	"context"

	"alex/internal/logging"
	"alex/internal/telemetry"
	"alex/internal/worker/handlers"
	"alex/internal/worker/model"
)

// LogSink is the client side of spec.md section 6's "Append log" outbound
// dependency. Failures are swallowed by the caller (LogSinkError is never
// fatal to execution).
type LogSink interface {
	Append(ctx context.Context, event LogEvent) error
}

// Publisher is the Hub's inbound face as seen by the interpreter: publish
// one event for an execution id, fire-and-forget from the interpreter's
// point of view.
type Publisher interface {
	Publish(executionID string, event LogEvent)
}

// AssetFetcher is the client side of spec.md section 6's "Assets by tag"
// outbound dependency, used by the Loop handler's preparation step.
type AssetFetcher interface {
	ByTag(ctx context.Context, tenantID, authToken, tag string) (model.TagAssets, error)
}

// Persister is the client side of the paused-invocation persistence
// endpoints: Save on suspend, Load when a resume/cancel call rehydrates a
// waiting Invocation from external storage.
type Persister interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Load(ctx context.Context, runID, authToken string) (*Snapshot, error)
}

// Deps bundles every collaborator the interpreter needs beyond the task
// graph itself.
type Deps struct {
	Handlers  handlers.Deps
	Assets    AssetFetcher
	LogSink   LogSink
	Publisher Publisher
	Persist   Persister
	Telemetry *telemetry.Telemetry
	Logger    logging.Logger
}
