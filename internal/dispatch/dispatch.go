package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"alex/internal/async"
	"alex/internal/logging"
	"alex/internal/worker/interp"
	"alex/internal/worker/model"
)

// TriggerRequest carries everything the Dispatcher needs to start a run:
// the WorkerConfig to build, the tags selected by the caller (possibly
// empty, meaning a single untagged invocation), the triggering user, and
// the collaborators every spawned Invocation shares.
type TriggerRequest struct {
	TenantID      string
	TriggeredBy   string
	TriggeredByID string
	AuthToken     string
	ExecutionID   string // optional; generated when empty
	Config        model.WorkerConfig
	Tags          []string
	Deps          interp.Deps
}

// Dispatcher is the Execution Dispatcher of spec.md section 4.G: it turns
// a trigger request into one Invocation per tag, mints each a wait token,
// and fans them out onto the runtime with no inter-invocation
// coordination — one invocation failing never cancels its siblings.
type Dispatcher struct {
	signer *TokenSigner
	logger logging.Logger
}

// New builds a Dispatcher. signer mints the wait token each Invocation
// carries; logger records per-invocation failures, since Trigger itself
// never blocks on invocation completion.
func New(signer *TokenSigner, logger logging.Logger) *Dispatcher {
	return &Dispatcher{signer: signer, logger: logging.OrNop(logger)}
}

// Trigger builds the Worker, mints a wait token per tag (or one untagged
// invocation when req.Tags is empty), and fans execution out in the
// background. It returns the execution id immediately — per spec.md
// section 6, "execution proceeds in background."
func (d *Dispatcher) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	worker, err := model.FromWorkerConfig(req.Config)
	if err != nil {
		return "", fmt.Errorf("dispatch: build worker: %w", err)
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	tags := req.Tags
	if len(tags) == 0 {
		tags = []string{""}
	}

	invocations := make([]*interp.Invocation, 0, len(tags))
	for _, tag := range tags {
		runID := uuid.NewString()
		waitToken, err := d.signer.Mint(runID, req.AuthToken)
		if err != nil {
			return "", fmt.Errorf("dispatch: mint wait token: %w", err)
		}
		var tagPtr *string
		if tag != "" {
			t := tag
			tagPtr = &t
		}
		inv := interp.New(
			req.TenantID, req.TriggeredBy, req.TriggeredByID,
			executionID, runID, req.AuthToken, tagPtr, waitToken,
			worker.Clone(), req.Deps,
		)
		invocations = append(invocations, inv)
	}

	async.Go(d.logger, "dispatch.run", func() {
		d.runAll(context.WithoutCancel(ctx), invocations)
	})

	return executionID, nil
}

// runAll drives every invocation to completion concurrently. Each
// invocation gets its own errgroup (of one) rather than sharing a single
// group, so one invocation's error never cancels the context siblings are
// running under (spec.md section 5: "no inter-invocation coordination").
func (d *Dispatcher) runAll(ctx context.Context, invocations []*interp.Invocation) {
	var wg sync.WaitGroup
	for _, inv := range invocations {
		wg.Add(1)
		go func(inv *interp.Invocation) {
			defer wg.Done()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return inv.Run(gctx)
			})
			if err := g.Wait(); err != nil {
				d.logger.Error("dispatch: invocation %s (tag %v) failed: %v", inv.RunID, inv.Tag, err)
			}
		}(inv)
	}
	wg.Wait()
}
