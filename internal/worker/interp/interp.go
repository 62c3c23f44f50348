// Package interp implements the worker graph interpreter described in
// spec.md section 4.E: task-graph traversal, branch selection, per-task
// preparation, loop semantics, and suspension/resumption.
package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"alex/internal/telemetry"
	"alex/internal/worker/handlers"
	"alex/internal/worker/model"
)

// New builds a Pending Invocation ready for Run.
func New(tenantID, triggeredBy, triggeredByID, executionID, runID, authToken string, tag *string, waitToken string, worker *model.Worker, deps Deps) *Invocation {
	return &Invocation{
		TenantID:      tenantID,
		TriggeredBy:   triggeredBy,
		TriggeredByID: triggeredByID,
		ExecutionID:   executionID,
		RunID:         runID,
		AuthToken:     authToken,
		Tag:           tag,
		WaitToken:     waitToken,
		Outputs:       map[string]any{},
		State:         StatePending,
		Worker:        worker,
		Deps:          deps,
	}
}

// Run drives the Invocation from its configured Start task to completion,
// suspension, or failure.
func (inv *Invocation) Run(ctx context.Context) error {
	inv.setState(StateRunning)
	inv.Deps.Telemetry.InvocationStarted(ctx)
	inv.emit(ctx, inv.baseEvent(EventWorkerStart))
	return inv.traverse(ctx, inv.Worker.Start)
}

// Resume rehydrates a Waiting Invocation, merges customOutput into the
// paused task's stored output, and continues traversal from that task's
// next.true branch (spec.md section 4.E Resume; Open Question "resume
// follow-on branch" — implemented exactly as documented, unconditionally).
func (inv *Invocation) Resume(ctx context.Context, customOutput any) error {
	pausedID := inv.Worker.LatestTask
	if pausedID == "" {
		inv.setState(StateRunning)
		inv.Deps.Telemetry.InvocationStarted(ctx)
		inv.emit(ctx, inv.baseEvent(EventWorkerStart))
		return inv.traverse(ctx, inv.Worker.Start)
	}

	paused, ok := inv.Worker.Tasks[pausedID]
	if !ok {
		return fmt.Errorf("resume: paused task %q no longer present in worker graph", pausedID)
	}

	merged := mergeCustomOutput(inv.snapshotOutputs()[pausedID], customOutput)
	inv.writeOutput(pausedID, merged)

	inv.setState(StateRunning)
	event := inv.baseEvent(EventTaskSuccess)
	event.TaskName = paused.Name
	event.TaskKind = string(paused.Handler.Kind)
	event.ReactID = paused.ReactID
	event.Outputs = merged
	inv.emit(ctx, event)

	if paused.Next == nil || paused.Next.True == nil {
		inv.emit(ctx, inv.baseEvent(EventWorkerSuccess))
		inv.setState(StateComplete)
		inv.Deps.Telemetry.InvocationEnded(ctx)
		return nil
	}
	return inv.traverse(ctx, *paused.Next.True)
}

// mergeCustomOutput merges customOutput into the paused task's stored
// output object under the key "customOutput", per spec.md section 4.E
// Resume step 2. The stored output may not be a JSON object (e.g. an
// endpoint's raw array/scalar response) — in that case it is wrapped so
// the merge always has somewhere to put customOutput.
func mergeCustomOutput(stored any, customOutput any) map[string]any {
	merged, ok := stored.(map[string]any)
	if !ok {
		merged = map[string]any{}
		if stored != nil {
			merged["response"] = stored
		}
	} else {
		copyMerged := make(map[string]any, len(merged)+1)
		for k, v := range merged {
			copyMerged[k] = v
		}
		merged = copyMerged
	}
	merged["customOutput"] = customOutput
	return merged
}

// Cancel ends a Waiting Invocation early: logs an api_fail for the paused
// task followed by a worker_fail, and marks the Invocation Failed. No
// further tasks run. A Running Invocation cannot be cancelled this way
// (spec.md section 5) — the caller (internal/httpapi) is responsible for
// rejecting a cancel call unless the persisted state says Waiting.
func (inv *Invocation) Cancel(ctx context.Context, message string) error {
	pausedID := inv.Worker.LatestTask
	if paused, ok := inv.Worker.Tasks[pausedID]; ok {
		event := inv.baseEvent(EventAPIFail)
		event.TaskName = paused.Name
		event.TaskKind = string(paused.Handler.Kind)
		event.ReactID = paused.ReactID
		event.Reason = message
		inv.emit(ctx, event)
	} else {
		event := inv.baseEvent(EventAPIFail)
		event.Reason = message
		inv.emit(ctx, event)
	}
	failEvent := inv.baseEvent(EventWorkerFail)
	failEvent.Reason = message
	inv.emit(ctx, failEvent)
	inv.setState(StateFailed)
	inv.Deps.Telemetry.InvocationEnded(ctx)
	return nil
}

// traverse is the main interpreter loop shared by Run and Resume: execute
// one task at a time, following next.true/next.false, until the
// Invocation completes, fails, or suspends.
func (inv *Invocation) traverse(ctx context.Context, startReactID string) error {
	reactID := startReactID
	for {
		task, ok := inv.Worker.Tasks[reactID]
		if !ok {
			return fmt.Errorf("traverse: unknown reactId %q", reactID)
		}
		prepared := task.Clone()

		startEvent := inv.baseEvent(EventTaskStart)
		startEvent.TaskName = prepared.Name
		startEvent.TaskKind = string(prepared.Handler.Kind)
		startEvent.ReactID = prepared.ReactID
		inv.emit(ctx, startEvent)

		spanCtx, span := inv.Deps.Telemetry.TaskSpan(ctx, inv.TenantID, inv.ExecutionID, prepared.ReactID, string(prepared.Handler.Kind))
		start := time.Now()
		result, err := inv.prepareAndExecute(spanCtx, prepared)
		telemetry.EndTaskSpan(span, err)
		inv.Deps.Telemetry.RecordTaskExecution(ctx, string(prepared.Handler.Kind), err == nil, float64(time.Since(start).Milliseconds()))
		if err != nil {
			failEvent := inv.baseEvent(EventTaskFail)
			failEvent.TaskName = prepared.Name
			failEvent.TaskKind = string(prepared.Handler.Kind)
			failEvent.ReactID = prepared.ReactID
			failEvent.Reason = err.Error()
			inv.emit(ctx, failEvent)
			inv.emit(ctx, inv.baseEvent(EventWorkerFail))
			inv.setState(StateFailed)
			inv.Deps.Telemetry.InvocationEnded(ctx)
			return err
		}

		inv.Worker.LatestTask = prepared.ReactID
		if prepared.Handler.Kind != model.KindLoop {
			inv.writeOutput(prepared.ReactID, result.Output)
		}

		next := inv.selectBranch(prepared, result)

		if prepared.NeedsToWait {
			inv.setState(StateWaiting)
			if inv.Deps.Persist != nil {
				if err := inv.Deps.Persist.Save(ctx, inv.ToSnapshot()); err != nil {
					return fmt.Errorf("persist suspended invocation: %w", err)
				}
			}
			successEvent := inv.baseEvent(EventTaskSuccess)
			successEvent.TaskName = prepared.Name
			successEvent.TaskKind = string(prepared.Handler.Kind)
			successEvent.ReactID = prepared.ReactID
			successEvent.Outputs = result.Output
			inv.emit(ctx, successEvent)
			return nil
		}

		successEvent := inv.baseEvent(EventTaskSuccess)
		successEvent.TaskName = prepared.Name
		successEvent.TaskKind = string(prepared.Handler.Kind)
		successEvent.ReactID = prepared.ReactID
		successEvent.Outputs = result.Output

		if next == nil {
			inv.emit(ctx, successEvent)
			inv.emit(ctx, inv.baseEvent(EventWorkerSuccess))
			inv.setState(StateComplete)
			inv.Deps.Telemetry.InvocationEnded(ctx)
			return nil
		}
		inv.emit(ctx, successEvent)
		reactID = *next
	}
}

// selectBranch applies the branch-selection rule from spec.md section
// 4.E: Conditional and Filter key on the statusCode flag; every other
// kind always advances to next.true.
func (inv *Invocation) selectBranch(task *model.Task, result handlers.Result) *string {
	if task.Next == nil {
		return nil
	}
	switch task.Handler.Kind {
	case model.KindConditional, model.KindFilter:
		if result.StatusCode {
			return task.Next.True
		}
		return task.Next.False
	default:
		return task.Next.True
	}
}

// prepareAndExecute dispatches to the handler matching task.Handler.Kind.
func (inv *Invocation) prepareAndExecute(ctx context.Context, task *model.Task) (handlers.Result, error) {
	switch task.Handler.Kind {
	case model.KindEndpoint, model.KindWebhook:
		if err := handlers.PrepareEndpoint(ctx, task, inv.renderInputs(), inv.Deps.Handlers); err != nil {
			return handlers.Result{}, err
		}
		return handlers.ExecuteEndpoint(ctx, task, inv.Deps.Handlers)
	case model.KindConditional:
		if err := handlers.PrepareConditional(task, inv.renderInputs()); err != nil {
			return handlers.Result{}, err
		}
		return handlers.ExecuteConditional(task)
	case model.KindFilter:
		if err := handlers.PrepareFilter(task, inv.renderInputs()); err != nil {
			return handlers.Result{}, err
		}
		return handlers.ExecuteFilter(task, inv.Deps.Logger)
	case model.KindLoop:
		return inv.executeLoop(ctx, task)
	default:
		return handlers.Result{}, fmt.Errorf("unknown task kind %q", task.Handler.Kind)
	}
}

// renderInputs assembles the template rendering context from the
// Invocation's current state: task outputs, ASSET vars for the current
// tag, the worker's custom/global maps, and the reserved bare names.
func (inv *Invocation) renderInputs() handlers.RenderInputs {
	bare := map[string]any{
		"xpertlyRequestToken": inv.AuthToken,
		"tenantId":            inv.TenantID,
	}
	if inv.Tag != nil {
		bare["tagName"] = *inv.Tag
	}

	global := make(map[string]any, len(inv.Worker.Global))
	for k, v := range inv.Worker.Global {
		global["GLOBAL:"+k] = v
	}

	return handlers.RenderInputs{
		Outputs:       inv.snapshotOutputs(),
		NameToReactID: inv.Worker.NameToReactID,
		AssetVars:     inv.assetVars(),
		Custom:        inv.Worker.Custom,
		Global:        global,
		Bare:          bare,
	}
}

func (inv *Invocation) assetVars() map[string]map[string]any {
	out := map[string]map[string]any{}
	if inv.Tag == nil {
		return out
	}
	inv.mu.Lock()
	tagAssets, ok := inv.Assets.Objects[*inv.Tag]
	inv.mu.Unlock()
	if !ok {
		return out
	}
	for _, a := range tagAssets.Assets {
		vendor := strings.ToLower(a.IntegrationType)
		if out[vendor] == nil {
			out[vendor] = map[string]any{}
		}
		out[vendor][a.AssetType] = decodeAttributes(a.Attributes)
	}
	for _, d := range tagAssets.Devices {
		vendor := strings.ToLower(d.IntegrationType)
		if out[vendor] == nil {
			out[vendor] = map[string]any{}
		}
		key := d.DeviceModel
		if key == "" {
			key = "device"
		}
		out[vendor][key] = decodeAttributes(d.Attributes)
	}
	return out
}

func decodeAttributes(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

// executeLoop runs the Loop handler: fetch assets for the invocation's
// tag (whenever an asset fetcher is configured and the tag is set), then
// for each asset/device run the
// loop's contained tasks sequentially against a loop-local clone of the
// Invocation. Per the Open Question decision recorded in DESIGN.md, the
// parent Invocation's outputs map is never written for the loop's own
// reactId.
func (inv *Invocation) executeLoop(ctx context.Context, task *model.Task) (handlers.Result, error) {
	loop := task.Handler.Loop
	tag := ""
	if inv.Tag != nil {
		tag = *inv.Tag
	}

	if inv.Deps.Assets != nil && tag != "" {
		fetched, err := inv.Deps.Assets.ByTag(ctx, inv.TenantID, inv.AuthToken, tag)
		if err != nil {
			return handlers.Result{}, fmt.Errorf("loop: fetch assets for tag %q: %w", tag, err)
		}
		loop.LoopAssets = normalizeLoopAssets(fetched)
		if inv.Assets.Objects == nil {
			inv.Assets.Objects = map[string]model.TagAssets{}
		}
		inv.Assets.Objects[tag] = fetched
	}

	subTasks := make(map[string]*model.Task, len(loop.Tasks))
	var start string
	for i, sub := range loop.Tasks {
		subTasks[sub.ReactID] = sub
		if i == 0 {
			start = sub.ReactID
		}
	}
	if start == "" {
		return handlers.Result{}, nil
	}

	for _, asset := range loop.LoopAssets {
		iterInv := inv.cloneForLoop()
		iterInv.Worker.Tasks = subTasks
		iterInv.Worker.Start = start

		if tag != "" {
			if iterInv.Assets.Objects == nil {
				iterInv.Assets.Objects = map[string]model.TagAssets{}
			}
			iterInv.Assets.Objects[tag] = loopAssetObjects(asset)
		}

		if err := iterInv.traverse(ctx, start); err != nil {
			return handlers.Result{}, fmt.Errorf("loop iteration failed: %w", err)
		}
		if iterInv.currentState() == StateFailed {
			return handlers.Result{}, fmt.Errorf("loop iteration %s/%s failed", asset.IntegrationType, asset.AssetType)
		}
	}

	return handlers.Result{StatusCode: true, Output: nil}, nil
}

// normalizeLoopAssets flattens a TagAssets fetch into the single
// LoopAsset shape the Loop handler iterates over, regardless of whether
// each entry came from the Assets or Devices list.
func normalizeLoopAssets(ta model.TagAssets) []model.LoopAsset {
	out := make([]model.LoopAsset, 0, len(ta.Assets)+len(ta.Devices))
	for _, a := range ta.Assets {
		attrs, _ := decodeAttributes(a.Attributes).(map[string]any)
		out = append(out, model.LoopAsset{IntegrationType: a.IntegrationType, AssetType: a.AssetType, Attributes: attrs})
	}
	for _, d := range ta.Devices {
		attrs, _ := decodeAttributes(d.Attributes).(map[string]any)
		out = append(out, model.LoopAsset{IntegrationType: d.IntegrationType, AssetType: d.DeviceModel, DeviceSerial: d.DeviceSerial, IsDevice: true, Attributes: attrs})
	}
	return out
}

// loopAssetObjects builds the single-item TagAssets the current loop
// iteration exposes at assets.objects[tag], so the iteration's inner
// tasks see exactly one asset or device via ASSET-scope references.
func loopAssetObjects(a model.LoopAsset) model.TagAssets {
	attrsJSON, _ := json.Marshal(a.Attributes)
	if a.IsDevice {
		return model.TagAssets{Devices: []model.Device{{
			IntegrationType: a.IntegrationType,
			DeviceModel:     a.AssetType,
			DeviceSerial:    a.DeviceSerial,
			Attributes:      attrsJSON,
		}}}
	}
	return model.TagAssets{Assets: []model.Asset{{
		IntegrationType: a.IntegrationType,
		AssetType:       a.AssetType,
		Attributes:      attrsJSON,
	}}}
}
