// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coordcore/core/internal/eventbus"
	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/runstore"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// noProgressPollInterval paces the loop when the Planner reports nothing
// new yet but hasn't crossed the no_progress_threshold — this only
// matters for dynamic planners; StaticPlanner's first "done" is final.
const noProgressPollInterval = 50 * time.Millisecond

// runWorkerDeps are the per-run inputs StartRun assembles for newRunWorker.
type runWorkerDeps struct {
	runID               string
	executor            *Executor
	plan                []ProposedStep
	policy              *router.RunPolicy
	retryPolicy         RetryPolicy
	noProgressThreshold int
	autoResolve         AutoResolver
}

// runWorker is the single owning goroutine for one Run's entire lifetime
// (spec.md §5). No other goroutine mutates the run's persisted state
// while this worker is seated.
type runWorker struct {
	runID               string
	ex                  *Executor
	planner             Planner
	policy              *router.RunPolicy
	retryPolicy         RetryPolicy
	noProgressThreshold int
	autoResolve         AutoResolver

	ctx        context.Context
	cancelFn   context.CancelFunc
	cancelOnce sync.Once

	mu              sync.Mutex
	approvedNames   map[string]bool
	pendingApproval string
	approvalCh      chan runstore.ApprovalDecision
}

func newRunWorker(deps runWorkerDeps) *runWorker {
	ctx, cancel := context.WithCancel(context.Background())

	planner := deps.executor.planner
	if len(deps.plan) > 0 {
		planner = NewStaticPlanner(deps.plan)
	}

	policy := deps.policy
	if policy == nil {
		policy = &router.RunPolicy{}
	}

	w := &runWorker{
		runID:               deps.runID,
		ex:                  deps.executor,
		planner:             planner,
		policy:              policy,
		retryPolicy:         deps.retryPolicy,
		noProgressThreshold: deps.noProgressThreshold,
		autoResolve:         deps.autoResolve,
		ctx:                 ctx,
		cancelFn:            cancel,
		approvedNames:       make(map[string]bool),
	}

	// The Router consults ApprovalGranted per qualified name; wire it back
	// to this worker's in-memory grant set so a resolved Approval unblocks
	// every future call to that tool within the run, not just one step.
	policy.ApprovalGranted = w.isApproved

	return w
}

func (w *runWorker) cancel() {
	w.cancelOnce.Do(func() { w.cancelFn() })
}

func (w *runWorker) isApproved(qualifiedName string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.approvedNames[qualifiedName]
}

func (w *runWorker) grantApproval(qualifiedName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.approvedNames[qualifiedName] = true
}

func (w *runWorker) notifyApprovalResolved(approvalID string, decision runstore.ApprovalDecision) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingApproval != approvalID {
		return
	}
	select {
	case w.approvalCh <- decision:
	default:
	}
}

// loop drives the six-step plan/critic/dispatch/persist/decide/advance
// cycle until the run reaches a terminal state.
func (w *runWorker) loop() {
	select {
	case <-w.ctx.Done():
		run, _ := w.ex.store.GetRun(context.Background(), w.runID)
		w.finalize(runstore.RunCancelled, "cancelled", run)
		return
	default:
	}

	select {
	case w.ex.semaphore <- struct{}{}:
		defer func() { <-w.ex.semaphore }()
	case <-w.ctx.Done():
		run, _ := w.ex.store.GetRun(context.Background(), w.runID)
		w.finalize(runstore.RunCancelled, "cancelled", run)
		return
	}

	run, err := w.ex.store.GetRun(w.ctx, w.runID)
	if err != nil {
		return
	}
	run.Status = runstore.RunRunning
	if err := w.ex.store.UpdateRun(w.ctx, run); err != nil {
		return
	}
	w.publish(eventbus.KindRunStatusChanged, map[string]any{"status": string(run.Status)})

	budget := &router.Budget{
		MaxSteps:  run.Budgets.MaxSteps,
		MaxWallMS: run.Budgets.MaxWallMS,
		MaxCost:   run.Budgets.MaxCost,
	}

	var (
		rejectionKind  coorderrors.Kind
		rejectionCount int
		noProgress     int
	)

	for {
		select {
		case <-w.ctx.Done():
			w.finalizeCancelled(run)
			return
		default:
		}

		history, err := w.ex.store.ListSteps(w.ctx, w.runID)
		if err != nil {
			w.finalize(runstore.RunFailed, "internal", run)
			return
		}

		step, done, err := w.planner.Next(w.ctx, PlanState{Run: run, History: history})
		if err != nil {
			w.finalize(runstore.RunFailed, "planner_error", run)
			return
		}
		if done {
			noProgress++
			if noProgress >= w.noProgressThreshold {
				w.finalize(runstore.RunSucceeded, "plan_exhausted", run)
				return
			}
			select {
			case <-w.ctx.Done():
				w.finalizeCancelled(run)
				return
			case <-time.After(noProgressPollInterval):
			}
			continue
		}
		noProgress = 0

		schema, _ := w.ex.rtr.LookupTool(step.QualifiedName)

		if err := w.ex.critic.Check(w.ctx, step, schema, PlanState{Run: run, History: history}); err != nil {
			kind := coorderrors.KindOf(err)
			if kind != "" && kind == rejectionKind {
				rejectionCount++
			} else {
				rejectionKind = kind
				rejectionCount = 1
			}
			if rejectionCount >= 3 {
				w.finalize(runstore.RunFailed, "critic_stuck", run)
				return
			}
			continue
		}
		rejectionCount = 0

		sensitive := schema.Sensitive || step.Sensitive
		if sensitive && !w.isApproved(step.QualifiedName) {
			approved, cancelled, err := w.resolveApproval(run, step, schema)
			if err != nil {
				w.finalize(runstore.RunFailed, "internal", run)
				return
			}
			if cancelled {
				w.finalizeCancelled(run)
				return
			}
			if !approved {
				w.persistRejectedStep(step, len(history))
				w.finalize(runstore.RunFailed, "approval_rejected", run)
				return
			}
			w.grantApproval(step.QualifiedName)
		}

		lastErr := w.dispatchWithRetry(step, budget, len(history))
		stepOK := lastErr == nil

		run.Totals.Steps, run.Totals.WallMS, run.Totals.Cost = budget.Totals()
		_ = w.ex.store.UpdateRun(w.ctx, run)

		if exceeded, reason := budget.Exceeded(); exceeded {
			if reason == "max_steps" {
				if stepOK {
					w.finalize(runstore.RunSucceeded, "", run)
				} else {
					w.finalize(runstore.RunFailed, reason, run)
				}
			} else {
				w.finalize(runstore.RunFailed, reason, run)
			}
			return
		}

		if !stepOK {
			if w.ctx.Err() != nil {
				w.finalizeCancelled(run)
				return
			}
			reason := "tool_unreachable"
			if !coorderrors.IsRetriable(lastErr) {
				if k := coorderrors.KindOf(lastErr); k != "" {
					reason = string(k)
				}
			}
			w.finalize(runstore.RunFailed, reason, run)
			return
		}
	}
}

// resolveApproval runs the AutoResolver fast path first, then falls
// through to the durable pause-for-approval flow (spec.md §4.8 scenario
// 4: the run enters paused_for_approval, emits ApprovalRequested, and
// resumes once the Admission Interface resolves it). Returns
// (approved, cancelled, err); cancelled is true only when the run was
// cancelled while waiting on a human decision.
func (w *runWorker) resolveApproval(run runstore.Run, step ProposedStep, schema registry.ToolSchema) (approved bool, cancelled bool, err error) {
	if w.autoResolve != nil {
		var input map[string]any
		_ = json.Unmarshal(step.Input, &input)
		ok, aerr := w.autoResolve.Approve(w.ctx, step.QualifiedName, describeSensitiveTool(schema), input)
		if aerr == nil {
			return ok, false, nil
		}
		// The resolver could not decide synchronously (e.g. an unattended
		// policy with no pre-approval for this tool); fall through to the
		// durable human-in-the-loop gate instead of treating aerr as fatal.
	}

	approvalID := uuid.New().String()
	appr := runstore.Approval{
		ApprovalID:  approvalID,
		RunID:       w.runID,
		Reason:      describeSensitiveTool(schema),
		RequestedAt: time.Now().UTC(),
		Decision:    runstore.ApprovalPending,
	}
	if err := w.ex.store.PutApproval(context.Background(), appr); err != nil {
		return false, false, err
	}

	w.mu.Lock()
	w.pendingApproval = approvalID
	w.approvalCh = make(chan runstore.ApprovalDecision, 1)
	w.mu.Unlock()

	run.Status = runstore.RunPausedForApproval
	_ = w.ex.store.UpdateRun(context.Background(), run)
	w.publish(eventbus.KindApprovalRequested, map[string]any{
		"approval_id":    approvalID,
		"qualified_name": step.QualifiedName,
	})

	select {
	case decision := <-w.approvalCh:
		w.mu.Lock()
		w.pendingApproval = ""
		w.approvalCh = nil
		w.mu.Unlock()

		run.Status = runstore.RunRunning
		_ = w.ex.store.UpdateRun(context.Background(), run)
		w.publish(eventbus.KindRunStatusChanged, map[string]any{"status": string(run.Status)})

		return decision == runstore.ApprovalApproved, false, nil
	case <-w.ctx.Done():
		return false, true, nil
	}
}

// dispatchWithRetry performs up to retryPolicy.MaxAttempts dispatch
// attempts for one proposed step (spec.md §4.8's retry policy: delay
// base*2^(attempt-1) with ±20% jitter between attempts), then appends
// exactly one finalized Step record — attempts is the count, not one
// sub-entry per try.
func (w *runWorker) dispatchWithRetry(step ProposedStep, budget *router.Budget, ordinalBase int) error {
	ordinal := ordinalBase + 1
	stepID := uuid.New().String()
	serverID, toolName := splitQualifiedName(step.QualifiedName)
	started := time.Now().UTC()

	w.publish(eventbus.KindStepStarted, map[string]any{
		"step_id":        stepID,
		"ordinal":        ordinal,
		"qualified_name": step.QualifiedName,
	})

	maxAttempts := w.retryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy.MaxAttempts
	}

	var (
		lastErr   error
		output    json.RawMessage
		attempts  int
		cancelled bool
	)

	// Budget accounting happens once per logical step, here, before the
	// first dispatch attempt — not once per retry attempt inside
	// Dispatch. A step that needs several retries still consumes exactly
	// one unit of max_steps, and run.Totals.Steps stays in lockstep with
	// the persisted Step log (spec.md §8's round-trip law).
	if err := budget.Reserve(); err != nil {
		lastErr = err
	} else {
		tracer := otel.Tracer("github.com/coordcore/core/internal/executor")
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			attempts = attempt

			spanCtx, span := tracer.Start(w.ctx, "executor.dispatch_step",
				trace.WithAttributes(
					attribute.String("coordcore.qualified_name", step.QualifiedName),
					attribute.Int("coordcore.attempt", attempt),
				),
			)
			result, err := w.ex.rtr.Dispatch(spanCtx, router.CallRequest{
				QualifiedName: step.QualifiedName,
				Arguments:     step.Input,
				Policy:        w.policy,
				Budget:        budget,
			}, w.ex.dispatch)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()

			if err == nil {
				output, lastErr = result, nil
				break
			}
			lastErr = err

			if w.ctx.Err() != nil {
				cancelled = true
				break
			}
			if !coorderrors.IsRetriable(err) || attempt == maxAttempts {
				break
			}

			select {
			case <-w.ctx.Done():
				cancelled = true
			case <-time.After(w.retryPolicy.delayFor(attempt)):
			}
			if cancelled {
				break
			}
		}

		if lastErr == nil {
			budget.AddCost(stepCostUSD(output))
		}
	}

	finished := time.Now().UTC()
	rec := runstore.Step{
		StepID:     stepID,
		RunID:      w.runID,
		Ordinal:    ordinal,
		ServerID:   serverID,
		ToolName:   toolName,
		Input:      append([]byte(nil), step.Input...),
		StartedAt:  started,
		FinishedAt: &finished,
		Attempts:   attempts,
	}
	switch {
	case cancelled:
		rec.Error = "cancelled"
		lastErr = coorderrors.New(coorderrors.KindInternal, "cancelled")
	case lastErr == nil:
		rec.Output = append([]byte(nil), output...)
	default:
		rec.Error = lastErr.Error()
	}

	if err := w.ex.store.AppendStep(context.Background(), rec); err != nil {
		lastErr = err
	}

	w.publish(eventbus.KindStepFinished, map[string]any{
		"step_id": stepID,
		"ordinal": ordinal,
		"error":   rec.Error,
	})

	if w.ex.cfg.Metrics != nil {
		w.ex.cfg.Metrics.RecordStepComplete(serverID, toolName, attempts, rec.Error != "", finished.Sub(started))
	}

	return lastErr
}

// persistRejectedStep finalizes a step that never reached dispatch because
// its sensitive tool's approval was rejected.
func (w *runWorker) persistRejectedStep(step ProposedStep, ordinalBase int) {
	ordinal := ordinalBase + 1
	serverID, toolName := splitQualifiedName(step.QualifiedName)
	now := time.Now().UTC()
	rec := runstore.Step{
		StepID:     uuid.New().String(),
		RunID:      w.runID,
		Ordinal:    ordinal,
		ServerID:   serverID,
		ToolName:   toolName,
		Input:      append([]byte(nil), step.Input...),
		Error:      "approval_rejected",
		StartedAt:  now,
		FinishedAt: &now,
	}
	_ = w.ex.store.AppendStep(context.Background(), rec)
	w.publish(eventbus.KindStepFinished, map[string]any{
		"step_id": rec.StepID,
		"ordinal": ordinal,
		"error":   rec.Error,
	})
}

// finalizeCancelled is the common case of finalize for an externally
// cancelled run (spec.md §4.8 scenario 5).
func (w *runWorker) finalizeCancelled(run runstore.Run) {
	w.finalize(runstore.RunCancelled, "cancelled", run)
}

// finalize seals run into its terminal status and reason, persists it,
// and publishes RunStatusChanged. Once called, this worker's loop always
// returns immediately after.
func (w *runWorker) finalize(status runstore.RunStatus, reason string, run runstore.Run) {
	if run.RunID == "" {
		run.RunID = w.runID
	}
	run.Status = status
	run.Reason = reason
	now := time.Now().UTC()
	run.EndedAt = &now
	_ = w.ex.store.UpdateRun(context.Background(), run)
	w.publish(eventbus.KindRunStatusChanged, map[string]any{
		"status": string(status),
		"reason": reason,
	})
	if w.ex.cfg.Metrics != nil {
		w.ex.cfg.Metrics.RecordRunComplete(w.runID, status, reason, now.Sub(run.SubmittedAt))
	}
}

func (w *runWorker) publish(kind eventbus.Kind, payload any) {
	w.ex.bus.Publish(w.runID, kind, payload, time.Now().UTC())
}

// stepCostUSD extracts the tool response's cost_usd field, the convention
// used across the coordination core's tool servers for reporting what a
// completed call cost (mirrored on the audit log and event payloads).
// Malformed or absent cost_usd is treated as free, not as an error — most
// tools never report a cost at all.
func stepCostUSD(output json.RawMessage) float64 {
	var payload struct {
		CostUSD float64 `json:"cost_usd"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		return 0
	}
	return payload.CostUSD
}

// splitQualifiedName parses "<server_id>.<tool_name>" without returning an
// error — by the time dispatchWithRetry runs, the Router has already
// validated the name once during the prior (successful) Dispatch call, or
// is about to reject it through the same path persistRejectedStep's
// caller already handled.
func splitQualifiedName(name string) (serverID, toolName string) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}
