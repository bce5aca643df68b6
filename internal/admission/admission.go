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

// Package admission is the coordination core's Admission Interface
// (spec.md §4.10): the only surface the rest of the system — an HTTP
// gateway, a CLI, a scheduler — calls. It wraps the Run Executor, Run
// Store, and Event Bus behind five operations and nothing else; every
// other component in this module is reached only through here.
package admission

import (
	"context"

	"github.com/coordcore/core/internal/eventbus"
	"github.com/coordcore/core/internal/executor"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/runstore"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// StartRunRequest is the caller-facing start_run request (spec.md §4.10).
// PlanOrPrompt is deliberately loose: this build accepts a static ordered
// step list (the plan shape spec.md §1 commits to — "no generic workflow
// language"); a future planner-driven submission would add a prompt field
// alongside Steps without changing this operation's signature.
type StartRunRequest struct {
	Submitter string
	PlanRef   string
	Steps     []executor.ProposedStep

	Budgets *runstore.Budgets
	Policy  *router.RunPolicy

	RetryPolicy         *executor.RetryPolicy
	NoProgressThreshold int
	AutoResolve         executor.AutoResolver
}

// RunSnapshot is the caller-facing view returned by get_run: the Run
// record plus its Steps and any pending Approvals, assembled from the Run
// Store rather than exposed as live executor internals.
type RunSnapshot struct {
	Run               runstore.Run
	Steps             []runstore.Step
	PendingApprovals  []runstore.Approval
}

// EventFilter narrows stream_events to one run, or every run when RunID
// is empty.
type EventFilter struct {
	RunID string
	Since uint64 // resume from this sequence, exclusive; 0 means "from now"
}

// Admission is the coordination core's Admission Interface.
type Admission struct {
	executor *executor.Executor
	store    runstore.Backend
	bus      *eventbus.Bus

	defaultBudgets runstore.Budgets
}

// New returns an Admission Interface wrapping the given Executor, Run
// Store, and Event Bus. defaultBudgets fills in a start_run request that
// does not specify its own.
func New(ex *executor.Executor, store runstore.Backend, bus *eventbus.Bus, defaultBudgets runstore.Budgets) *Admission {
	return &Admission{executor: ex, store: store, bus: bus, defaultBudgets: defaultBudgets}
}

// StartRun admits a new run and returns its run_id immediately; the run
// executes on its own Executor-owned worker from this call forward.
// Rejected corresponds to any error returned here, before the run is ever
// seated (spec.md §4.10: "start_run(...) → run_id | Rejected").
func (a *Admission) StartRun(ctx context.Context, req StartRunRequest) (string, error) {
	if len(req.Steps) == 0 {
		return "", coorderrors.New(coorderrors.KindInvalidArguments, "start_run requires at least one planned step").WithField("/steps")
	}

	budgets := a.defaultBudgets
	if req.Budgets != nil {
		budgets = *req.Budgets
	}

	params := executor.StartRunParams{
		Submitter:           req.Submitter,
		PlanRef:             req.PlanRef,
		Steps:               req.Steps,
		Budgets:             budgets,
		Policy:              req.Policy,
		RetryPolicy:         req.RetryPolicy,
		NoProgressThreshold: req.NoProgressThreshold,
		AutoResolve:         req.AutoResolve,
	}
	return a.executor.StartRun(ctx, params)
}

// CancelRun requests cancellation of an in-flight run (spec.md §4.10:
// "cancel_run(run_id) → ok | NotFound | AlreadyTerminal").
func (a *Admission) CancelRun(ctx context.Context, runID string) error {
	return a.executor.CancelRun(runID)
}

// ResolveApproval resolves a pending Approval, waking its run's worker if
// the run is currently paused for it (spec.md §4.10: "resolve_approval
// (approval_id, decision) → ok | NotFound | AlreadyResolved").
func (a *Admission) ResolveApproval(ctx context.Context, approvalID string, decision runstore.ApprovalDecision) error {
	if decision != runstore.ApprovalApproved && decision != runstore.ApprovalRejected {
		return coorderrors.Newf(coorderrors.KindInvalidArguments, "decision must be approved or rejected, got %q", decision)
	}
	return a.executor.ResolveApproval(ctx, approvalID, decision)
}

// GetRun returns a run's current persisted snapshot (spec.md §4.10:
// "get_run(run_id) → RunSnapshot | NotFound").
func (a *Admission) GetRun(ctx context.Context, runID string) (RunSnapshot, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	steps, err := a.store.ListSteps(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	pending, err := a.store.ListPendingApprovals(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	return RunSnapshot{Run: run, Steps: steps, PendingApprovals: pending}, nil
}

// ListRuns is an operational convenience beyond the five named
// operations (SPEC_FULL.md §L), read-only and non-mutating.
func (a *Admission) ListRuns(ctx context.Context, statusFilter runstore.RunStatus) ([]runstore.Run, error) {
	return a.store.ListRuns(ctx, statusFilter)
}

// StreamEvents returns a lazy, restartable event subscription for filter
// (spec.md §4.10: "stream_events(filter) → event sequence"). Callers must
// Unsubscribe when done to release the subscriber slot.
func (a *Admission) StreamEvents(filter EventFilter) *eventbus.Subscription {
	if filter.Since > 0 {
		return a.bus.SubscribeFrom(filter.RunID, filter.Since)
	}
	return a.bus.Subscribe(filter.RunID)
}
