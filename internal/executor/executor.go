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

// Package executor hosts the Run Executor (spec.md §4.8): a state machine
// per run that drives a cooperative planner/critic loop over the Router,
// persists every step to the Run Store, pauses for human-in-the-loop
// approvals, and streams progress through the Event Bus. Each run has
// exactly one owning worker goroutine for its entire lifetime (spec.md
// §5); other callers only read its persisted state or signal it through
// Cancel/ResolveApproval.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coordcore/core/internal/eventbus"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/runstore"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// DefaultMaxParallelRuns bounds how many run workers may hold an execution
// slot at once. A queued run waits for a slot; a run paused for approval
// keeps its slot until it ends.
const DefaultMaxParallelRuns = 16

// MetricsCollector records run and step counters/durations for ambient
// observability (spec.md §9's Out of scope excludes a metrics *surface*,
// not the instrumentation itself). Nil-safe: Executor never calls through
// a nil MetricsCollector field, so callers who don't wire one pay nothing.
type MetricsCollector interface {
	RecordRunStart(runID string)
	RecordRunComplete(runID string, status runstore.RunStatus, reason string, duration time.Duration)
	RecordStepComplete(serverID, toolName string, attempts int, failed bool, duration time.Duration)
}

// Config configures an Executor.
type Config struct {
	MaxParallelRuns int

	// RetryPolicy is the default applied to every run unless StartRunParams
	// overrides it.
	RetryPolicy RetryPolicy

	// NoProgressThreshold is the default "no new plan steps" stop
	// condition, unless StartRunParams overrides it.
	NoProgressThreshold int

	// Metrics, when set, receives run/step lifecycle counters. Optional.
	Metrics MetricsCollector
}

func (c Config) withDefaults() Config {
	if c.MaxParallelRuns <= 0 {
		c.MaxParallelRuns = DefaultMaxParallelRuns
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy = DefaultRetryPolicy
	}
	if c.NoProgressThreshold <= 0 {
		c.NoProgressThreshold = 1
	}
	return c
}

// DispatcherFor resolves the live Dispatcher (normally an
// *rpcsession.Session via the registry) for a server_id. Mirrors the
// signature Router.Dispatch already takes, so the Executor stays a thin
// caller of the Router rather than re-implementing resolution.
type DispatcherFor func(serverID string) (router.Dispatcher, bool)

// Executor owns the in-memory set of active run workers and is the only
// writer of their Run Store state while they run.
type Executor struct {
	cfg Config

	store    runstore.Backend
	bus      *eventbus.Bus
	rtr      *router.Router
	dispatch DispatcherFor
	planner  Planner
	critic   Critic

	semaphore chan struct{}
	draining  atomic.Bool

	mu   sync.RWMutex
	runs map[string]*runWorker

	wg sync.WaitGroup
}

// New returns an Executor. store, bus, rtr and dispatch are required;
// planner may be nil when every run is started with its own Steps, which
// are followed by a StaticPlanner; critic defaults to NewBasicCritic() if
// nil.
func New(cfg Config, store runstore.Backend, bus *eventbus.Bus, rtr *router.Router, dispatch DispatcherFor, planner Planner, critic Critic) *Executor {
	cfg = cfg.withDefaults()
	if critic == nil {
		critic = NewBasicCritic()
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		rtr:       rtr,
		dispatch:  dispatch,
		planner:   planner,
		critic:    critic,
		semaphore: make(chan struct{}, cfg.MaxParallelRuns),
		runs:      make(map[string]*runWorker),
	}
}

// StartRunParams is the Admission Interface's start_run request, translated
// into what the Executor needs to seat a new run worker.
type StartRunParams struct {
	Submitter string
	PlanRef   string
	Steps     []ProposedStep // a static, ordered plan (spec.md §1: "ordered step lists")
	Budgets   runstore.Budgets
	Policy    *router.RunPolicy

	RetryPolicy         *RetryPolicy
	NoProgressThreshold int

	// AutoResolve, when set, is consulted before a sensitive step ever
	// pauses the run; it lets unattended runs pre-approve specific tools
	// without a human in the loop.
	AutoResolve AutoResolver
}

// StartRun seats a new run worker and returns its run_id immediately; the
// run executes on its own goroutine from this call forward.
func (e *Executor) StartRun(ctx context.Context, params StartRunParams) (string, error) {
	if e.draining.Load() {
		return "", coorderrors.New(coorderrors.KindPolicyDenied, "executor is draining, not accepting new runs").WithRule("draining")
	}

	runID := uuid.New().String()
	now := time.Now().UTC()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRunStart(runID)
	}
	run := runstore.Run{
		RunID:       runID,
		SubmittedAt: now,
		Submitter:   params.Submitter,
		PlanRef:     params.PlanRef,
		Status:      runstore.RunQueued,
		Budgets:     params.Budgets,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	retryPolicy := e.cfg.RetryPolicy
	if params.RetryPolicy != nil {
		retryPolicy = *params.RetryPolicy
	}
	noProgress := e.cfg.NoProgressThreshold
	if params.NoProgressThreshold > 0 {
		noProgress = params.NoProgressThreshold
	}

	w := newRunWorker(runWorkerDeps{
		runID:               runID,
		executor:            e,
		plan:                params.Steps,
		policy:              params.Policy,
		retryPolicy:         retryPolicy,
		noProgressThreshold: noProgress,
		autoResolve:         params.AutoResolve,
	})

	e.mu.Lock()
	e.runs[runID] = w
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.loop()
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
	}()

	return runID, nil
}

// CancelRun signals the run-scoped cancellation. Once a run has reached a
// terminal state the request is reported as already terminal rather than
// silently ignored.
func (e *Executor) CancelRun(runID string) error {
	e.mu.RLock()
	w, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		run, err := e.store.GetRun(context.Background(), runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return coorderrors.Newf(coorderrors.KindAlreadyTerminal, "run %q is already %s", runID, run.Status)
		}
		return coorderrors.Newf(coorderrors.KindNotFound, "run %q has no active worker", runID)
	}
	w.cancel()
	return nil
}

// ResolveApproval resolves a pending Approval and, if its run is currently
// paused for it, wakes that run's worker to resume the loop.
func (e *Executor) ResolveApproval(ctx context.Context, approvalID string, decision runstore.ApprovalDecision) error {
	approval, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := e.store.ResolveApproval(ctx, approvalID, decision); err != nil {
		return err
	}

	e.mu.RLock()
	w, ok := e.runs[approval.RunID]
	e.mu.RUnlock()
	if ok {
		w.notifyApprovalResolved(approvalID, decision)
	}
	return nil
}

// ActiveRunCount reports how many run workers are currently seated.
func (e *Executor) ActiveRunCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// StartDraining stops the Executor from accepting new runs via StartRun.
func (e *Executor) StartDraining() {
	e.draining.Store(true)
}

// IsDraining reports whether StartDraining has been called.
func (e *Executor) IsDraining() bool {
	return e.draining.Load()
}

// WaitForDrain blocks until every active run reaches a terminal state, the
// context is cancelled, or timeout elapses.
func (e *Executor) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if n := e.ActiveRunCount(); n > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still active", n)
			}
			return nil
		case <-ticker.C:
			if e.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// Stop cancels every active run and waits for their workers to exit.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.RLock()
	workers := make([]*runWorker, 0, len(e.runs))
	for _, w := range e.runs {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	for _, w := range workers {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if n := e.ActiveRunCount(); n > 0 {
			return fmt.Errorf("stop timeout: %d run(s) still active", n)
		}
		return ctx.Err()
	}
}
