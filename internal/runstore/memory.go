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

package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ RunStore        = (*Memory)(nil)
	_ RunLister       = (*Memory)(nil)
	_ StepResultStore = (*Memory)(nil)
	_ CheckpointStore = (*Memory)(nil)
	_ CitationStore   = (*Memory)(nil)
	_ Backend         = (*Memory)(nil)
)

// Memory is an in-process Backend, mainly for tests and single-node
// development runs where durability across a process restart does not
// matter. All methods are safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	runs       map[string]Run
	steps      map[string][]Step // runID -> steps, ordered by Ordinal
	approvals  map[string]Approval
	citations  map[string][]Citation // stepID -> citations
}

// NewMemory returns an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]Run),
		steps:     make(map[string][]Step),
		approvals: make(map[string]Approval),
		citations: make(map[string][]Citation),
	}
}

func (m *Memory) CreateRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return coorderrors.Newf(coorderrors.KindInternal, "run %q already exists", run.RunID)
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, coorderrors.Newf(coorderrors.KindNotFound, "run %q not found", runID)
	}
	return run, nil
}

func (m *Memory) UpdateRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.RunID]
	if !ok {
		return coorderrors.Newf(coorderrors.KindNotFound, "run %q not found", run.RunID)
	}
	if existing.Status.Terminal() {
		return coorderrors.Newf(coorderrors.KindAlreadyTerminal, "run %q is already %s", run.RunID, existing.Status)
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, statusFilter RunStatus) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		if statusFilter != "" && run.Status != statusFilter {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) AppendStep(ctx context.Context, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.steps[step.RunID]
	wantOrdinal := len(existing)
	for _, s := range existing {
		if s.Ordinal == step.Ordinal {
			if s.Finalized() {
				return coorderrors.Newf(coorderrors.KindAlreadyTerminal, "step %d of run %q is already finalized", step.Ordinal, step.RunID)
			}
			// Replace the in-flight step with its finalized form.
			step.Ordinal = s.Ordinal
			for i := range existing {
				if existing[i].Ordinal == step.Ordinal {
					existing[i] = step
					m.steps[step.RunID] = existing
					return nil
				}
			}
		}
	}
	if step.Ordinal != wantOrdinal {
		return coorderrors.Newf(coorderrors.KindInternal, "step ordinal %d is not dense: run %q has %d steps", step.Ordinal, step.RunID, wantOrdinal)
	}
	m.steps[step.RunID] = append(existing, step)
	return nil
}

func (m *Memory) GetStep(ctx context.Context, runID string, ordinal int) (Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.steps[runID] {
		if s.Ordinal == ordinal {
			return s, nil
		}
	}
	return Step{}, coorderrors.Newf(coorderrors.KindNotFound, "step %d of run %q not found", ordinal, runID)
}

func (m *Memory) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Step, len(m.steps[runID]))
	copy(out, m.steps[runID])
	return out, nil
}

func (m *Memory) PutApproval(ctx context.Context, approval Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[approval.ApprovalID]; exists {
		return coorderrors.Newf(coorderrors.KindInternal, "approval %q already exists", approval.ApprovalID)
	}
	m.approvals[approval.ApprovalID] = approval
	return nil
}

func (m *Memory) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return Approval{}, coorderrors.Newf(coorderrors.KindNotFound, "approval %q not found", approvalID)
	}
	return a, nil
}

func (m *Memory) ResolveApproval(ctx context.Context, approvalID string, decision ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return coorderrors.Newf(coorderrors.KindNotFound, "approval %q not found", approvalID)
	}
	if a.Decision != ApprovalPending {
		return coorderrors.Newf(coorderrors.KindAlreadyResolved, "approval %q is already %s", approvalID, a.Decision)
	}
	a.Decision = decision
	now := time.Now()
	a.ResolvedAt = &now
	m.approvals[approvalID] = a
	return nil
}

func (m *Memory) ListPendingApprovals(ctx context.Context, runID string) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Approval
	for _, a := range m.approvals {
		if a.RunID == runID && a.Decision == ApprovalPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *Memory) PutCitation(ctx context.Context, citation Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.citations[citation.StepID] = append(m.citations[citation.StepID], citation)
	return nil
}

func (m *Memory) ListCitations(ctx context.Context, stepID string) ([]Citation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Citation, len(m.citations[stepID]))
	copy(out, m.citations[stepID])
	return out, nil
}

// Recover marks every non-terminal run failed with reason "crash_recovery".
// For Memory this only matters across Recover calls within one process
// (e.g. tests simulating a restart by calling it explicitly); Memory never
// survives a real process crash.
func (m *Memory) Recover(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []string
	for id, run := range m.runs {
		if run.Status.Terminal() {
			continue
		}
		run.Status = RunFailed
		run.Reason = "crash_recovery"
		now := time.Now()
		run.EndedAt = &now
		m.runs[id] = run
		recovered = append(recovered, id)
	}
	sort.Strings(recovered)
	return recovered, nil
}

func (m *Memory) Close() error { return nil }
