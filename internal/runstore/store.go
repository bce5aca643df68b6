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

import "context"

// RunStore persists Run records and their terminal transitions.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRun(ctx context.Context, run Run) error
}

// RunLister supports the read-only listing operations the Admission
// Interface's operational conveniences need. Segregated from RunStore so
// a minimal embedder need not implement pagination.
type RunLister interface {
	ListRuns(ctx context.Context, statusFilter RunStatus) ([]Run, error)
}

// StepResultStore appends and reads Steps. AppendStep is transactional: a
// step is either fully committed (ordinal assigned, output/error present
// if finalized) or not recorded at all.
type StepResultStore interface {
	AppendStep(ctx context.Context, step Step) error
	GetStep(ctx context.Context, runID string, ordinal int) (Step, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
}

// CheckpointStore persists Approvals, letting the Run Executor resume a
// paused_for_approval run across a restart.
type CheckpointStore interface {
	PutApproval(ctx context.Context, approval Approval) error
	GetApproval(ctx context.Context, approvalID string) (Approval, error)
	ResolveApproval(ctx context.Context, approvalID string, decision ApprovalDecision) error
	ListPendingApprovals(ctx context.Context, runID string) ([]Approval, error)
}

// CitationStore persists Citations, shared by Steps pointing at the same
// supporting Artefact or external reference.
type CitationStore interface {
	PutCitation(ctx context.Context, citation Citation) error
	ListCitations(ctx context.Context, stepID string) ([]Citation, error)
}

// Backend composes every storage concern the Run Executor and Admission
// Interface need. Concrete backends (in-memory, SQLite) implement it in
// full; callers that only need a subset should depend on the narrower
// interface above instead of Backend.
type Backend interface {
	RunStore
	RunLister
	StepResultStore
	CheckpointStore
	CitationStore

	// Recover runs crash-recovery replay: any run whose last durable
	// state is non-terminal is marked failed with reason
	// "crash_recovery" (spec.md §4.6). Called once at startup.
	Recover(ctx context.Context) (recovered []string, err error)

	Close() error
}
