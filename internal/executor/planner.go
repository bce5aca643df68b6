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

	"github.com/coordcore/core/internal/runstore"
)

// PlanState is what a Planner sees when asked for the next step: the run
// being driven and every step already appended to its log, oldest first.
type PlanState struct {
	Run     runstore.Run
	History []runstore.Step
}

// Planner produces the next proposed step of a run, or reports that the
// plan has no more steps to propose (done=true). Planners never see a
// step's result before proposing the next one takes the dispatched
// outcome into account — they are handed the updated History on the
// following call instead, so a Planner can be purely a function of
// (Run, History).
//
// The spec deliberately has no opinion about what produces a plan (a
// fixed step list, a model call, a rule engine); StaticPlanner covers the
// first case, and the interface is the seam for the others.
type Planner interface {
	Next(ctx context.Context, state PlanState) (step ProposedStep, done bool, err error)
}

// StaticPlanner replays a fixed, ordered list of steps supplied at
// submission time — the "ordered step lists with typed inputs/outputs"
// plan shape the spec requires as the baseline, with no generic workflow
// language layered on top.
type StaticPlanner struct {
	steps []ProposedStep
}

// NewStaticPlanner returns a Planner that proposes steps in order and then
// reports done.
func NewStaticPlanner(steps []ProposedStep) *StaticPlanner {
	return &StaticPlanner{steps: steps}
}

func (p *StaticPlanner) Next(ctx context.Context, state PlanState) (ProposedStep, bool, error) {
	next := len(state.History)
	if next >= len(p.steps) {
		return ProposedStep{}, true, nil
	}
	return p.steps[next], false, nil
}
