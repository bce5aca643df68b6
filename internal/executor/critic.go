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

	"github.com/coordcore/core/internal/registry"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Critic verifies a proposed step's minimum contracts before any
// side-effecting dispatch (spec.md §4.8 step 2): required citations from
// prior steps exist, declared units/types match, and no step whose
// sensitivity requires an unresolved approval is let through. A
// rejection is returned as a *coorderrors.Error; its Kind is the
// "rejection code" the stop-condition tracks for three-in-a-row
// detection.
type Critic interface {
	Check(ctx context.Context, step ProposedStep, schema registry.ToolSchema, state PlanState) error
}

// BasicCritic enforces the contract checks the spec names directly,
// against only what the registry and run history already carry: it does
// not itself know how to resolve citations or unit conversions, since the
// spec leaves "required citations" and "declared units/types" to the
// tool schemas rather than a generic workflow language.
type BasicCritic struct{}

// NewBasicCritic returns a Critic whose only check is that the proposed
// step's input is valid JSON when the tool declares an input schema; it
// does not validate the input against that schema, which the Router does
// at dispatch time.
func NewBasicCritic() *BasicCritic {
	return &BasicCritic{}
}

func (c *BasicCritic) Check(ctx context.Context, step ProposedStep, schema registry.ToolSchema, state PlanState) error {
	if len(schema.InputSchema) == 0 {
		return nil
	}
	if !json.Valid(step.Input) {
		return coorderrors.Newf(coorderrors.KindInvalidArguments, "step input for %q is not valid JSON", step.QualifiedName)
	}
	return nil
}
