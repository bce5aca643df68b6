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
	"math"
	"math/rand"
	"time"

	"github.com/coordcore/core/internal/registry"
)

// ProposedStep is one step a Planner has produced: a qualified tool name
// and its input, not yet dispatched.
type ProposedStep struct {
	QualifiedName string
	Input         json.RawMessage

	// Sensitive overrides the tool schema's own Sensitive flag when true;
	// it never downgrades a schema-sensitive tool to unsupervised.
	Sensitive bool
}

// RetryPolicy is the backoff schedule for retriable dispatch failures
// (spec.md §4.8).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the Connection Manager's reconnect backoff
// shape, applied here to per-step retries instead of per-session connects.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// delayFor returns the base*2^(attempt-1) backoff for attempt (1-indexed),
// capped at MaxDelay and jittered by ±20%.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultRetryPolicy.MaxDelay
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // [0.8, 1.2)
	return time.Duration(float64(d) * jitter)
}

// AutoResolver decides synchronously, before a run ever pauses, whether a
// sensitive tool call may proceed without a human in the loop. Its shape
// is shared with pkg/tools/approval.Approver so the same unattended/CLI
// policies already written for single-shot tool execution can front a
// durable run: any non-nil error defers to the run's durable,
// human-in-the-loop approval gate instead of failing the run.
type AutoResolver interface {
	Approve(ctx context.Context, qualifiedName, description string, input map[string]any) (bool, error)
}

// describeSensitiveTool renders the human-facing text for both the
// AutoResolver fast path and the durable Approval's Reason field.
func describeSensitiveTool(schema registry.ToolSchema) string {
	if schema.Description != "" {
		return schema.Description
	}
	return schema.QualifiedName()
}
