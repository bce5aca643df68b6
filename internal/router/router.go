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

// Package router resolves a qualified tool name into exactly one
// dispatched RPC call, or a typed failure before any call is made
// (spec.md §4.5). It is stateless except for per-server rate-limit
// buckets; it never retries — that is the Run Executor's job.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/coordcore/core/internal/registry"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// ServerPolicy configures one server_id's static policy: its token bucket
// and its own allow/deny tool-name lists (spec.md §6: `policy: {
// allow_tools, deny_tools, rate }`), independent of the per-run allowlist
// a caller may additionally supply in RunPolicy.
type ServerPolicy struct {
	Limit rate.Limit
	Burst int

	AllowTools []string
	DenyTools  []string
}

// RunPolicy is the per-run policy the caller supplies with each Dispatch:
// an optional allowlist of qualified names (glob patterns) and the
// per-run budget it must stay within.
type RunPolicy struct {
	// Allowlist, when non-empty, requires the qualified name to match at
	// least one pattern (exact or doublestar glob).
	Allowlist []string

	// ApprovalGranted reports whether a sensitive tool's call has a
	// resolved approval. Ignored for non-sensitive tools.
	ApprovalGranted func(qualifiedName string) bool
}

// Budget tracks one run's consumption against its caps. Zero caps mean
// "unbounded" for that dimension.
type Budget struct {
	MaxSteps  int
	MaxWallMS int64
	MaxCost   float64

	mu       sync.Mutex
	steps    int
	wallMS   int64
	cost     float64
}

// Reserve atomically accounts for one more logical step against MaxSteps,
// failing with BudgetExceeded if the cap would be exceeded. The caller
// owning the retry loop around one step (the Run Executor's
// dispatchWithRetry) calls this exactly once per step, before its first
// dispatch attempt — Dispatch itself never calls Reserve, since a step
// needing several retry attempts must still count as one step.
func (b *Budget) Reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.MaxSteps > 0 && b.steps+1 > b.MaxSteps {
		return coorderrors.New(coorderrors.KindBudgetExceeded, "max_steps would be exceeded")
	}

	b.steps++
	return nil
}

// AddCost records the real cost a completed call reported, against
// MaxCost. Unlike Reserve, this happens after the fact: a tool's cost
// isn't known until its response arrives, so MaxCost can only be
// enforced retroactively via Exceeded, not pre-flight.
func (b *Budget) AddCost(cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cost += cost
}

// RemainingWall returns how much wall-clock budget is left, or d if the
// budget has no wall cap.
func (b *Budget) RemainingWall(d time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MaxWallMS <= 0 {
		return d
	}
	remaining := time.Duration(b.MaxWallMS)*time.Millisecond - time.Duration(b.wallMS)*time.Millisecond
	if remaining < 0 {
		return 0
	}
	if remaining < d {
		return remaining
	}
	return d
}

// AddWall records wall-clock time spent on a completed call.
func (b *Budget) AddWall(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallMS += d.Milliseconds()
}

// Exceeded reports whether a cap has already been reached and, if so,
// which one — the Executor's stop-condition check after a step
// persists, distinct from Reserve's before-the-fact guard.
func (b *Budget) Exceeded() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.MaxSteps > 0 && b.steps >= b.MaxSteps:
		return true, "max_steps"
	case b.MaxWallMS > 0 && b.wallMS >= b.MaxWallMS:
		return true, "wall_budget_exhausted"
	case b.MaxCost > 0 && b.cost >= b.MaxCost:
		return true, "cost_budget_exhausted"
	default:
		return false, ""
	}
}

// Totals reports the budget's running consumption, for mirroring into a
// Run's persisted Totals.
func (b *Budget) Totals() (steps int, wallMS int64, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps, b.wallMS, b.cost
}

// CallRequest is one caller's request to invoke a tool.
type CallRequest struct {
	QualifiedName string
	Arguments     json.RawMessage
	Policy        *RunPolicy
	Budget        *Budget
}

// Dispatcher is the subset of rpcsession.Session the Router needs; kept
// as an interface so tests can stub it without a real session.
type Dispatcher interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Router resolves and dispatches tool calls per spec.md §4.5.
type Router struct {
	registry       *registry.Registry
	perCallDefault time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policies map[string]ServerPolicy

	validator schemaValidator
}

// New returns a Router reading server state from reg. perCallDefault is
// the fallback per-call deadline when no run budget constrains it.
func New(reg *registry.Registry, policies map[string]ServerPolicy, perCallDefault time.Duration) *Router {
	if perCallDefault <= 0 {
		perCallDefault = 30 * time.Second
	}
	return &Router{
		registry:       reg,
		perCallDefault: perCallDefault,
		limiters:       make(map[string]*rate.Limiter),
		policies:       policies,
		validator:      newSchemaValidator(),
	}
}

// LookupTool resolves a qualified name to its declared schema without
// dispatching a call, for callers (the Run Executor's Critic) that need
// to inspect sensitivity or input shape before ever attempting Dispatch.
func (r *Router) LookupTool(qualifiedName string) (registry.ToolSchema, bool) {
	serverID, toolName, err := splitQualifiedName(qualifiedName)
	if err != nil {
		return registry.ToolSchema{}, false
	}
	_, schema, ok := r.registry.Lookup(serverID, toolName)
	return schema, ok
}

func (r *Router) limiterFor(serverID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[serverID]; ok {
		return l
	}

	policy, ok := r.policies[serverID]
	var l *rate.Limiter
	if ok && (policy.Limit > 0 || policy.Burst > 0) {
		l = rate.NewLimiter(policy.Limit, policy.Burst)
	} else {
		l = rate.NewLimiter(rate.Inf, 0)
	}
	r.limiters[serverID] = l
	return l
}

// Dispatch runs the five-step resolution order from spec.md §4.5 and, on
// success, calls "tools/call" on the server's session with the bound
// arguments. dispatcherFor resolves the live session for a server_id —
// supplied by the caller (normally backed by internal/registry + the
// Connection Manager) so Router stays a pure function of its inputs.
func (r *Router) Dispatch(ctx context.Context, req CallRequest, dispatcherFor func(serverID string) (Dispatcher, bool)) (json.RawMessage, error) {
	serverID, toolName, err := splitQualifiedName(req.QualifiedName)
	if err != nil {
		return nil, err
	}

	rec, schema, ok := r.registry.Lookup(serverID, toolName)
	if !ok {
		if r.registry.Get(serverID) == nil {
			return nil, coorderrors.Newf(coorderrors.KindUnknownServer, "unknown server %q", serverID)
		}
		return nil, coorderrors.Newf(coorderrors.KindUnknownTool, "unknown tool %q", req.QualifiedName)
	}

	if field, verr := r.validator.validate(schema, req.Arguments); verr != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInvalidArguments, "argument "+field+" is invalid", verr).WithField(field)
	}

	if err := r.applyPolicyGate(req, serverID, schema); err != nil {
		return nil, err
	}

	dispatcher, ok := dispatcherFor(serverID)
	if !ok || dispatcher == nil {
		return nil, coorderrors.Newf(coorderrors.KindTransportBroken, "no active session for server %q", serverID)
	}

	deadline := r.perCallDefault
	if req.Budget != nil {
		deadline = req.Budget.RemainingWall(r.perCallDefault)
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, err := dispatcher.Call(callCtx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": req.Arguments,
	})
	if req.Budget != nil {
		req.Budget.AddWall(time.Since(start))
	}

	_ = rec // rec reserved for future health-aware routing (e.g. breaker short-circuit)
	return result, err
}

func (r *Router) applyPolicyGate(req CallRequest, serverID string, schema registry.ToolSchema) error {
	if policy, ok := r.policies[serverID]; ok {
		if len(policy.DenyTools) > 0 && matchesAny(policy.DenyTools, req.QualifiedName) {
			return coorderrors.New(coorderrors.KindPolicyDenied, "tool denied by server policy").WithRule("server.deny_tools")
		}
		if len(policy.AllowTools) > 0 && !matchesAny(policy.AllowTools, req.QualifiedName) {
			return coorderrors.New(coorderrors.KindPolicyDenied, "tool not in server allowlist").WithRule("server.allow_tools")
		}
	}

	if req.Policy != nil && len(req.Policy.Allowlist) > 0 {
		if !matchesAny(req.Policy.Allowlist, req.QualifiedName) {
			return coorderrors.New(coorderrors.KindPolicyDenied, "tool not in run allowlist").WithRule("run.allowlist")
		}
	}

	if !r.limiterFor(serverID).Allow() {
		return coorderrors.New(coorderrors.KindPolicyDenied, "server rate limit exceeded").WithRule("server.rate_limit")
	}

	// Budget guard: refuse to dispatch once the wall-clock or cost cap is
	// already spent. The step cap is not checked here: the caller has
	// already counted this step with Reserve, which enforces MaxSteps. This
	// is a read-only check — the actual per-step accounting (Reserve,
	// AddCost) belongs to the caller driving the retry loop around one
	// logical step, not to every individual attempt Dispatch makes.
	if req.Budget != nil {
		if exceeded, reason := req.Budget.Exceeded(); exceeded && reason != "max_steps" {
			return coorderrors.Newf(coorderrors.KindBudgetExceeded, "budget already exhausted: %s", reason)
		}
	}

	if schema.Sensitive {
		granted := req.Policy != nil && req.Policy.ApprovalGranted != nil && req.Policy.ApprovalGranted(req.QualifiedName)
		if !granted {
			return coorderrors.Newf(coorderrors.KindRequiresApproval, "%s requires an approved call", req.QualifiedName)
		}
	}

	return nil
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
		if matched, err := doublestar.Match(p, name); err == nil && matched {
			return true
		}
	}
	return false
}

func splitQualifiedName(name string) (serverID, toolName string, err error) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", coorderrors.Newf(coorderrors.KindBadToolName, "%q is not a valid <server>.<tool> name", name)
	}
	return name[:idx], name[idx+1:], nil
}
