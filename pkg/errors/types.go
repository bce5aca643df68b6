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

// Package errors defines the coordination core's error taxonomy: a closed
// set of kinds shared by one wrappable struct, rather than one struct per
// kind. Every boundary in the core (transport, session, router, store,
// executor, admission) returns one of these so callers can discriminate with
// errors.Is/errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the taxonomy bucket an Error belongs to. Values are the
// kind names from the design, not free-form strings.
type Kind string

const (
	// Transport errors: a connection could not be made or was lost.
	KindTransportUnavailable Kind = "transport_unavailable"
	KindTransportBroken      Kind = "transport_broken"

	// Protocol errors: a well-formed conversation broken by the peer or time.
	KindProtocolViolation Kind = "protocol_violation"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindSessionClosed     Kind = "session_closed"

	// Routing errors: the call cannot be placed because it is malformed or
	// targets nothing.
	KindBadToolName      Kind = "bad_tool_name"
	KindUnknownServer    Kind = "unknown_server"
	KindUnknownTool      Kind = "unknown_tool"
	KindInvalidArguments Kind = "invalid_arguments"

	// Policy errors: the call is well-formed but not permitted right now.
	KindPolicyDenied     Kind = "policy_denied"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindRequiresApproval Kind = "requires_approval"

	// Tool errors: an error the tool server itself returned.
	KindToolError Kind = "tool_error"

	// State errors: an invalid state transition requested via admission.
	KindNotFound        Kind = "not_found"
	KindAlreadyTerminal  Kind = "already_terminal"
	KindAlreadyResolved Kind = "already_resolved"

	// Internal errors: storage, invariant violation, crash recovery.
	KindInternal Kind = "internal"
)

// Error is the one wrappable error type used across the coordination core.
// It never loses its Kind across wrapping: errors.As always recovers the
// original *Error, and Unwrap exposes the underlying cause for errors.Is
// chains that reach into lower layers (e.g. a transport's net.OpError).
type Error struct {
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Field is set for KindInvalidArguments: a JSON-pointer into the
	// offending argument.
	Field string

	// Rule is set for KindPolicyDenied: the name of the policy rule that
	// triggered (e.g. server.deny_tools, server.allow_tools, run.allowlist,
	// server.rate_limit).
	Rule string

	// IncidentID is set for KindInternal so operators can correlate a
	// user-visible failure with detailed logs.
	IncidentID string

	// Retriable marks whether the Executor may retry the operation that
	// produced this error. Only ever true for Transport/Protocol kinds and
	// tool errors explicitly marked retriable by the server.
	Retriable bool

	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field=%s)", msg, e.Field)
	}
	if e.Rule != "" {
		msg = fmt.Sprintf("%s (rule=%s)", msg, e.Rule)
	}
	if e.IncidentID != "" {
		msg = fmt.Sprintf("%s (incident=%s)", msg, e.IncidentID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsUserVisible reports that this error is safe to surface to an Admission
// Interface caller, unmodified.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage renders the error the way the Admission Interface should show
// it: stable kind plus message, never an internal incident's raw cause.
func (e *Error) UserMessage() string {
	if e.Kind == KindInternal {
		if e.IncidentID != "" {
			return fmt.Sprintf("internal error (incident %s)", e.IncidentID)
		}
		return "internal error"
	}
	return e.Message
}

// Suggestion returns actionable guidance where the kind implies one.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case KindUnknownServer:
		return "check the server_id against the configured servers list"
	case KindUnknownTool:
		return "the server may not have discovered this tool yet, or it was renamed on re-discovery"
	case KindInvalidArguments:
		return "fix the argument at the reported field and resubmit"
	case KindPolicyDenied:
		return "the call is blocked by policy; adjust the run's allowlist or wait for the rate limit to refill"
	case KindBudgetExceeded:
		return "raise the run's budget or reduce remaining planned steps"
	case KindRequiresApproval:
		return "resolve the pending approval before this step can proceed"
	default:
		return ""
	}
}

// ErrorType identifies the error category for programmatic handling,
// satisfying ErrorClassifier.
func (e *Error) ErrorType() string {
	return string(e.Kind)
}

// IsRetryable satisfies ErrorClassifier.
func (e *Error) IsRetryable() bool {
	return e.Retriable
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set, for InvalidArguments errors.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithRule returns a copy of e with Rule set, for PolicyDenied errors.
func (e *Error) WithRule(rule string) *Error {
	c := *e
	c.Rule = rule
	return &c
}

// WithRetriable returns a copy of e with Retriable set.
func (e *Error) WithRetriable(retriable bool) *Error {
	c := *e
	c.Retriable = retriable
	return &c
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsRetriable reports whether err is an *Error explicitly marked retriable,
// or carries one of the two kinds spec.md §4.5 always treats as retriable
// regardless of the Retriable flag (TransportBroken, DeadlineExceeded).
func IsRetriable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Retriable {
			return true
		}
		switch ce.Kind {
		case KindTransportBroken, KindDeadlineExceeded:
			return true
		}
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
