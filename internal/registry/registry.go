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

// Package registry holds one entry per configured tool server: its Session
// reference, discovered tool schemas, health, and breaker state. Readers
// (the Router) observe a consistent snapshot; writers (the Connection
// Manager) publish new snapshots atomically.
package registry

import (
	"sync"
	"time"

	"github.com/coordcore/core/internal/rpcsession"
)

// BreakerState is the open/half-open/closed circuit that suspends calls to
// a failing server.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// SessionState is one of a server's four externally observable health
// states (spec.md §3): connecting while the Connection Manager has no
// live session yet, ready once the handshake and discovery succeed,
// degraded after a missed heartbeat interval without yet crossing the
// failure threshold, and closed once the session has been torn down.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateReady      SessionState = "ready"
	StateDegraded   SessionState = "degraded"
	StateClosed     SessionState = "closed"
)

// ToolSchema is one tool a server has declared, namespaced by server_id so
// two servers may expose the same local tool name without collision.
type ToolSchema struct {
	ServerID     string
	ToolName     string
	InputSchema  []byte // JSON Schema
	OutputSchema []byte // JSON Schema, optional
	Description  string

	// Sensitive marks a tool whose calls require a resolved Approval
	// before dispatch (spec.md §4.5 policy gate step 4, §4.8).
	Sensitive bool
}

// QualifiedName returns "<server_id>.<tool_name>".
func (t ToolSchema) QualifiedName() string {
	return t.ServerID + "." + t.ToolName
}

// Health summarizes what the Connection Manager has recently observed
// about a server's liveness.
type Health struct {
	LastHeartbeat     time.Time
	ConsecutiveMisses int
}

// Record is one entry of the registry: everything known about one
// configured server at a point in time.
type Record struct {
	ServerID string
	Session  *rpcsession.Session
	Tools    map[string]ToolSchema // tool_name -> schema
	Health   Health
	Breaker  BreakerState
	State    SessionState

	ConsecutiveFailures int
	OpenedAt            time.Time // when Breaker transitioned to open
}

// clone returns a deep-enough copy so a writer may mutate the copy and
// publish it without readers observing a half-written Record.
func (r *Record) clone() *Record {
	c := *r
	c.Tools = make(map[string]ToolSchema, len(r.Tools))
	for k, v := range r.Tools {
		c.Tools[k] = v
	}
	return &c
}

// snapshot is an immutable view of the registry at one instant.
type snapshot struct {
	records map[string]*Record
}

// Registry is the copy-on-write server registry. Readers call Snapshot();
// writers call Update() to publish an atomic replacement.
type Registry struct {
	mu  sync.Mutex // serializes writers only; readers never take this lock
	cur snapshotHolder
}

// snapshotHolder wraps the current snapshot pointer so reads never need
// the writer lock.
type snapshotHolder struct {
	mu  sync.RWMutex
	ptr *snapshot
}

func (h *snapshotHolder) load() *snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ptr
}

func (h *snapshotHolder) store(s *snapshot) {
	h.mu.Lock()
	h.ptr = s
	h.mu.Unlock()
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.cur.store(&snapshot{records: make(map[string]*Record)})
	return r
}

// Snapshot returns a read-only view of every currently registered server.
// Callers must not mutate the returned Records.
func (r *Registry) Snapshot() map[string]*Record {
	return r.cur.load().records
}

// Get returns the current Record for server_id, or nil if unregistered.
func (r *Registry) Get(serverID string) *Record {
	return r.cur.load().records[serverID]
}

// Lookup resolves a qualified tool name against the current snapshot.
// Returns (record, schema, true) only if both the server and tool exist.
func (r *Registry) Lookup(serverID, toolName string) (*Record, ToolSchema, bool) {
	rec := r.Get(serverID)
	if rec == nil {
		return nil, ToolSchema{}, false
	}
	schema, ok := rec.Tools[toolName]
	return rec, schema, ok
}

// Update atomically replaces the Record for serverID using mutate, which
// receives a clone of the existing Record (or a zero-value Record if none
// existed yet) and returns the Record to publish.
func (r *Registry) Update(serverID string, mutate func(cur *Record) *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.load()
	var base *Record
	if existing, ok := old.records[serverID]; ok {
		base = existing.clone()
	} else {
		base = &Record{ServerID: serverID, Tools: make(map[string]ToolSchema), Breaker: BreakerClosed, State: StateConnecting}
	}

	updated := mutate(base)
	updated.ServerID = serverID

	next := &snapshot{records: make(map[string]*Record, len(old.records)+1)}
	for k, v := range old.records {
		next.records[k] = v
	}
	next.records[serverID] = updated

	r.cur.store(next)
}

// PublishDiscovery atomically replaces a server's tool schemas — the
// "single commit" §4.3 requires for re-discovery.
func (r *Registry) PublishDiscovery(serverID string, tools []ToolSchema) {
	r.Update(serverID, func(cur *Record) *Record {
		cur.Tools = make(map[string]ToolSchema, len(tools))
		for _, t := range tools {
			cur.Tools[t.ToolName] = t
		}
		return cur
	})
}

// Remove drops serverID from the registry entirely (server removal).
func (r *Registry) Remove(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.load()
	next := &snapshot{records: make(map[string]*Record, len(old.records))}
	for k, v := range old.records {
		if k != serverID {
			next.records[k] = v
		}
	}
	r.cur.store(next)
}
