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

// Package connmanager owns Session lifecycles: one worker per configured
// tool server runs connect → discover → heartbeat → reconnect with
// exponential backoff and a circuit breaker, publishing into the
// internal/registry as it goes.
package connmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/rpcsession"
	"github.com/coordcore/core/internal/transport"
)

// ServerDescriptor is the immutable configuration of one tool server,
// loaded once at startup (spec.md §3).
type ServerDescriptor struct {
	ServerID string

	// Open connects the server's Transport. Config loading wires in one
	// of the two concrete constructors in internal/transport (stdio or
	// socket) or, for the "mcp" kind, internal/mcp's adapter around the
	// mcp-go client.
	Open func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

	// Discover runs the protocol initialize exchange and returns the
	// server's declared tools. Supplied per transport flavor (e.g. the
	// MCP initialize+ListTools exchange).
	Discover func(ctx context.Context, sess *rpcsession.Session) ([]registry.ToolSchema, error)

	BaseDelay           time.Duration
	MaxDelay            time.Duration
	HeartbeatInterval   time.Duration
	FailureThreshold    int
	Cooldown            time.Duration
	StabilizationPeriod time.Duration
	ConnectDeadline     time.Duration
}

func (d ServerDescriptor) withDefaults() ServerDescriptor {
	if d.BaseDelay == 0 {
		d.BaseDelay = 500 * time.Millisecond
	}
	if d.MaxDelay == 0 {
		d.MaxDelay = 30 * time.Second
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 15 * time.Second
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = 3
	}
	if d.Cooldown == 0 {
		d.Cooldown = 10 * time.Second
	}
	if d.StabilizationPeriod == 0 {
		d.StabilizationPeriod = 30 * time.Second
	}
	if d.ConnectDeadline == 0 {
		d.ConnectDeadline = 10 * time.Second
	}
	return d
}

// Manager runs one worker goroutine per ServerDescriptor against a shared
// Registry.
type Manager struct {
	logger   *slog.Logger
	registry *registry.Registry
	state    *StateStore

	workers map[string]*worker
}

// New returns a Manager publishing into reg. state may be nil, in which
// case runtime state is not persisted across restarts.
func New(reg *registry.Registry, state *StateStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		registry: reg,
		state:    state,
		workers:  make(map[string]*worker),
	}
}

// Start launches one worker per descriptor, in the order given. The
// StateStore's persisted rows (WasReady) are not consulted: every
// descriptor is started whether or not it was connected before the last
// restart.
func (m *Manager) Start(descriptors []ServerDescriptor) {
	for _, d := range descriptors {
		d = d.withDefaults()
		w := newWorker(d, m.registry, m.state, m.logger)
		m.workers[d.ServerID] = w
		go w.run()
	}
}

// Stop drains every worker concurrently, each bounded by grace, and blocks
// until all have stopped or the grace period has elapsed for each.
func (m *Manager) Stop(grace time.Duration) {
	done := make(chan struct{}, len(m.workers))
	for _, w := range m.workers {
		w := w
		go func() {
			w.drainAndStop(grace)
			if m.state != nil {
				m.state.MarkStopped(w.desc.ServerID)
			}
			done <- struct{}{}
		}()
	}
	for range m.workers {
		<-done
	}
	if m.state != nil {
		_ = m.state.Save()
	}
}

// Registry returns the shared registry workers publish into.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}
