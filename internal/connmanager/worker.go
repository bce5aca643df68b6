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

package connmanager

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/rpcsession"
	"github.com/coordcore/core/internal/transport"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// worker owns one server's connection lifecycle: connect, discover,
// heartbeat, reconnect. Exactly one goroutine runs loop().
type worker struct {
	desc     ServerDescriptor
	registry *registry.Registry
	state    *StateStore
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}

	attempt int
}

func newWorker(desc ServerDescriptor, reg *registry.Registry, state *StateStore, logger *slog.Logger) *worker {
	return &worker{
		desc:     desc,
		registry: reg,
		state:    state,
		logger:   logger.With("server_id", desc.ServerID),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// backoff returns base*2^attempt capped at max, jittered by ±20%.
func backoff(base, max time.Duration, attempt int) time.Duration {
	mult := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * mult)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // [0.8, 1.2)
	return time.Duration(float64(d) * jitter)
}

// run is the five-step loop of spec.md §4.4: connect with backoff, create
// the RPC session, discover and publish, heartbeat, and on failure clear
// the registry entry and retry. It returns when stop is closed.
func (w *worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		// Every retry after the first is a breaker trial: the cooldown
		// from the previous failure has elapsed, so this connect attempt
		// decides whether the breaker closes again or reopens.
		if w.attempt > 0 {
			w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
				cur.Breaker = registry.BreakerHalfOpen
				cur.State = registry.StateConnecting
				return cur
			})
		}

		sess, tools, err := w.connectAndDiscover()
		if err != nil {
			w.logger.Warn("connect failed, backing off", "error", err, "attempt", w.attempt)
			w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
				cur.Breaker = registry.BreakerOpen
				cur.State = registry.StateConnecting
				cur.ConsecutiveFailures++
				cur.OpenedAt = time.Now()
				return cur
			})
			if w.state != nil {
				w.state.MarkFailure(w.desc.ServerID, w.attempt+1, err.Error())
				_ = w.state.Save()
			}

			delay := backoff(w.desc.BaseDelay, w.desc.MaxDelay, w.attempt)
			w.attempt++
			select {
			case <-time.After(delay):
				continue
			case <-w.stop:
				return
			}
		}

		w.attempt = 0
		w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
			cur.Session = sess
			cur.Breaker = registry.BreakerClosed
			cur.State = registry.StateReady
			cur.ConsecutiveFailures = 0
			cur.Health = registry.Health{LastHeartbeat: time.Now()}
			return cur
		})
		w.registry.PublishDiscovery(w.desc.ServerID, tools)
		if w.state != nil {
			w.state.MarkReady(w.desc.ServerID)
			_ = w.state.Save()
		}
		w.logger.Info("server ready", "tool_count", len(tools))

		closed := w.heartbeatLoop(sess)

		w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
			cur.Session = nil
			cur.Tools = make(map[string]registry.ToolSchema)
			cur.Breaker = registry.BreakerOpen
			cur.State = registry.StateClosed
			cur.OpenedAt = time.Now()
			return cur
		})
		_ = sess.Close(w.desc.ConnectDeadline)

		if closed == errStopRequested {
			return
		}

		select {
		case <-time.After(w.desc.Cooldown):
		case <-w.stop:
			return
		}
	}
}

// connectAndDiscover performs steps 1-3 of the loop: open the transport,
// open the RPC session (running the protocol handshake inline via
// rpcsession.Open's initFn), then run capability discovery.
func (w *worker) connectAndDiscover() (*rpcsession.Session, []registry.ToolSchema, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.desc.ConnectDeadline)
	defer cancel()

	t, err := w.desc.Open(ctx, transport.Config{
		ConnectDeadline: w.desc.ConnectDeadline,
		HighWaterMark:   64,
		DrainGrace:      w.desc.ConnectDeadline,
	})
	if err != nil {
		return nil, nil, err
	}

	var tools []registry.ToolSchema
	sess, err := rpcsession.Open(ctx, w.desc.ServerID, t, func(ctx context.Context, s *rpcsession.Session) error {
		discovered, derr := w.desc.Discover(ctx, s)
		if derr != nil {
			return derr
		}
		tools = discovered
		return nil
	})
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	return sess, tools, nil
}

// errStopRequested is a sentinel distinguishing a cooperative shutdown from
// a genuine heartbeat failure.
var errStopRequested = coorderrors.New(coorderrors.KindSessionClosed, "stop requested")

// heartbeatLoop pings the session on HeartbeatInterval. One missed beat
// marks the server degraded; FailureThreshold consecutive misses close the
// session and return control to the reconnect loop.
func (w *worker) heartbeatLoop(sess *rpcsession.Session) error {
	ticker := time.NewTicker(w.desc.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-w.stop:
			return errStopRequested
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.desc.HeartbeatInterval)
			_, err := sess.Call(ctx, "ping", map[string]any{})
			cancel()

			if err != nil {
				misses++
				w.logger.Warn("heartbeat missed", "misses", misses, "error", err)
				w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
					cur.Health.ConsecutiveMisses = misses
					cur.State = registry.StateDegraded
					return cur
				})
				if misses >= w.desc.FailureThreshold {
					return coorderrors.New(coorderrors.KindTransportBroken, "heartbeat failure threshold exceeded")
				}
				continue
			}

			wasDegraded := misses > 0
			misses = 0
			w.registry.Update(w.desc.ServerID, func(cur *registry.Record) *registry.Record {
				cur.Health = registry.Health{LastHeartbeat: time.Now()}
				cur.State = registry.StateReady
				return cur
			})
			if wasDegraded {
				w.logger.Info("heartbeat recovered, session back to ready")
			}
		}
	}
}

// drainAndStop signals the worker to stop and waits up to grace for the
// current session to close cleanly (spec.md §4.4 shutdown path).
func (w *worker) drainAndStop(grace time.Duration) {
	close(w.stop)
	select {
	case <-w.done:
	case <-time.After(grace):
	}
}
