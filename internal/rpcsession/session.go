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

// Package rpcsession implements JSON-RPC 2.0 semantics over one
// internal/transport.Transport: request/response correlation, a
// notification queue, per-call deadlines, and the
// opening→handshaking→ready→draining→closed state machine.
package rpcsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coordcore/core/internal/transport"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// State is one of the session's named lifecycle states.
type State string

const (
	StateOpening      State = "opening"
	StateHandshaking  State = "handshaking"
	StateReady        State = "ready"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

// Notification is a server-initiated message with no id, queued for the
// caller to drain.
type Notification struct {
	Method string
	Params json.RawMessage
}

// envelope is the wire shape of a JSON-RPC 2.0 message in either direction.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// callResult is what a pendingCall's resultCh carries: either a matched
// response envelope, or the error that forced the call to end early
// (session closed, handshake failed) — kept as the original
// *coorderrors.Error so Call can return its real Kind instead of
// flattening every early-termination reason into one wire shape.
type callResult struct {
	resp envelope
	err  error
}

type pendingCall struct {
	resultCh chan callResult
}

// Session is one JSON-RPC conversation with a tool server, over one
// Transport. One reader goroutine drains inbound frames; there is no
// writer goroutine: Call and Notify send on the caller's own goroutine.
type Session struct {
	serverID  string
	transport transport.Transport

	nextID int64

	mu      sync.Mutex
	state   State
	pending map[int64]*pendingCall
	notifCh chan Notification

	stopReader chan struct{}
	readerDone chan struct{}
}

// Open creates a Session over an already-open Transport and runs the
// protocol initialize exchange via initFn. initFn is responsible for the
// server-specific handshake (method name, params, capability parsing); it
// receives a ready-to-use *Session positioned in StateHandshaking.
func Open(ctx context.Context, serverID string, t transport.Transport, initFn func(context.Context, *Session) error) (*Session, error) {
	s := &Session{
		serverID:   serverID,
		transport:  t,
		state:      StateOpening,
		pending:    make(map[int64]*pendingCall),
		notifCh:    make(chan Notification, 256),
		stopReader: make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	go s.readLoop()

	s.setState(StateHandshaking)
	if initFn != nil {
		if err := initFn(ctx, s); err != nil {
			werr := coorderrors.Wrap(coorderrors.KindProtocolViolation, "initialize exchange failed", err)
			s.forceClose(werr)
			return nil, werr
		}
	}
	s.setState(StateReady)
	return s, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notifications returns the channel server-initiated notifications are
// queued on. Never blocks the reader: a full channel drops the oldest.
func (s *Session) Notifications() <-chan Notification {
	return s.notifCh
}

// Call sends a JSON-RPC request and waits for its matching response or the
// deadline embedded in ctx.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.State() == StateClosed || s.State() == StateDraining {
		return nil, coorderrors.New(coorderrors.KindSessionClosed, "session is not accepting new calls")
	}

	id := atomic.AddInt64(&s.nextID, 1)

	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindProtocolViolation, "marshal call params", err)
	}

	call := &pendingCall{resultCh: make(chan callResult, 1)}
	s.mu.Lock()
	s.pending[id] = call
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: paramBytes}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindProtocolViolation, "marshal call envelope", err)
	}

	if err := s.transport.Send(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case res := <-call.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, coorderrors.Newf(coorderrors.KindToolError, "%s (code=%d)", res.resp.Error.Message, res.resp.Error.Code)
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		return nil, coorderrors.Wrap(coorderrors.KindDeadlineExceeded, fmt.Sprintf("call %s timed out", method), ctx.Err())
	case <-s.readerDone:
		if st := s.State(); st == StateDraining || st == StateClosed {
			return nil, coorderrors.New(coorderrors.KindSessionClosed, "session closed while call was pending")
		}
		return nil, coorderrors.New(coorderrors.KindTransportBroken, "transport closed while call was pending")
	}
}

// Notify sends a fire-and-forget request with no id; it never waits for a
// reply. Notify emissions preserve their submission order on the wire.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindProtocolViolation, "marshal notify params", err)
	}
	frame, err := json.Marshal(envelope{JSONRPC: "2.0", Method: method, Params: paramBytes})
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindProtocolViolation, "marshal notify envelope", err)
	}
	return s.transport.Send(ctx, frame)
}

// Close transitions the session to draining, waits up to grace for the
// reader to observe the transport going away, then forces closed. Every
// pending call fails with SessionClosed.
func (s *Session) Close(grace time.Duration) error {
	s.setState(StateDraining)

	err := s.transport.Close()

	select {
	case <-s.readerDone:
	case <-time.After(grace):
	}

	s.forceClose(coorderrors.New(coorderrors.KindSessionClosed, "session closed"))
	if err != nil {
		return err
	}
	return nil
}

func (s *Session) forceClose(reason error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.mu.Unlock()

	for _, call := range pending {
		select {
		case call.resultCh <- callResult{err: reason}:
		default:
		}
	}

	close(s.stopReader)
}

// readLoop drains inbound frames: responses complete pending calls,
// notifications are queued, and malformed frames are counted as
// ProtocolViolation without killing the session (one bad frame should not
// take down an otherwise-healthy conversation).
func (s *Session) readLoop() {
	defer close(s.readerDone)

	ctx := context.Background()
	for {
		select {
		case <-s.stopReader:
			return
		default:
		}

		frame, err := s.transport.Recv(ctx)
		if err != nil {
			return
		}

		var msg envelope
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}

		if msg.ID != nil && msg.Method == "" {
			s.mu.Lock()
			call := s.pending[*msg.ID]
			s.mu.Unlock()
			if call != nil {
				select {
				case call.resultCh <- callResult{resp: msg}:
				default:
				}
			}
			continue
		}

		if msg.Method != "" && msg.ID == nil {
			notif := Notification{Method: msg.Method, Params: msg.Params}
			select {
			case s.notifCh <- notif:
			default:
				// Drop the oldest queued notification to make room; the
				// reader must never block on a slow consumer.
				select {
				case <-s.notifCh:
				default:
				}
				select {
				case s.notifCh <- notif:
				default:
				}
			}
		}
	}
}
