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

// Package transport delivers ordered, framed byte messages over one
// bidirectional channel to a tool server. It knows nothing of JSON-RPC
// semantics — that lives one layer up in internal/rpcsession.
package transport

import (
	"context"
	"time"
)

// Kind names a concrete Transport implementation.
type Kind string

const (
	KindStdio  Kind = "stdio"
	KindSocket Kind = "socket"
)

// Transport is a framed duplex connection to one tool server.
//
// Send enqueues a frame for delivery; it blocks once the outbound queue
// reaches the configured high-water mark (backpressure). Recv blocks until
// the next inbound frame, ctx cancellation, or transport failure. Close
// severs the connection without waiting for Sends in progress to finish.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Config carries the settings shared by every concrete Transport.
type Config struct {
	// ConnectDeadline bounds how long OpenSocket's dial may take before it
	// fails with a KindTransportUnavailable error. OpenStdio does not use it.
	ConnectDeadline time.Duration

	// HighWaterMark is the number of buffered outbound frames at which
	// Send starts blocking.
	HighWaterMark int

	// DrainGrace is carried in the shared settings, but neither the stdio
	// nor the socket Transport reads it: Close does not wait for the
	// outbound queue to empty.
	DrainGrace time.Duration
}

// DefaultConfig returns sensible defaults matching spec.md §6's
// `sessions.connect_deadline_ms` default shape.
func DefaultConfig() Config {
	return Config{
		ConnectDeadline: 10 * time.Second,
		HighWaterMark:   64,
		DrainGrace:      5 * time.Second,
	}
}
