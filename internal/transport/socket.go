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

package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// SocketSpec configures a socket Transport: a long-lived TCP (optionally
// TLS) connection framed as 4-byte-length-prefixed JSON.
type SocketSpec struct {
	Network   string // "tcp" unless overridden
	Address   string
	TLSConfig *tls.Config // nil disables TLS
}

const maxFrameLen = 64 << 20 // 64 MiB guards against a runaway length prefix

type socketTransport struct {
	conn net.Conn

	writeMu sync.Mutex
	pending chan struct{}
}

// OpenSocket dials the remote endpoint within cfg.ConnectDeadline.
func OpenSocket(spec SocketSpec, cfg Config) (Transport, error) {
	network := spec.Network
	if network == "" {
		network = "tcp"
	}

	dialer := net.Dialer{Timeout: cfg.ConnectDeadline}

	var conn net.Conn
	var err error
	if spec.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, network, spec.Address, spec.TLSConfig)
	} else {
		conn, err = dialer.Dial(network, spec.Address)
	}
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindTransportUnavailable, "dial tool server socket", err)
	}

	hwm := cfg.HighWaterMark
	if hwm <= 0 {
		hwm = 64
	}

	return &socketTransport{
		conn:    conn,
		pending: make(chan struct{}, hwm),
	}, nil
}

func (t *socketTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case t.pending <- struct{}{}:
	case <-ctx.Done():
		return coorderrors.Wrap(coorderrors.KindDeadlineExceeded, "send backpressure wait", ctx.Err())
	}
	defer func() { <-t.pending }()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}

	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return coorderrors.Wrap(coorderrors.KindTransportBroken, "write frame length", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return coorderrors.Wrap(coorderrors.KindTransportBroken, "write frame body", err)
	}
	return nil
}

func (t *socketTransport) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return nil, classifyReadErr(err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, coorderrors.New(coorderrors.KindProtocolViolation, "frame length exceeds maximum")
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, classifyReadErr(err)
	}
	return buf, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return coorderrors.Wrap(coorderrors.KindTransportBroken, "tool server closed socket", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return coorderrors.Wrap(coorderrors.KindDeadlineExceeded, "recv deadline exceeded", err)
	}
	return coorderrors.Wrap(coorderrors.KindTransportBroken, "read frame", err)
}

func (t *socketTransport) Close() error {
	return t.conn.Close()
}
