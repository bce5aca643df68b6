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
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// StdioSpec configures a child-process Transport: stdin/stdout pipes framed
// as newline-delimited JSON.
type StdioSpec struct {
	Command string
	Args    []string
	Env     []string
}

// stdioTransport is a Transport backed by a child process's pipes.
type stdioTransport struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex
	pending chan struct{} // bounds the outbound high-water mark

	closeOnce sync.Once
	closeErr  error
}

// OpenStdio spawns the child process and wires up its pipes. It fails with
// a TransportUnavailable-kinded error if the process cannot be started.
func OpenStdio(ctx context.Context, spec StdioSpec, cfg Config) (Transport, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindTransportUnavailable, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindTransportUnavailable, "open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindTransportUnavailable, "start tool server process", err)
	}

	hwm := cfg.HighWaterMark
	if hwm <= 0 {
		hwm = 64
	}

	return &stdioTransport{
		cfg:     cfg,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(chan struct{}, hwm),
	}, nil
}

func (t *stdioTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case t.pending <- struct{}{}:
	case <-ctx.Done():
		return coorderrors.Wrap(coorderrors.KindDeadlineExceeded, "send backpressure wait", ctx.Err())
	}
	defer func() { <-t.pending }()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(frame); err != nil {
		return coorderrors.Wrap(coorderrors.KindTransportBroken, "write frame", err)
	}
	if _, err := t.stdin.Write([]byte("\n")); err != nil {
		return coorderrors.Wrap(coorderrors.KindTransportBroken, "write frame delimiter", err)
	}
	return nil
}

func (t *stdioTransport) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		done <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, coorderrors.Wrap(coorderrors.KindDeadlineExceeded, "recv", ctx.Err())
	case r := <-done:
		if r.err != nil {
			if r.err == io.EOF {
				return nil, coorderrors.Wrap(coorderrors.KindTransportBroken, "tool server closed stdout", r.err)
			}
			return nil, coorderrors.Wrap(coorderrors.KindTransportBroken, "read frame", r.err)
		}
		return trimNewline(r.line), nil
	}
}

func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			done := make(chan error, 1)
			go func() { done <- t.cmd.Wait() }()
			select {
			case <-done:
			default:
				_ = t.cmd.Process.Kill()
				<-done
			}
		}
	})
	return t.closeErr
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
