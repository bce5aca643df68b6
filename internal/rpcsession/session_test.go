package rpcsession

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// fakeTransport is an in-process Transport over buffered channels, used to
// drive Session tests without a real subprocess or socket.
type fakeTransport struct {
	outbound chan []byte
	inbound  chan []byte
	closed   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		outbound: make(chan []byte, 16),
		inbound:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case f.outbound <- frame:
		return nil
	case <-f.closed:
		return assertErr("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.closed:
		return nil, assertErr("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// serverEcho replies to every inbound call with {"echo": <method>}.
func (f *fakeTransport) serverEcho(t *testing.T) {
	t.Helper()
	go func() {
		for {
			select {
			case frame := <-f.outbound:
				var req envelope
				if err := json.Unmarshal(frame, &req); err != nil {
					continue
				}
				if req.ID == nil {
					continue
				}
				result, _ := json.Marshal(map[string]string{"echo": req.Method})
				resp := envelope{JSONRPC: "2.0", ID: req.ID, Result: result}
				respBytes, _ := json.Marshal(resp)
				select {
				case f.inbound <- respBytes:
				case <-f.closed:
					return
				}
			case <-f.closed:
				return
			}
		}
	}()
}

func TestSession_CallRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	ft.serverEcho(t)

	s, err := Open(context.Background(), "srv-1", ft, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := s.Call(ctx, "ping", map[string]any{})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "ping", decoded["echo"])
}

func TestSession_CallDeadlineExceeded(t *testing.T) {
	ft := newFakeTransport() // no server, never replies

	s, err := Open(context.Background(), "srv-1", ft, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Call(ctx, "ping", map[string]any{})
	require.Error(t, err)
}

func TestSession_CloseFailsPendingCalls(t *testing.T) {
	ft := newFakeTransport()

	s, err := Open(context.Background(), "srv-1", ft, nil)
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.Call(ctx, "slow", map[string]any{})
		callErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close(100*time.Millisecond))

	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.Equal(t, coorderrors.KindSessionClosed, coorderrors.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail after Close")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_OpenFailsPendingCallsWithProtocolViolation(t *testing.T) {
	ft := newFakeTransport()

	initFn := func(ctx context.Context, s *Session) error {
		go func() {
			_, _ = s.Call(context.Background(), "handshake-probe", map[string]any{})
		}()
		time.Sleep(10 * time.Millisecond)
		return fmt.Errorf("handshake rejected by server")
	}

	_, err := Open(context.Background(), "srv-1", ft, initFn)
	require.Error(t, err)
	assert.Equal(t, coorderrors.KindProtocolViolation, coorderrors.KindOf(err))
}

func TestSession_NotifyDoesNotBlock(t *testing.T) {
	ft := newFakeTransport()
	go func() {
		for range ft.outbound {
		}
	}()

	s, err := Open(context.Background(), "srv-1", ft, nil)
	require.NoError(t, err)

	require.NoError(t, s.Notify(context.Background(), "log", map[string]any{"level": "info"}))
}
