package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := OpenStdio(ctx, StdioSpec{Command: "cat"}, DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte(`{"hello":"world"}`)))

	got, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(got))
}

func TestStdioTransport_UnavailableOnBadCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := OpenStdio(ctx, StdioSpec{Command: "/nonexistent/definitely-not-a-binary"}, DefaultConfig())
	require.Error(t, err)
}

func TestStdioTransport_RecvAfterProcessExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := OpenStdio(ctx, StdioSpec{Command: "true"}, DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Recv(ctx)
	require.Error(t, err)
}
