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

package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coordcore/core/internal/connmanager"
	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/rpcsession"
	"github.com/coordcore/core/internal/transport"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// clientTransport adapts a Client (the mark3labs/mcp-go stdio binding) to
// the generic transport.Transport interface, so an MCP-flavored tool
// server can be driven through the same rpcsession.Session and
// internal/connmanager worker loop as any other JSON-RPC server. Send
// decodes the outbound envelope's method and dispatches it to the
// matching mcp-go call; Recv drains the resulting response queue.
//
// This exists because mcp-go owns its own request/response plumbing
// internally rather than exposing raw frames — the adapter re-expresses
// its three operations (ping, list tools, call tool) as the generic
// JSON-RPC frames rpcsession.Session expects.
type clientTransport struct {
	client *Client

	mu    sync.Mutex
	queue chan []byte
}

func newClientTransport(c *Client) *clientTransport {
	return &clientTransport{client: c, queue: make(chan []byte, 32)}
}

type outboundEnvelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type inboundEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *inboundError   `json:"error,omitempty"`
}

type inboundError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *clientTransport) Send(ctx context.Context, frame []byte) error {
	var env outboundEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return coorderrors.Wrap(coorderrors.KindProtocolViolation, "decode outbound frame", err)
	}
	go t.dispatch(ctx, env)
	return nil
}

func (t *clientTransport) dispatch(ctx context.Context, env outboundEnvelope) {
	resp := inboundEnvelope{JSONRPC: "2.0", ID: env.ID}

	result, err := t.call(ctx, env)
	if err != nil {
		resp.Error = &inboundError{Code: -32000, Message: err.Error()}
	} else {
		b, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &inboundError{Code: -32000, Message: merr.Error()}
		} else {
			resp.Result = b
		}
	}

	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case t.queue <- frame:
	default:
	}
}

func (t *clientTransport) call(ctx context.Context, env outboundEnvelope) (any, error) {
	switch env.Method {
	case "ping":
		return map[string]any{}, t.client.Ping(ctx)
	case "tools/list":
		return t.client.ListTools(ctx)
	case "tools/call":
		var req ToolCallRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return nil, err
		}
		return t.client.CallTool(ctx, req)
	default:
		return nil, coorderrors.Newf(coorderrors.KindProtocolViolation, "unsupported method %q", env.Method)
	}
}

func (t *clientTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.queue:
		return f, nil
	case <-ctx.Done():
		return nil, coorderrors.Wrap(coorderrors.KindDeadlineExceeded, "recv deadline exceeded", ctx.Err())
	}
}

func (t *clientTransport) Close() error {
	return t.client.Close()
}

// Descriptor builds a connmanager.ServerDescriptor for an MCP-flavored
// stdio tool server: cfg.ServerName must equal serverID. The descriptor's
// Open starts the mcp-go client process and wraps it in a Transport; its
// Discover lists tools through a single rpcsession.Call("tools/list", ...)
// and republishes them as registry.ToolSchema.
func Descriptor(serverID string, cfg ClientConfig) connmanager.ServerDescriptor {
	cfg.ServerName = serverID

	return connmanager.ServerDescriptor{
		ServerID: serverID,
		Open: func(ctx context.Context, _ transport.Config) (transport.Transport, error) {
			c, err := NewClient(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return newClientTransport(c), nil
		},
		Discover: func(ctx context.Context, sess *rpcsession.Session) ([]registry.ToolSchema, error) {
			result, err := sess.Call(ctx, "tools/list", map[string]any{})
			if err != nil {
				return nil, err
			}
			var tools []ToolDefinition
			if err := json.Unmarshal(result, &tools); err != nil {
				return nil, coorderrors.Wrap(coorderrors.KindProtocolViolation, "decode tools/list result", err)
			}
			schemas := make([]registry.ToolSchema, len(tools))
			for i, t := range tools {
				schemas[i] = registry.ToolSchema{
					ServerID:    serverID,
					ToolName:    t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
				}
			}
			return schemas, nil
		},
	}
}
