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
	"encoding/json"

	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/rpcsession"
	"github.com/coordcore/core/internal/transport"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Generic protocol method names for tool servers that speak plain
// JSON-RPC 2.0 rather than a named protocol like MCP (spec.md §6: "the
// core uses a protocol initialize exchange ... method name treated as a
// constant of the protocol").
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
)

// toolDescriptor is the generic wire shape one entry of a tools/list
// response takes, independent of any specific protocol's richer schema.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Sensitive   bool            `json:"sensitive"`
}

func discoverGeneric(ctx context.Context, serverID string, sess *rpcsession.Session, initParams any) ([]registry.ToolSchema, error) {
	if _, err := sess.Call(ctx, MethodInitialize, initParams); err != nil {
		return nil, err
	}
	result, err := sess.Call(ctx, MethodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var tools []toolDescriptor
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
			Sensitive:   t.Sensitive,
		}
	}
	return schemas, nil
}

// StdioDescriptor builds a ServerDescriptor for a plain JSON-RPC tool
// server reachable over a child process's stdin/stdout (spec.md §4.1's
// first Transport form), using the generic initialize/tools-list
// exchange rather than a named protocol binding like MCP.
func StdioDescriptor(serverID string, spec transport.StdioSpec, initParams any) ServerDescriptor {
	return ServerDescriptor{
		ServerID: serverID,
		Open: func(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
			return transport.OpenStdio(ctx, spec, cfg)
		},
		Discover: func(ctx context.Context, sess *rpcsession.Session) ([]registry.ToolSchema, error) {
			return discoverGeneric(ctx, serverID, sess, initParams)
		},
	}
}

// SocketDescriptor builds a ServerDescriptor for a plain JSON-RPC tool
// server reachable over a long-lived socket (spec.md §4.1's second
// Transport form: TCP or TLS, length-prefixed JSON).
func SocketDescriptor(serverID string, spec transport.SocketSpec, initParams any) ServerDescriptor {
	return ServerDescriptor{
		ServerID: serverID,
		Open: func(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
			return transport.OpenSocket(spec, cfg)
		},
		Discover: func(ctx context.Context, sess *rpcsession.Session) ([]registry.ToolSchema, error) {
			return discoverGeneric(ctx, serverID, sess, initParams)
		},
	}
}
