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

/*
Package mcp binds one tool server flavor, the Model Context Protocol,
into the coordination core's generic server machinery.

Client wraps github.com/mark3labs/mcp-go's stdio client: process spawn,
the initialize handshake, and ListTools/CallTool/ListResources/ReadResource.
clientTransport then adapts that client to internal/transport.Transport so
an MCP server can be driven through the same internal/rpcsession.Session
and internal/connmanager worker loop as any other JSON-RPC tool server —
mcp-go owns the wire protocol, connmanager owns the lifecycle.

Descriptor is the entry point config loading calls for each server_id
whose transport kind is "mcp":

	desc := mcp.Descriptor("filesystem", mcp.ClientConfig{
	    Command: "npx",
	    Args:    []string{"-y", "@modelcontextprotocol/server-filesystem"},
	    Env:     []string{"HOME=/home/user"},
	})
	manager.Start([]connmanager.ServerDescriptor{desc})
*/
package mcp
