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

package config

import (
	"context"
	"crypto/tls"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coordcore/core/internal/connmanager"
	"github.com/coordcore/core/internal/mcp"
	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/rpcsession"
	"github.com/coordcore/core/internal/transport"
)

// BuildDescriptors translates every configured server into a
// connmanager.ServerDescriptor, picking the transport/protocol binding
// named by its transport.kind and marking discovered tools Sensitive
// when they are named in that server's requires_approval list.
func (c *Config) BuildDescriptors() ([]connmanager.ServerDescriptor, error) {
	descs := make([]connmanager.ServerDescriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		d, err := c.buildDescriptor(s)
		if err != nil {
			return nil, err
		}
		d.ConnectDeadline = c.Sessions.ConnectDeadline()
		d.HeartbeatInterval = c.Sessions.HeartbeatInterval()
		d.FailureThreshold = c.Sessions.FailureThreshold
		d.Cooldown = c.Sessions.Cooldown()

		discover := d.Discover
		d.Discover = func(ctx context.Context, sess *rpcsession.Session) ([]registry.ToolSchema, error) {
			schemas, err := discover(ctx, sess)
			if err != nil {
				return nil, err
			}
			for i := range schemas {
				if c.RequiresApproval(schemas[i].ServerID, schemas[i].ToolName) {
					schemas[i].Sensitive = true
				}
			}
			return schemas, nil
		}

		descs = append(descs, d)
	}
	return descs, nil
}

func (c *Config) buildDescriptor(s ServerConfig) (connmanager.ServerDescriptor, error) {
	switch s.Transport.Kind {
	case TransportMCP:
		return mcp.Descriptor(s.ServerID, mcp.ClientConfig{
			Command: s.Transport.Command,
			Args:    s.Transport.Args,
			Env:     s.Transport.Env,
		}), nil
	case TransportStdio:
		return connmanager.StdioDescriptor(s.ServerID, transport.StdioSpec{
			Command: s.Transport.Command,
			Args:    s.Transport.Args,
			Env:     s.Transport.Env,
		}, map[string]any{}), nil
	case TransportSocket:
		spec := transport.SocketSpec{
			Network: s.Transport.Network,
			Address: s.Transport.Address,
		}
		if s.Transport.TLS {
			spec.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return connmanager.SocketDescriptor(s.ServerID, spec, map[string]any{}), nil
	default:
		return connmanager.ServerDescriptor{}, fmt.Errorf("config: server %q: unknown transport kind %q", s.ServerID, s.Transport.Kind)
	}
}

// ServerPolicies builds the Router's per-server policy map from each
// server's configured `policy` block: its rate limit and its own
// allow_tools/deny_tools lists.
func (c *Config) ServerPolicies() map[string]router.ServerPolicy {
	policies := make(map[string]router.ServerPolicy, len(c.Servers))
	for _, s := range c.Servers {
		p := router.ServerPolicy{
			AllowTools: s.Policy.AllowTools,
			DenyTools:  s.Policy.DenyTools,
		}
		if s.Policy.Rate.TokensPerSecond > 0 {
			p.Limit = rate.Limit(s.Policy.Rate.TokensPerSecond)
			p.Burst = s.Policy.Rate.Burst
		}
		policies[s.ServerID] = p
	}
	return policies
}

// RequiresApproval reports whether qualifiedName is named in its server's
// requires_approval list, for marking a ToolSchema Sensitive at discovery
// time when the server itself does not declare sensitivity (spec.md §6:
// `policy: { ..., requires_approval: [qualified_name] }`).
func (c *Config) RequiresApproval(serverID, toolName string) bool {
	for _, s := range c.Servers {
		if s.ServerID != serverID {
			continue
		}
		qualified := serverID + "." + toolName
		for _, name := range s.Policy.RequiresApproval {
			if name == qualified {
				return true
			}
		}
	}
	return false
}
