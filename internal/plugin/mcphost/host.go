// Package mcphost backs the plugin.Invoker interface with an MCP server.
//
// It connects via stdio or streamable-HTTP transports using the official MCP
// Go SDK (github.com/modelcontextprotocol/go-sdk), imports the server's tool
// catalogue once at connect time, and routes tool calls to the live session.
//
// Typical usage:
//
//	h, err := mcphost.Connect(ctx, mcphost.ServerConfig{
//	    Name:      "weather",
//	    Transport: mcphost.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-weather-server",
//	})
//	...
//	defer h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// Transport selects how the host reaches an MCP server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes one MCP server to connect to.
type ServerConfig struct {
	// Name is the display name shown in plugin usage footers.
	Name string

	Transport Transport

	// Command is the stdio launch command, split on spaces into
	// executable + args.
	Command string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// URL is the streamable-HTTP endpoint address.
	URL string
}

// Host is a live connection to a single MCP server. It implements
// plugin.Invoker over the server's tool catalogue.
//
// The zero value is not usable; create instances with [Connect].
type Host struct {
	name    string
	session *mcpsdk.ClientSession

	mu    sync.RWMutex
	specs []upstream.ToolDefinition
}

var _ plugin.Invoker = (*Host)(nil)

// Connect establishes the transport described by cfg and imports the
// server's tool catalogue. Returns an error if the transport cannot be
// established or the initial tool listing fails.
func Connect(ctx context.Context, cfg ServerConfig) (*Host, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcphost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("mcphost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcphost: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcphost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "parley-mcphost", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcphost: failed to connect to server %q: %w", cfg.Name, err)
	}

	h := &Host{name: cfg.Name, session: session}
	if err := h.refreshTools(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	return h, nil
}

// refreshTools re-imports the server's tool catalogue.
func (h *Host) refreshTools(ctx context.Context) error {
	var specs []upstream.ToolDefinition
	for tool, err := range h.session.Tools(ctx, nil) {
		if err != nil {
			return fmt.Errorf("mcphost: failed to list tools for server %q: %w", h.name, err)
		}
		specs = append(specs, upstream.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	h.mu.Lock()
	h.specs = specs
	h.mu.Unlock()
	return nil
}

// Name implements plugin.Invoker.
func (h *Host) Name() string {
	return h.name
}

// Specs implements plugin.Invoker.
func (h *Host) Specs() []upstream.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]upstream.ToolDefinition, len(h.specs))
	copy(out, h.specs)
	return out
}

// Call implements plugin.Invoker. args must be a valid JSON object string; an
// empty object ("{}") is valid for parameter-less tools. The concatenated
// text content of the result is returned. An application-level tool error
// (result.IsError) is surfaced as a Go error.
func (h *Host) Call(ctx context.Context, function string, args string) (string, error) {
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcphost: invalid args JSON for tool %q: %w", function, err)
		}
	}

	callResult, err := h.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      function,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcphost: call to tool %q failed: %w", function, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if callResult.IsError {
		return "", fmt.Errorf("mcphost: tool %q reported an error: %s", function, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down the server connection. After Close returns the Host must
// not be used again.
func (h *Host) Close() error {
	if err := h.session.Close(); err != nil {
		return fmt.Errorf("mcphost: error closing server %q: %w", h.name, err)
	}
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
