// Package plugin defines the function-plugin surface the engine exposes to
// the model and the registry that routes tool calls to their providers.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleybot/parley/pkg/provider/upstream"
)

// ErrUnknownFunction is returned when a tool call names a function no
// registered invoker provides.
var ErrUnknownFunction = fmt.Errorf("plugin: unknown function")

// directResultKey marks an invoker result that must be delivered to the user
// verbatim instead of being fed back to the model.
const directResultKey = "direct_result"

// Invoker is one source of callable functions, typically an MCP server.
type Invoker interface {
	// Name is the human-readable plugin name shown in usage footers.
	Name() string

	// Specs lists the functions this invoker provides.
	Specs() []upstream.ToolDefinition

	// Call executes the named function with raw JSON arguments and returns
	// the raw result payload handed back to the model.
	Call(ctx context.Context, function string, arguments string) (string, error)
}

// Registry routes tool calls across a fixed set of invokers. Function names
// are claimed first-registered-wins; a later invoker's duplicate is skipped.
type Registry struct {
	invokers []Invoker
	byName   map[string]Invoker
}

// NewRegistry builds a registry over the given invokers.
func NewRegistry(invokers ...Invoker) *Registry {
	r := &Registry{byName: make(map[string]Invoker)}
	for _, inv := range invokers {
		r.invokers = append(r.invokers, inv)
		for _, spec := range inv.Specs() {
			if _, taken := r.byName[spec.Name]; taken {
				continue
			}
			r.byName[spec.Name] = inv
		}
	}
	return r
}

// Empty reports whether no functions are registered.
func (r *Registry) Empty() bool {
	return len(r.byName) == 0
}

// Specs returns the deduplicated function set across all invokers, in
// registration order.
func (r *Registry) Specs() []upstream.ToolDefinition {
	var out []upstream.ToolDefinition
	for _, inv := range r.invokers {
		for _, spec := range inv.Specs() {
			if r.byName[spec.Name] == inv {
				out = append(out, spec)
			}
		}
	}
	return out
}

// SourceName returns the owning invoker's display name for a function, or
// the empty string when the function is unknown.
func (r *Registry) SourceName(function string) string {
	if inv, ok := r.byName[function]; ok {
		return inv.Name()
	}
	return ""
}

// Call routes one tool call to its invoker. Execution failures are folded
// into an error payload for the model rather than surfaced, so a misbehaving
// plugin degrades the answer instead of aborting the conversation.
func (r *Registry) Call(ctx context.Context, function string, arguments string) (string, error) {
	inv, ok := r.byName[function]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	result, err := inv.Call(ctx, function, arguments)
	if err != nil {
		payload, merr := json.Marshal(map[string]string{
			"error": fmt.Sprintf("function %s failed: %v", function, err),
		})
		if merr != nil {
			return "", fmt.Errorf("plugin: encode error payload: %w", merr)
		}
		return string(payload), nil
	}
	return result, nil
}

// IsDirectResult reports whether a function result is a direct-result
// envelope. Such a result is delivered to the user as-is, with no follow-up
// model call and zero reported token usage.
func IsDirectResult(result string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result), &obj); err != nil {
		return false
	}
	_, ok := obj[directResultKey]
	return ok
}

// DirectResult unwraps the direct-result payload. The second return is false
// when result is not a direct-result envelope.
func DirectResult(result string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result), &obj); err != nil {
		return nil, false
	}
	raw, ok := obj[directResultKey]
	return raw, ok
}
