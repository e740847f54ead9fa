package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/genbridge/internal/schema"
	"github.com/nugget/genbridge/internal/tools"
)

// ToolSession is the part of a Session that Discover needs.
type ToolSession interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Filter selects which discovered tools are bridged.
//   - If Include is non-empty, only tools named in it are registered.
//   - Otherwise tools named in Exclude are skipped.
//   - If both are empty, every tool is registered.
type Filter struct {
	Include []string
	Exclude []string
}

// Apply returns the subset of all that f selects, in registration
// order. all itself is returned when f is empty.
func (f Filter) Apply(all *tools.Registry) *tools.Registry {
	switch {
	case len(f.Include) > 0:
		return all.FilteredCopy(f.Include)
	case len(f.Exclude) > 0:
		return all.FilteredCopyExcluding(f.Exclude)
	default:
		return all
	}
}

// Discover lists the provider's tools once and registers an invoker for
// each one filter selects on registry, under the provider's own tool
// name. It returns the number of tools registered.
func Discover(ctx context.Context, session ToolSession, registry *tools.Registry, filter Filter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptors, err := session.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover tools: %w", err)
	}

	offered := tools.NewRegistry()
	for _, td := range descriptors {
		offered.Register(bridgeTool(session, td))
	}
	selected := filter.Apply(offered)

	for _, name := range offered.AllToolNames() {
		t := selected.Get(name)
		if t == nil {
			logger.Debug("skipping filtered tool", "tool", name)
			continue
		}
		registry.Register(t)
		logger.Debug("bridged tool", "tool", name, "description", t.Description)
	}

	return selected.Len(), nil
}

// bridgeTool creates a tool whose handler validates arguments against
// the descriptor's input schema and then forwards them to the provider.
func bridgeTool(session ToolSession, td ToolDescriptor) *tools.Tool {
	name := td.Name
	inputSchema := td.InputSchema

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  inputSchema,
		Handler: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			if err := schema.Validate(inputSchema, args); err != nil {
				return nil, &ProtocolError{Method: name, Reason: "arguments do not match input schema", Err: err}
			}
			return session.Invoke(ctx, name, args)
		},
	}
}
