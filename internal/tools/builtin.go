package tools

import (
	"context"
	"fmt"

	"github.com/tidewater-ai/keel/internal/session"
)

// BuiltinExecutor ships the permission-free capability tool so a fresh
// deployment answers "what can you do" without any external tool service.
// Real tool backends replace or wrap it at construction time.
type BuiltinExecutor struct {
	catalog *Catalog
}

func NewBuiltinExecutor() *BuiltinExecutor { return &BuiltinExecutor{} }

// Bind gives the executor the catalog to describe. Called once the catalog
// has been populated.
func (e *BuiltinExecutor) Bind(catalog *Catalog) { e.catalog = catalog }

func (e *BuiltinExecutor) Definitions() []Definition {
	return []Definition{
		{
			Name:        ToolHelp,
			Description: "Describe the assistant's available tools and capabilities.",
			Parameters: &Schema{
				Type:       "object",
				Properties: map[string]*Schema{},
			},
			Metadata: Metadata{
				Categories: []string{"meta"},
				Keywords:   []string{"help", "capabilities"},
				Importance: 6,
			},
		},
	}
}

func (e *BuiltinExecutor) ExecuteTool(_ context.Context, name string, _ map[string]any, _ *session.State) (any, error) {
	if name != ToolHelp {
		return nil, fmt.Errorf("tool %q is not provided by the builtin executor", name)
	}

	var capabilities []map[string]any
	if e.catalog != nil {
		for _, def := range e.catalog.All() {
			capabilities = append(capabilities, map[string]any{
				"name":        def.Name,
				"description": def.Description,
			})
		}
	}
	return map[string]any{
		"status":       "success",
		"message":      "These are the tools currently available.",
		"capabilities": capabilities,
	}, nil
}
