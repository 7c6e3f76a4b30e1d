package selector

import (
	"strings"

	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/tools"
)

// OptimizeDefinition shrinks a tool definition for indexing and model
// exposure: truncated descriptions, flattened nested objects, capped enums,
// simplified oneOf/anyOf branches. The original catalog entry is untouched.
func OptimizeDefinition(def tools.Definition, cfg config.SchemaOptConfig) tools.Definition {
	if !cfg.IsEnabled() {
		return def
	}

	out := def
	out.Description = truncate(def.Description, cfg.MaxDescriptionLength)
	if def.Parameters != nil {
		out.Parameters = optimizeSchema(def.Parameters, cfg)
		if cfg.FlattenEnabled() && out.Parameters.Type == "object" {
			out.Parameters = flattenObject(out.Parameters)
		}
	}
	return out
}

func optimizeSchema(s *tools.Schema, cfg config.SchemaOptConfig) *tools.Schema {
	if s == nil {
		return nil
	}
	out := *s
	out.Description = truncate(s.Description, cfg.MaxDescriptionLength)

	if max := cfg.MaxEnumValues; max > 0 && len(s.Enum) > max {
		out.Enum = s.Enum[:max]
	}

	if cfg.SimplifyEnabled() {
		out.OneOf = simplifyBranches(s.OneOf, cfg)
		out.AnyOf = simplifyBranches(s.AnyOf, cfg)
		// A single branch is inlined into the parent.
		if len(out.OneOf) == 1 {
			out = mergeBranch(out, out.OneOf[0])
			out.OneOf = nil
		}
		if len(out.AnyOf) == 1 {
			out = mergeBranch(out, out.AnyOf[0])
			out.AnyOf = nil
		}
	}

	if s.Items != nil {
		out.Items = optimizeSchema(s.Items, cfg)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]*tools.Schema, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = optimizeSchema(p, cfg)
		}
		out.Properties = props
	}
	return &out
}

func simplifyBranches(branches []*tools.Schema, cfg config.SchemaOptConfig) []*tools.Schema {
	if len(branches) == 0 {
		return nil
	}
	if len(branches) > 3 {
		branches = branches[:3]
	}
	out := make([]*tools.Schema, len(branches))
	for i, b := range branches {
		out[i] = optimizeSchema(b, cfg)
	}
	return out
}

func mergeBranch(parent tools.Schema, branch *tools.Schema) tools.Schema {
	if branch == nil {
		return parent
	}
	if parent.Type == "" {
		parent.Type = branch.Type
	}
	if parent.Description == "" {
		parent.Description = branch.Description
	}
	if len(parent.Enum) == 0 {
		parent.Enum = branch.Enum
	}
	if parent.Items == nil {
		parent.Items = branch.Items
	}
	if len(parent.Properties) == 0 {
		parent.Properties = branch.Properties
		parent.Required = branch.Required
	}
	return parent
}

// flattenObject promotes nested object properties to dotted top-level names:
// {"filter": {"type":"object","properties":{"state":…}}} becomes
// "filter.state". Models handle flat parameter lists far better.
func flattenObject(s *tools.Schema) *tools.Schema {
	out := *s
	props := make(map[string]*tools.Schema)
	required := make([]string, 0, len(s.Required))
	requiredSet := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		requiredSet[r] = true
	}

	var walk func(prefix string, properties map[string]*tools.Schema, parentRequired bool)
	walk = func(prefix string, properties map[string]*tools.Schema, parentRequired bool) {
		for name, p := range properties {
			full := name
			if prefix != "" {
				full = prefix + "." + name
			}
			if p != nil && p.Type == "object" && len(p.Properties) > 0 {
				walk(full, p.Properties, parentRequired && requiredSet[name])
				continue
			}
			props[full] = p
			if prefix == "" && requiredSet[name] {
				required = append(required, name)
			}
		}
	}
	walk("", s.Properties, true)

	out.Properties = props
	out.Required = required
	return &out
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
