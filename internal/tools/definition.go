package tools

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Schema is a JSON-schema-like parameter description. Only the subset the
// validator and optimizer understand is modeled; anything else rides along
// in the declaration sent to the model.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	OneOf       []*Schema          `json:"oneOf,omitempty"`
	AnyOf       []*Schema          `json:"anyOf,omitempty"`
}

// Metadata carries selection hints and the permission gate for a tool.
type Metadata struct {
	Categories         []string `json:"categories,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	Examples           []string `json:"examples,omitempty"`
	Importance         int      `json:"importance,omitempty"` // 1..10
	RequiredPermission string   `json:"required_permission,omitempty"`
	WhenNotToUse       string   `json:"when_not_to_use,omitempty"`
}

// Definition describes one tool in the catalog.
type Definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Parameters  *Schema  `json:"parameters,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// ParametersMap renders the parameter schema as the generic map shape the
// provider declaration expects.
func (d Definition) ParametersMap() map[string]any {
	if d.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(d.Parameters)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}

// Catalog is the ordered tool catalog. Registration verifies that the
// parameter schema itself compiles as a JSON schema; a tool with a broken
// schema never reaches the model.
type Catalog struct {
	defs   []Definition
	byName map[string]int
}

func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]int)}
}

// Register adds a tool to the catalog, rejecting duplicates, empty names and
// uncompilable parameter schemas.
func (c *Catalog) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool definition missing name")
	}
	if _, exists := c.byName[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	if def.Parameters != nil {
		if err := compileSchema(def); err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
	}
	c.byName[def.Name] = len(c.defs)
	c.defs = append(c.defs, def)
	return nil
}

func compileSchema(def Definition) error {
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameter schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parameter schema is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := def.Name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add parameter schema: %w", err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("parameter schema does not compile: %w", err)
	}
	return nil
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (Definition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// All returns the catalog in registration order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Len returns the catalog size.
func (c *Catalog) Len() int { return len(c.defs) }
