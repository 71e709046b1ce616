// Package tools provides the built-in tools the model may call and the
// registry that validates and dispatches those calls.
//
// Every tool publishes a JSON Schema for its arguments. The registry
// compiles the schema once at registration and validates each call's
// arguments against it before Execute runs, so tools can assume well-typed
// input.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

// ErrUnknownTool is returned by Dispatch for a name that is not registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool is the interface all built-in tools implement.
type Tool interface {
	// Definition returns the LLM-facing name, description and JSON Schema.
	Definition() llm.ToolDefinition

	// Execute runs the tool with schema-validated arguments and returns the
	// result text for the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tools by name. Populate it before serving requests; it is
// not safe to Register concurrently with Dispatch.
type Registry struct {
	tools map[string]registered
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds t and compiles its parameter schema. It returns an error for
// a duplicate name or an invalid schema.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tools: duplicate tool registration: %s", def.Name)
	}
	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("tools: compile schema of %s: %w", def.Name, err)
	}
	r.tools[def.Name] = registered{tool: t, schema: schema}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	return r.tools[name].tool
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of all tools, sorted by name so that
// prompts are stable across calls.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		defs = append(defs, r.tools[name].tool.Definition())
	}
	return defs
}

// Dispatch decodes and validates call.Arguments and runs the named tool.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	reg, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	if reg.schema != nil {
		if err := reg.schema.Validate(decoded); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
		}
	}
	args, ok := decoded.(map[string]any)
	if !ok {
		return "", fmt.Errorf("invalid arguments for %s: expected a JSON object", call.Name)
	}
	return reg.tool.Execute(ctx, args)
}

func compileSchema(def llm.ToolDefinition) (*jsonschema.Schema, error) {
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// --- argument helpers ---

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
