// Package tools implements the capabilities exposed to the coding agent.
//
// Every tool returns a string. Tool-level failures (a failing command, a
// missing file, bad arguments) are reported inside that string so the
// agent can react; they never abort the run.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Sentinel errors for registry operations.
var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// State is the view of run state a tool call receives.
type State struct {
	Files     models.FileCollection
	DataSpace *models.DataSpaceSummary
}

// Call is one tool invocation requested by the agent.
type Call struct {
	ID    string
	Name  string
	Args  json.RawMessage
	State State
}

// Result is what a tool hands back. Files holds the paths this call wrote;
// the caller merges them into the canonical run state.
type Result struct {
	Output string
	Files  models.FileCollection
}

// Handler executes a tool call. Handlers report failures in Result.Output.
type Handler func(ctx context.Context, call Call) Result

// Tool is a named, schema-validated capability.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler

	compiled *jsonschema.Schema
}

// Definition is the agent-facing description of a tool.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Registry holds the tools available to one run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's schema and adds it.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}

	compiled, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Definitions lists the registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates the arguments and runs the named tool. Only an unknown
// tool name is an error; everything else is reported in the output.
func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{Output: fmt.Sprintf("Error: unknown tool %q", call.Name)}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	if err := validate(t, call.Args); err != nil {
		return Result{Output: "Error: invalid arguments for " + t.Name + ": " + err.Error()}, nil
	}
	return t.Handler(ctx, call), nil
}

func validate(t *Tool, args json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := t.compiled.Validate(inst); err != nil {
		return errors.New(strings.TrimSpace(err.Error()))
	}
	return nil
}

// marshal encodes v without HTML escaping, optionally indented.
func marshal(v any, indent bool) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
