package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// SchemaMap renders the input schema as a generic JSON object, the shape
// provider SDKs accept.
func (s ToolSpec) SchemaMap() map[string]any {
	if s.InputSchema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	data, err := json.Marshal(s.InputSchema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

type Tool interface {
	Spec() ToolSpec
	Call(ctx context.Context, input map[string]any) (string, error)
}

// FuncTool adapts a plain function to Tool.
type FuncTool struct {
	ToolSpec
	Fn func(ctx context.Context, input map[string]any) (string, error)
}

func (t *FuncTool) Spec() ToolSpec { return t.ToolSpec }

func (t *FuncTool) Call(ctx context.Context, input map[string]any) (string, error) {
	return t.Fn(ctx, input)
}

// Toolbox is an ordered, name-indexed set of tools. Later registrations
// with the same name replace earlier ones.
type Toolbox struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewToolbox(tools ...Tool) *Toolbox {
	tb := &Toolbox{tools: make(map[string]Tool)}
	for _, t := range tools {
		tb.Add(t)
	}
	return tb
}

func (tb *Toolbox) Add(t Tool) {
	name := t.Spec().Name
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, ok := tb.tools[name]; !ok {
		tb.order = append(tb.order, name)
	}
	tb.tools[name] = t
}

func (tb *Toolbox) Len() int {
	if tb == nil {
		return 0
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.order)
}

// Specs returns the tool specs in registration order.
func (tb *Toolbox) Specs() []ToolSpec {
	if tb == nil {
		return nil
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(tb.order))
	for _, name := range tb.order {
		specs = append(specs, tb.tools[name].Spec())
	}
	return specs
}

// Run executes a tool request. Tool failures become error results so the
// model can react to them; only an unknown tool name is reported that way
// as well.
func (tb *Toolbox) Run(ctx context.Context, use ToolUse) ToolResult {
	var (
		t  Tool
		ok bool
	)
	if tb != nil {
		tb.mu.RLock()
		t, ok = tb.tools[use.Name]
		tb.mu.RUnlock()
	}
	if !ok {
		return ToolResult{ToolUseID: use.ID, Content: fmt.Sprintf("%v: %s", ErrUnknownTool, use.Name), IsError: true}
	}
	out, err := t.Call(ctx, use.Input)
	if err != nil {
		return ToolResult{ToolUseID: use.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{ToolUseID: use.ID, Content: out}
}
