package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quillforge/quill/pkg/logger"
)

type registryEntry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds the set of invocable tools. Registration is expected
// at process start; racing Register against concurrent lookups requires
// external synchronization, but lookups against a settled registry are safe
// from any number of goroutines.
type ToolRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		entries: make(map[string]*registryEntry),
	}
}

// Register adds a tool. The tool's parameter schema is compiled once here
// so argument validation at dispatch time is cheap.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	schema, err := compileSchema(name, tool.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.entries[name] = &registryEntry{tool: tool, schema: schema}
	r.order = append(r.order, name)

	logger.DebugCF("tools", "Registered tool",
		map[string]interface{}{"tool": name, "dangerous": tool.Dangerous()})
	return nil
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "quill://tools/" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add parameter schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return entry.tool, nil
}

// ValidateArgs checks the input payload against the tool's declared schema
// before dispatch. Structural mismatch fails here, not inside the tool.
func (r *ToolRegistry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if entry.schema == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects regardless of how the args were produced.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	if err := entry.schema.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// List returns all registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns provider-facing tool definitions sorted by name.
// Sorted order keeps the definition list stable across calls so the
// provider's prefix cache is not invalidated by map iteration order.
func (r *ToolRegistry) Definitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToolToSchema(r.entries[name].tool))
	}
	return defs
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
