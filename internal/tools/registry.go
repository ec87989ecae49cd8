package tools

import (
	"sort"
	"sync"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Registry is a thread-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	kind  Kind
	tools map[string]Tool
}

// NewRegistry creates an empty Registry whose tools report the given kind.
func NewRegistry(kind Kind) *Registry {
	return &Registry{
		kind:  kind,
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Duplicate and reserved names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if name == EmitEventTool {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool name %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Kind:        r.kind,
			Description: t.Schema().Description,
			Available:   IsAvailable(t),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
