package definition

import (
	"sort"
	"strings"

	"github.com/goliatone/go-errors"
	stagemachine "github.com/goliatone/go-stagemachine"
)

// Registry stores named values referenced from definitions.
type Registry[V any] struct {
	kind       string
	items      map[string]V
	namespacer func(string, string) string
}

// ConditionRegistry resolves condition names used in definitions.
type ConditionRegistry = Registry[stagemachine.Condition]

// HookRegistry resolves hook names used in definitions.
type HookRegistry = Registry[stagemachine.Hook]

// NewConditionRegistry creates an empty condition registry.
func NewConditionRegistry() *ConditionRegistry {
	return newRegistry[stagemachine.Condition]("condition")
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return newRegistry[stagemachine.Hook]("hook")
}

func newRegistry[V any](kind string) *Registry[V] {
	return &Registry[V]{
		kind:       kind,
		items:      make(map[string]V),
		namespacer: defaultNamespace,
	}
}

// SetNamespacer customizes how names are namespaced.
func (r *Registry[V]) SetNamespacer(fn func(string, string) string) {
	if fn != nil {
		r.namespacer = fn
	}
}

// Register stores v under name.
func (r *Registry[V]) Register(name string, v V) error {
	return r.RegisterNamespaced("", name, v)
}

// RegisterNamespaced stores v under namespace+name.
func (r *Registry[V]) RegisterNamespaced(namespace, name string, v V) error {
	if strings.TrimSpace(name) == "" {
		return errors.New(r.kind+" name is required", errors.CategoryBadInput).
			WithTextCode("REGISTRY_NAME_REQUIRED")
	}
	if r.items == nil {
		r.items = make(map[string]V)
	}
	key := name
	if r.namespacer != nil {
		key = r.namespacer(namespace, name)
	}
	if _, exists := r.items[key]; exists {
		return errors.New(r.kind+" already registered", errors.CategoryConflict).
			WithTextCode("REGISTRY_DUPLICATE").
			WithMetadata(map[string]any{"name": key})
	}
	r.items[key] = v
	return nil
}

// Lookup retrieves a value by its full name.
func (r *Registry[V]) Lookup(name string) (V, bool) {
	var zero V
	if r == nil {
		return zero, false
	}
	v, ok := r.items[name]
	if !ok {
		return zero, false
	}
	return v, true
}

// Names returns sorted registered names.
func (r *Registry[V]) Names() []string {
	if r == nil || len(r.items) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultNamespace concatenates namespace and id using ::, trimming whitespace.
func defaultNamespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}
