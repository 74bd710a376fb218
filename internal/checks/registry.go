package checks

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"repolizer/internal/data"
)

// Registry maps (category, name) to a Definition. Checks within a category
// keep their registration order. It is safe for concurrent use, but is
// normally populated once at startup and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Definition
	order map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]Definition),
		order: make(map[string][]string),
	}
}

// Add validates and adds def.
func (r *Registry) Add(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	def.Category = strings.TrimSpace(def.Category)
	if def.Name == "" || def.Category == "" {
		return errors.New("check definition requires a name and a category")
	}
	if def.Check == nil {
		return fmt.Errorf("check %s has no implementation", def.Key())
	}
	switch def.Locality {
	case "":
		def.Locality = data.LocalityLocal
	case data.LocalityLocal, data.LocalityRemote:
	default:
		return fmt.Errorf("check %s has unknown locality %q", def.Key(), def.Locality)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := def.Key()
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("check %s already registered", key)
	}
	r.byKey[key] = def
	r.order[def.Category] = append(r.order[def.Category], def.Name)
	return nil
}

// Categories returns every category in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for c := range r.order {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ChecksIn returns the checks of category in registration order.
func (r *Registry) ChecksIn(category string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.order[category]
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		out = append(out, r.byKey[category+"/"+n])
	}
	return out
}

// Lookup returns the check registered under (category, name).
func (r *Registry) Lookup(category, name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byKey[category+"/"+name]
	return def, ok
}

// All returns every check, category then registration order.
func (r *Registry) All() []Definition {
	var out []Definition
	for _, c := range r.Categories() {
		out = append(out, r.ChecksIn(c)...)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Select filters All by category and by check name. An empty filter matches
// everything. Names match either the bare check name or "category/name".
func (r *Registry) Select(categories, names []string) []Definition {
	var out []Definition
	for _, def := range r.All() {
		if len(categories) > 0 && !slices.Contains(categories, def.Category) {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, def.Name) && !slices.Contains(names, def.Key()) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Split partitions defs into local and remote checks, keeping order.
func Split(defs []Definition) (local, remote []Definition) {
	for _, d := range defs {
		if d.Local() {
			local = append(local, d)
		} else {
			remote = append(remote, d)
		}
	}
	return local, remote
}
