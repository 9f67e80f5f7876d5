package engine

import (
	"sort"
	"sync"

	"kunit/internal/fixed"
)

// DefaultPriority is assumed for specs registered with Priority zero.
const DefaultPriority = 50

// Registry holds keyword specs organised for prefix dispatch and name
// lookup. Specs register themselves during init in the models package;
// after startup the registry is only read.
type Registry struct {
	mu     sync.RWMutex
	specs  []*KeywordSpec
	byName map[string]*KeywordSpec
	sorted bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*KeywordSpec)}
}

// Global default registry.
var defaultRegistry = NewRegistry()

// Default returns the global registry instance.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a spec to the default registry.
// Called during init() in each model file.
func Register(s *KeywordSpec) {
	defaultRegistry.Register(s)
}

// Register adds a spec to the registry, normalizing every card to
// exactly eight slots and filling in the default priority.
func (r *Registry) Register(s *KeywordSpec) {
	for i, card := range s.Cards {
		s.Cards[i] = normalizeCard(card)
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, s)
	r.byName[s.Name] = s
	r.sorted = false
}

func normalizeCard(card []string) []string {
	if len(card) > fixed.NumFields {
		return card[:fixed.NumFields]
	}
	for len(card) < fixed.NumFields {
		card = append(card, "_")
	}
	return card
}

// Sort orders specs by priority, then name, so that dispatch and
// listings are deterministic. Safe to call repeatedly.
func (r *Registry) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sorted {
		return
	}
	sort.SliceStable(r.specs, func(i, j int) bool {
		if r.specs[i].Priority != r.specs[j].Priority {
			return r.specs[i].Priority < r.specs[j].Priority
		}
		return r.specs[i].Name < r.specs[j].Name
	})
	r.sorted = true
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (*KeywordSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns every registered spec in dispatch order.
func (r *Registry) All() []*KeywordSpec {
	r.Sort()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*KeywordSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Names returns the registered spec names in dispatch order.
func (r *Registry) Names() []string {
	specs := r.All()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
