package processing

import (
	"slices"
	"sync"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// Processing type names
const (
	TypeImage    = "IMAGE"
	TypeDocument = "DOCUMENT"
)

// Registry maps processing type names to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]domain.Strategy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]domain.Strategy)}
}

// NewDefaultRegistry creates a registry with the built-in IMAGE and DOCUMENT strategies
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeImage, NewImageStrategy(DefaultImageVariants))
	r.Register(TypeDocument, NewDocumentStrategy())
	return r
}

// Register adds or replaces the strategy for name
func (r *Registry) Register(name string, s domain.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Lookup returns the strategy registered for name
func (r *Registry) Lookup(name string) (domain.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns all registered type names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
