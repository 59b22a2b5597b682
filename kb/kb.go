package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

var (
	// ErrBodyExists indicates a body with the same ID was already registered.
	ErrBodyExists = errors.New("body already exists")
	// ErrBodyNotFound indicates a requested body was not registered.
	ErrBodyNotFound = errors.New("body not found")
	// ErrBodyInvalid indicates a body definition failed validation.
	ErrBodyInvalid = errors.New("invalid body")
)

// Registry is an in-memory, thread-safe store of body definitions. It
// remembers discovery order: the first registered body has Index 0.
type Registry struct {
	mu sync.RWMutex

	bodies map[string]*model.BodyDefinition
	order  []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bodies: make(map[string]*model.BodyDefinition),
	}
}

// AddBody registers a body and assigns its discovery index.
func (r *Registry) AddBody(def model.BodyDefinition) (*model.BodyDefinition, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrBodyInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bodies[def.ID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrBodyExists, def.ID)
	}
	stored := def
	stored.Index = len(r.order)
	r.bodies[def.ID] = &stored
	r.order = append(r.order, def.ID)
	return &stored, nil
}

// GetBody returns a copy of the body with the given ID.
func (r *Registry) GetBody(id string) (model.BodyDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bodies[id]
	if !ok {
		return model.BodyDefinition{}, fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	return *b, nil
}

// ListBodies returns a snapshot of all bodies in discovery order.
func (r *Registry) ListBodies() []model.BodyDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.BodyDefinition, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, *r.bodies[id])
	}
	return res
}

// IDs returns body identifiers in discovery order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered bodies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
