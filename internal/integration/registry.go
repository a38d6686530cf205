package integration

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the live integrations of the process, keyed by config id.
// It is created once at startup and passed to whatever needs to look an
// integration up.
type Registry struct {
	mu    sync.RWMutex
	items map[int64]Integration
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[int64]Integration)}
}

// Add registers in. An unsaved integration is rejected with ErrNotSaved and
// a second integration with the same id with ErrAlreadyRegistered.
func (r *Registry) Add(in Integration) error {
	id := in.Config().ID
	if id == 0 {
		return ErrNotSaved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	r.items[id] = in
	return nil
}

func (r *Registry) Get(id int64) (Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.items[id]
	return in, ok
}

// Remove unregisters and returns the integration with the given id.
func (r *Registry) Remove(id int64) (Integration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.items[id]
	delete(r.items, id)
	return in, ok
}

// All returns every registered integration ordered by id.
func (r *Registry) All() []Integration {
	r.mu.RLock()
	out := make([]Integration, 0, len(r.items))
	for _, in := range r.items {
		out = append(out, in)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Config().ID < out[j].Config().ID })
	return out
}

// ByCommunity returns the integrations owned by a community, ordered by id.
func (r *Registry) ByCommunity(communityID int64) []Integration {
	var out []Integration
	for _, in := range r.All() {
		if in.Config().CommunityID == communityID {
			out = append(out, in)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
