package community

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/barricade/ban-sync/internal/integration"
)

// MemoryStore keeps communities and configs in process memory. It is used
// when no database is configured and in tests.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	communities map[int64]integration.Community
	configs     map[int64]integration.Config
}

var _ integration.ConfigStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		communities: make(map[int64]integration.Community),
		configs:     make(map[int64]integration.Config),
	}
}

func (m *MemoryStore) CreateCommunity(_ context.Context, c integration.Community) (integration.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.communities[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCommunity(_ context.Context, communityID int64) (integration.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[communityID]
	if !ok {
		return c, fmt.Errorf("%w: community %d", ErrNotFound, communityID)
	}
	return c, nil
}

func (m *MemoryStore) CreateConfig(_ context.Context, cfg integration.Config) (integration.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cfg.ID = m.nextID
	m.configs[cfg.ID] = cfg
	return cfg, nil
}

func (m *MemoryStore) UpdateConfig(_ context.Context, cfg integration.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.configs[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: config %d", ErrNotFound, cfg.ID)
	}
	cfg.CommunityID = cur.CommunityID
	cfg.Kind = cur.Kind
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *MemoryStore) ListConfigs(context.Context) ([]integration.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]integration.Config, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
