package ban

import (
	"context"
	"sort"
	"sync"
	"time"
)

type banKey struct {
	integrationID int64
	playerID      string
}

// Response is a community's recorded decision on a reported player, as
// tracked by MemoryStore.
type Response struct {
	PlayerReportID int64
	PlayerID       string
	CommunityID    int64
	Banned         bool
}

// MemoryStore keeps bans and report responses in process memory. It is used
// when no database is configured and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	bans      map[banKey]PlayerBan
	responses []Response
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bans: make(map[banKey]PlayerBan),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, integrationID int64, playerID string) (*PlayerBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bans[banKey{integrationID, playerID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) Create(_ context.Context, b PlayerBan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := banKey{b.IntegrationID, b.PlayerID}
	if _, ok := m.bans[k]; ok {
		return ErrExists
	}
	b.CreatedAt = m.now()
	m.bans[k] = b
	return nil
}

func (m *MemoryStore) BulkCreate(_ context.Context, bans []PlayerBan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bans {
		b.CreatedAt = m.now()
		m.bans[banKey{b.IntegrationID, b.PlayerID}] = b
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, integrationID int64, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, banKey{integrationID, playerID})
	return nil
}

func (m *MemoryStore) BulkDelete(_ context.Context, integrationID int64, playerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range playerIDs {
		delete(m.bans, banKey{integrationID, id})
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, integrationID int64) ([]PlayerBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bans []PlayerBan
	for k, b := range m.bans {
		if k.integrationID == integrationID {
			bans = append(bans, b)
		}
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].PlayerID < bans[j].PlayerID })
	return bans, nil
}

// AddResponse records a community decision so ExpireBansOfPlayer has
// something to flip.
func (m *MemoryStore) AddResponse(r Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
}

// Responses returns a copy of the recorded decisions.
func (m *MemoryStore) Responses() []Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Response(nil), m.responses...)
}

func (m *MemoryStore) ExpireBansOfPlayer(_ context.Context, playerID string, communityID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for i, r := range m.responses {
		if r.Banned && r.PlayerID == playerID && r.CommunityID == communityID {
			m.responses[i].Banned = false
			ids = append(ids, r.PlayerReportID)
		}
	}
	return ids, nil
}

// RemoveResponses drops every decision on playerID, as deleting the reports
// against them would.
func (m *MemoryStore) RemoveResponses(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.responses[:0]
	for _, r := range m.responses {
		if r.PlayerID != playerID {
			kept = append(kept, r)
		}
	}
	m.responses = kept
}

func (m *MemoryStore) HasBannedResponse(_ context.Context, playerID string, communityID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.responses {
		if r.Banned && r.PlayerID == playerID && r.CommunityID == communityID {
			return true, nil
		}
	}
	return false, nil
}
