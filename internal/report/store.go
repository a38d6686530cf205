// Package report answers whether players have been reported, for the
// alerts integrations raise when a reported player joins a server.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// Store looks reports up in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsReported reports whether any report names playerID.
func (s *Store) IsReported(ctx context.Context, playerID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM player_reports WHERE player_id = $1)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, playerID).Scan(&ok); err != nil {
		return false, fmt.Errorf("report: exists: %w", err)
	}
	return ok, nil
}

// ReportedPlayers returns the players of playerIDs that have at least one
// report, in input order.
func (s *Store) ReportedPlayers(ctx context.Context, playerIDs []string) ([]string, error) {
	if len(playerIDs) == 0 {
		return nil, nil
	}

	const query = `SELECT DISTINCT player_id FROM player_reports WHERE player_id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(playerIDs))
	if err != nil {
		return nil, fmt.Errorf("report: lookup: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("report: lookup scan: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: lookup rows: %w", err)
	}
	return keep(playerIDs, found), nil
}

// MemoryStore is a report lookup over a fixed set of players.
type MemoryStore struct {
	mu       sync.RWMutex
	reported map[string]bool
}

func NewMemoryStore(playerIDs ...string) *MemoryStore {
	m := &MemoryStore{reported: make(map[string]bool)}
	for _, id := range playerIDs {
		m.reported[id] = true
	}
	return m
}

// Add marks a player as reported.
func (m *MemoryStore) Add(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[playerID] = true
}

func (m *MemoryStore) ReportedPlayers(_ context.Context, playerIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keep(playerIDs, m.reported), nil
}

func keep(ids []string, set map[string]bool) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if set[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
