// Package ban stores the bans an integration has placed on a remote ban
// list. A PlayerBan links a player to the remote record that bans them:
//
//	player_bans(player_id, integration_id) -> remote_id
//
// At most one ban exists per (player, integration); Create reports a second
// one as ErrExists.
package ban

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrExists is returned when a ban for the same player and integration is
// already recorded.
var ErrExists = errors.New("ban: already exists")

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PlayerBan is one player banned through one integration.
type PlayerBan struct {
	PlayerID      string
	IntegrationID int64
	RemoteID      string
	CreatedAt     time.Time
}

// Store manages ban records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new ban store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the ban of playerID through integrationID, or nil when the
// player is not banned.
func (s *Store) Get(ctx context.Context, integrationID int64, playerID string) (*PlayerBan, error) {
	const query = `
		SELECT player_id, integration_id, remote_id, created_at
		FROM player_bans
		WHERE integration_id = $1 AND player_id = $2`

	var b PlayerBan
	err := s.db.QueryRowContext(ctx, query, integrationID, playerID).
		Scan(&b.PlayerID, &b.IntegrationID, &b.RemoteID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: get: %w", err)
	}
	return &b, nil
}

// Create inserts a single ban.
func (s *Store) Create(ctx context.Context, b PlayerBan) error {
	const query = `
		INSERT INTO player_bans (player_id, integration_id, remote_id)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, b.PlayerID, b.IntegrationID, b.RemoteID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("ban: insert: %w", err)
	}
	return nil
}

// BulkCreate upserts bans in one transaction. A ban recorded for the same
// player and integration gets its remote id replaced.
func (s *Store) BulkCreate(ctx context.Context, bans []PlayerBan) error {
	if len(bans) == 0 {
		return nil
	}

	const query = `
		INSERT INTO player_bans (player_id, integration_id, remote_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id, integration_id) DO UPDATE SET remote_id = EXCLUDED.remote_id`

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("ban: bulk insert prepare: %w", err)
		}
		defer stmt.Close()

		for _, b := range bans {
			if _, err := stmt.ExecContext(ctx, b.PlayerID, b.IntegrationID, b.RemoteID); err != nil {
				return fmt.Errorf("ban: bulk insert %s: %w", b.PlayerID, err)
			}
		}
		return nil
	})
}

// Delete removes the ban of playerID through integrationID. Deleting a ban
// that does not exist is not an error.
func (s *Store) Delete(ctx context.Context, integrationID int64, playerID string) error {
	const query = `DELETE FROM player_bans WHERE integration_id = $1 AND player_id = $2`

	if _, err := s.db.ExecContext(ctx, query, integrationID, playerID); err != nil {
		return fmt.Errorf("ban: delete: %w", err)
	}
	return nil
}

// BulkDelete removes the bans of all given players in one statement.
func (s *Store) BulkDelete(ctx context.Context, integrationID int64, playerIDs []string) error {
	if len(playerIDs) == 0 {
		return nil
	}

	const query = `DELETE FROM player_bans WHERE integration_id = $1 AND player_id = ANY($2)`

	if _, err := s.db.ExecContext(ctx, query, integrationID, pq.Array(playerIDs)); err != nil {
		return fmt.Errorf("ban: bulk delete: %w", err)
	}
	return nil
}

// List returns every ban recorded for the integration.
func (s *Store) List(ctx context.Context, integrationID int64) ([]PlayerBan, error) {
	const query = `
		SELECT player_id, integration_id, remote_id, created_at
		FROM player_bans
		WHERE integration_id = $1
		ORDER BY created_at, player_id`

	rows, err := s.db.QueryContext(ctx, query, integrationID)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	defer rows.Close()

	var bans []PlayerBan
	for rows.Next() {
		var b PlayerBan
		if err := rows.Scan(&b.PlayerID, &b.IntegrationID, &b.RemoteID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("ban: list scan: %w", err)
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ban: list rows: %w", err)
	}
	return bans, nil
}

// ExpireBansOfPlayer flips every "banned" response the community gave to a
// report against playerID back to "not banned", and returns the ids of the
// affected player reports.
func (s *Store) ExpireBansOfPlayer(ctx context.Context, playerID string, communityID int64) ([]int64, error) {
	const query = `
		UPDATE player_report_responses
		SET banned = false, reject_reason = NULL
		WHERE banned
		  AND community_id = $2
		  AND pr_id IN (SELECT id FROM player_reports WHERE player_id = $1)
		RETURNING pr_id`

	rows, err := s.db.QueryContext(ctx, query, playerID, communityID)
	if err != nil {
		return nil, fmt.Errorf("ban: expire responses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ban: expire responses scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ban: expire responses rows: %w", err)
	}
	return ids, nil
}

// HasBannedResponse reports whether the community still bans playerID
// through any report.
func (s *Store) HasBannedResponse(ctx context.Context, playerID string, communityID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM player_report_responses r
			JOIN player_reports pr ON pr.id = r.pr_id
			WHERE pr.player_id = $1 AND r.community_id = $2 AND r.banned
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, playerID, communityID).Scan(&ok); err != nil {
		return false, fmt.Errorf("ban: banned response: %w", err)
	}
	return ok, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ban: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ban: commit: %w", err)
	}
	return nil
}
