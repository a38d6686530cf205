// Package community stores communities and the integration configs they
// own.
package community

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/barricade/ban-sync/internal/integration"
)

// ErrNotFound is returned for an unknown community or config id.
var ErrNotFound = errors.New("community: not found")

// Store manages communities and integration configs in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ integration.ConfigStore = (*Store)(nil)

// CreateCommunity inserts a community and returns it with its id set.
func (s *Store) CreateCommunity(ctx context.Context, c integration.Community) (integration.Community, error) {
	const query = `
		INSERT INTO communities (name, tag, contact_url)
		VALUES ($1, $2, $3)
		RETURNING id`

	if err := s.db.QueryRowContext(ctx, query, c.Name, c.Tag, c.ContactURL).Scan(&c.ID); err != nil {
		return c, fmt.Errorf("community: insert: %w", err)
	}
	return c, nil
}

func (s *Store) GetCommunity(ctx context.Context, communityID int64) (integration.Community, error) {
	const query = `SELECT id, name, tag, contact_url FROM communities WHERE id = $1`

	var c integration.Community
	err := s.db.QueryRowContext(ctx, query, communityID).Scan(&c.ID, &c.Name, &c.Tag, &c.ContactURL)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: community %d", ErrNotFound, communityID)
	}
	if err != nil {
		return c, fmt.Errorf("community: get: %w", err)
	}
	return c, nil
}

func (s *Store) CreateConfig(ctx context.Context, cfg integration.Config) (integration.Config, error) {
	const query = `
		INSERT INTO integrations (community_id, kind, enabled, api_key, api_url, banlist_id, organization_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		cfg.CommunityID, string(cfg.Kind), cfg.Enabled, cfg.APIKey, cfg.APIURL,
		nullString(cfg.BanListID), nullString(cfg.OrganizationID),
	).Scan(&cfg.ID)
	if err != nil {
		return cfg, fmt.Errorf("community: insert config: %w", err)
	}
	return cfg, nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg integration.Config) error {
	const query = `
		UPDATE integrations
		SET enabled = $2, api_key = $3, api_url = $4, banlist_id = $5, organization_id = $6, updated_at = now()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Enabled, cfg.APIKey, cfg.APIURL,
		nullString(cfg.BanListID), nullString(cfg.OrganizationID),
	)
	if err != nil {
		return fmt.Errorf("community: update config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: config %d", ErrNotFound, cfg.ID)
	}
	return nil
}

// ListConfigs returns every stored config ordered by id.
func (s *Store) ListConfigs(ctx context.Context) ([]integration.Config, error) {
	const query = `
		SELECT id, community_id, kind, enabled, api_key, api_url, banlist_id, organization_id
		FROM integrations
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("community: list configs: %w", err)
	}
	defer rows.Close()

	var out []integration.Config
	for rows.Next() {
		var (
			c                     integration.Config
			kind                  string
			banList, organization sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CommunityID, &kind, &c.Enabled, &c.APIKey, &c.APIURL, &banList, &organization); err != nil {
			return nil, fmt.Errorf("community: list configs scan: %w", err)
		}
		c.Kind = integration.Kind(kind)
		c.BanListID = banList.String
		c.OrganizationID = organization.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("community: list configs rows: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
