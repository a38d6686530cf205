package integration

import (
	"context"

	"github.com/barricade/ban-sync/internal/ban"
)

// BanStore persists the bans integrations place. Implemented by ban.Store
// and ban.MemoryStore.
type BanStore interface {
	Get(ctx context.Context, integrationID int64, playerID string) (*ban.PlayerBan, error)
	Create(ctx context.Context, b ban.PlayerBan) error
	BulkCreate(ctx context.Context, bans []ban.PlayerBan) error
	Delete(ctx context.Context, integrationID int64, playerID string) error
	BulkDelete(ctx context.Context, integrationID int64, playerIDs []string) error
	List(ctx context.Context, integrationID int64) ([]ban.PlayerBan, error)
	ExpireBansOfPlayer(ctx context.Context, playerID string, communityID int64) ([]int64, error)
}

// ConfigStore persists integration configs and resolves their owners.
type ConfigStore interface {
	// CreateConfig stores a new config and returns it with its id set.
	CreateConfig(ctx context.Context, cfg Config) (Config, error)
	UpdateConfig(ctx context.Context, cfg Config) error
	ListConfigs(ctx context.Context) ([]Config, error)
	GetCommunity(ctx context.Context, communityID int64) (Community, error)
}

// Notifier carries messages from integrations to the communities that own
// them.
type Notifier interface {
	NotifyCommunity(ctx context.Context, communityID int64, severity Severity, title, message string) error
	AlertPlayersPossiblyDangerous(ctx context.Context, communityID int64, playerIDs []string) error
}

// ReportChecker filters a list of players down to those with reports.
type ReportChecker interface {
	ReportedPlayers(ctx context.Context, playerIDs []string) ([]string, error)
}

// AlertThrottle suppresses repeated alerts for the same key.
type AlertThrottle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
