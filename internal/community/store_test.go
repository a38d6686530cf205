package community

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barricade/ban-sync/internal/database"
	"github.com/barricade/ban-sync/internal/integration"
)

type configStore interface {
	integration.ConfigStore
	CreateCommunity(context.Context, integration.Community) (integration.Community, error)
}

func stores(t *testing.T) map[string]configStore {
	out := map[string]configStore{"memory": NewMemoryStore()}

	dsn := os.Getenv("BANSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		return out
	}
	cfg := database.DefaultConfig()
	cfg.DSN = dsn
	db, err := database.Open(context.Background(), cfg)
	if err != nil {
		t.Logf("postgres not available: %v", err)
		return out
	}
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })
	out["postgres"] = NewStore(db)
	return out
}

func TestConfigRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			c, err := s.CreateCommunity(ctx, integration.Community{Name: "Alpha", Tag: "[A]", ContactURL: "https://a.gg"})
			require.NoError(t, err)
			require.NotZero(t, c.ID)

			got, err := s.GetCommunity(ctx, c.ID)
			require.NoError(t, err)
			require.Equal(t, c, got)

			cfg, err := s.CreateConfig(ctx, integration.Config{
				CommunityID: c.ID,
				Kind:        integration.KindCRCON,
				APIKey:      "key",
				APIURL:      "https://rcon.example.com",
			})
			require.NoError(t, err)
			require.NotZero(t, cfg.ID)

			cfg.Enabled = true
			cfg.BanListID = "12"
			require.NoError(t, s.UpdateConfig(ctx, cfg))

			all, err := s.ListConfigs(ctx)
			require.NoError(t, err)
			var found *integration.Config
			for i := range all {
				if all[i].ID == cfg.ID {
					found = &all[i]
				}
			}
			require.NotNil(t, found)
			require.Equal(t, cfg, *found)
		})
	}
}

func TestUnknownIDs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetCommunity(ctx, 987654321)
			require.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateConfig(ctx, integration.Config{ID: 987654321})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
