package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(err)

	require.Equal("info", cfg.Log.Level)
	require.Equal(":8080", cfg.Admin.Addr)
	require.Empty(cfg.Postgres.DSN)
	require.Equal(10, cfg.Postgres.MaxOpenConns)
	require.Equal(12*time.Hour, cfg.Sync.Interval)
	require.Equal(10*time.Second, cfg.RPC.ResponseTimeout)
	require.Equal(30*time.Second, cfg.Transport.Heartbeat.Interval)
	require.Equal("https://api.battlemetrics.com", cfg.Battlemetrics.APIURL)
	require.Equal(-1, cfg.NATS.MaxReconnects)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[postgres]
dsn = "postgres://bansync@localhost/bansync"

[sync]
interval = "1h"

[transport.backoff]
ceiling = "1m"
`
	require.NoError(os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("postgres://bansync@localhost/bansync", cfg.Postgres.DSN)
	require.Equal(time.Hour, cfg.Sync.Interval)
	require.Equal(time.Minute, cfg.Transport.Backoff.Ceiling)
	require.Equal(12*time.Hour, cfg.Sync.MaxJitter)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(os.WriteFile(path, []byte("[redis]\naddr = \"file:6379\"\n"), 0o600))
	t.Setenv("BANSYNC_REDIS__ADDR", "env:6379")
	t.Setenv("BANSYNC_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("env:6379", cfg.Redis.Addr)
	require.Equal("debug", cfg.Log.Level)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[postgres\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
