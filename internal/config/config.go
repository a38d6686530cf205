// Package config loads the process configuration. Values are layered:
// built-in defaults, then an optional TOML file, then environment variables
// prefixed with BANSYNC_. A double underscore in a variable name separates
// sections, so BANSYNC_POSTGRES__DSN sets postgres.dsn.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/barricade/ban-sync/internal/database"
	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/integration/battlemetrics"
	"github.com/barricade/ban-sync/internal/messaging"
	"github.com/barricade/ban-sync/internal/rest"
	"github.com/barricade/ban-sync/internal/rpc"
	"github.com/barricade/ban-sync/internal/ws"
)

// EnvPrefix starts every environment variable read by Load.
const EnvPrefix = "BANSYNC_"

// DefaultFile is read when Load is given no path.
const DefaultFile = "config.toml"

type Log struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Redis is optional; an empty Addr disables the report cache, the alert
// throttle and the shared server id cache.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type Admin struct {
	Addr string `koanf:"addr"`
}

// Config is the whole process configuration.
type Config struct {
	Log           Log                    `koanf:"log"`
	Postgres      database.Config        `koanf:"postgres"`
	Redis         Redis                  `koanf:"redis"`
	NATS          messaging.NATSConfig   `koanf:"nats"`
	Admin         Admin                  `koanf:"admin"`
	Sync          integration.SyncConfig `koanf:"sync"`
	RPC           rpc.Config             `koanf:"rpc"`
	Transport     ws.Config              `koanf:"transport"`
	REST          rest.Config            `koanf:"rest"`
	Battlemetrics battlemetrics.Config   `koanf:"battlemetrics"`
}

// Default returns the configuration used when nothing overrides it. An
// empty Postgres DSN keeps every record in memory.
func Default() Config {
	return Config{
		Log:           Log{Level: "info"},
		Postgres:      database.DefaultConfig(),
		NATS:          messaging.DefaultNATSConfig(),
		Admin:         Admin{Addr: ":8080"},
		Sync:          integration.DefaultSyncConfig(),
		RPC:           rpc.DefaultConfig(),
		Transport:     ws.DefaultConfig("", "", ""),
		REST:          rest.DefaultConfig(),
		Battlemetrics: battlemetrics.DefaultConfig(),
	}
}

// Load builds the configuration. A missing file at path is not an error;
// path defaults to DefaultFile.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFile
	}
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(source string) string {
		base := strings.ToLower(strings.TrimPrefix(source, EnvPrefix))
		return strings.ReplaceAll(base, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
