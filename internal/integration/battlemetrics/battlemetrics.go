// Package battlemetrics is the backend for Battlemetrics ban lists. Bans
// are managed over the REST API; the realtime websocket is used to learn
// about players joining the organization's servers.
package battlemetrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/protocol"
	"github.com/barricade/ban-sync/internal/rest"
	"github.com/barricade/ban-sync/internal/rpc"
	"github.com/barricade/ban-sync/internal/ws"
)

// Production endpoints.
const (
	DefaultAPIURL        = "https://api.battlemetrics.com"
	DefaultWebsocketURL  = "wss://ws.battlemetrics.com"
	DefaultIntrospectURL = "https://www.battlemetrics.com/oauth/introspect"
)

// ServerCachePrefix is the Redis key prefix of cached organization server
// ids, followed by the integration id.
const ServerCachePrefix = "bansync:bm:servers:"

// Config holds the endpoints, tunable for tests and proxies.
type Config struct {
	APIURL         string        `koanf:"api_url"`
	WebsocketURL   string        `koanf:"websocket_url"`
	IntrospectURL  string        `koanf:"introspect_url"`
	ServerCacheTTL time.Duration `koanf:"server_cache_ttl"`
}

func DefaultConfig() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		WebsocketURL:   DefaultWebsocketURL,
		IntrospectURL:  DefaultIntrospectURL,
		ServerCacheTTL: 24 * time.Hour,
	}
}

// Options are shared by every Battlemetrics backend of the process.
type Options struct {
	Config
	REST      *rest.Client // unauthenticated base client; tokens are added per integration
	Transport ws.Config    // name, URL and token are filled in per integration
	RPC       rpc.Config
	Redis     *redis.Client // optional server id cache
	Alerter   *integration.Alerter
	Logger    *zap.Logger
}

// Backend is one integration's view of Battlemetrics.
type Backend struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	transport *ws.Transport
	client    *rpc.Client

	// in-process server id cache, used without Redis
	serversMu  sync.Mutex
	servers    []string
	serversExp time.Time
}

var (
	_ integration.Backend       = (*Backend)(nil)
	_ integration.Connector     = (*Backend)(nil)
	_ integration.Reconcilable  = (*Backend)(nil)
	_ integration.ProfileLinker = (*Backend)(nil)
)

func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.REST == nil {
		opts.REST = rest.New(opts.APIURL, rest.DefaultConfig(), opts.Logger)
	}
	if opts.ServerCacheTTL <= 0 {
		opts.ServerCacheTTL = 24 * time.Hour
	}
	return &Backend{opts: opts, logger: opts.Logger, now: time.Now}
}

func (b *Backend) Kind() integration.Kind { return integration.KindBattlemetrics }

func (b *Backend) api(cfg integration.Config) *rest.Client {
	return b.opts.REST.WithToken(cfg.APIKey)
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// websocketURL subscribes to the audit log under a fresh id per start.
func (b *Backend) websocketURL() string {
	return b.opts.WebsocketURL + "?audit_log=id=" + uuid.NewString()
}

func (b *Backend) Start(cfg integration.Config, onRejected func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport != nil {
		return
	}

	tc := b.opts.Transport
	tc.Name = fmt.Sprintf("battlemetrics-%d", cfg.ID)
	tc.URL = b.websocketURL()
	tc.Token = cfg.APIKey
	logger := b.logger.With(zap.Int64("integration_id", cfg.ID))

	var client *rpc.Client
	tr := ws.NewTransport(tc, ws.Hooks{
		OnMessage:  func(ctx context.Context, data []byte) { client.HandleMessage(ctx, data) },
		OnConnect:  func(ctx context.Context) error { return b.setup(ctx, client, cfg) },
		OnRejected: onRejected,
	}, logger)
	client = rpc.NewClient(tr, protocol.PacketCodec{}, b.opts.RPC, logger)
	client.Register(protocol.PacketServerUpdate, b.serverUpdate(cfg.CommunityID))
	client.Register(protocol.PacketActivity, func(context.Context, json.RawMessage) (any, error) {
		// carries no player identifiers
		return nil, nil
	})

	b.transport, b.client = tr, client
	tr.Start()
}

func (b *Backend) Stop() {
	b.mu.Lock()
	tr := b.transport
	b.transport, b.client = nil, nil
	b.mu.Unlock()

	if tr != nil {
		tr.Stop()
	}
}

func (b *Backend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil && b.transport.IsStarted()
}

func (b *Backend) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport == nil {
		return ws.StateDisconnected.String()
	}
	return b.transport.State().String()
}

// setup authorizes the fresh connection and joins the update channel of
// every organization server.
func (b *Backend) setup(ctx context.Context, client *rpc.Client, cfg integration.Config) error {
	if _, err := client.Execute(ctx, protocol.PacketAuth, cfg.APIKey); err != nil {
		return fmt.Errorf("battlemetrics: auth: %w", err)
	}
	b.logger.Info("battlemetrics: websocket authorized", zap.Int64("integration_id", cfg.ID))

	ids, err := b.serverIDs(ctx, cfg)
	if err != nil {
		return err
	}
	channels := make([]string, len(ids))
	for i, id := range ids {
		channels[i] = "server:updates:" + id
	}
	if _, err := client.Execute(ctx, protocol.PacketJoin, channels); err != nil {
		return fmt.Errorf("battlemetrics: join: %w", err)
	}
	return nil
}

// serverIDs returns the organization's server ids, cached for
// ServerCacheTTL in Redis or, without Redis, in memory.
func (b *Backend) serverIDs(ctx context.Context, cfg integration.Config) ([]string, error) {
	if b.opts.Redis != nil {
		key := fmt.Sprintf("%s%d", ServerCachePrefix, cfg.ID)
		data, err := b.opts.Redis.Get(ctx, key).Bytes()
		if err == nil {
			var ids []string
			if err := json.Unmarshal(data, &ids); err == nil {
				return ids, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			b.logger.Warn("battlemetrics: server cache read failed", zap.Error(err))
		}

		ids, err := b.fetchServerIDs(ctx, cfg)
		if err != nil {
			return nil, err
		}
		data, _ = json.Marshal(ids)
		if err := b.opts.Redis.Set(ctx, key, data, b.opts.ServerCacheTTL).Err(); err != nil {
			b.logger.Warn("battlemetrics: server cache write failed", zap.Error(err))
		}
		return ids, nil
	}

	b.serversMu.Lock()
	defer b.serversMu.Unlock()
	if b.servers != nil && b.now().Before(b.serversExp) {
		return b.servers, nil
	}
	ids, err := b.fetchServerIDs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.servers, b.serversExp = ids, b.now().Add(b.opts.ServerCacheTTL)
	return ids, nil
}

type serverUpdatePayload struct {
	Players []struct {
		Action      string            `json:"action"`
		Identifiers []json.RawMessage `json:"identifiers"`
	} `json:"players"`
}

// serverUpdate alerts the community about reported players that just
// joined one of its servers.
func (b *Backend) serverUpdate(communityID int64) rpc.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var upd serverUpdatePayload
		if err := json.Unmarshal(raw, &upd); err != nil {
			return nil, fmt.Errorf("battlemetrics: server update: %w", err)
		}
		var joined []string
		for _, p := range upd.Players {
			if p.Action != "add" {
				continue
			}
			if id, _ := playerIdentifier(p.Identifiers); id != "" {
				joined = append(joined, id)
			}
		}
		if len(joined) == 0 || b.opts.Alerter == nil {
			return nil, nil
		}
		return nil, b.opts.Alerter.ScanPlayers(ctx, communityID, joined)
	}
}
