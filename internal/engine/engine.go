// Package engine wires stored integration configs to live integrations and
// routes report events to them.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/integration/battlemetrics"
	"github.com/barricade/ban-sync/internal/integration/crcon"
	"github.com/barricade/ban-sync/internal/integration/custom"
	"github.com/barricade/ban-sync/internal/messaging"
	"github.com/barricade/ban-sync/internal/rest"
	"github.com/barricade/ban-sync/internal/rpc"
	"github.com/barricade/ban-sync/internal/ws"
)

// fanOut bounds how many integrations handle one report event at a time.
const fanOut = 8

// Forgetter drops cached report lookups for players whose reports changed.
type Forgetter interface {
	Forget(ctx context.Context, playerIDs ...string) error
}

// ResponseChecker tells whether a community still bans a player through
// any report.
type ResponseChecker interface {
	HasBannedResponse(ctx context.Context, playerID string, communityID int64) (bool, error)
}

// Options are the collaborators shared by every integration.
type Options struct {
	Bans      integration.BanStore
	Configs   integration.ConfigStore
	Reports   integration.ReportChecker
	Responses ResponseChecker           // optional; without it a withdrawn decision always unbans
	Forget    Forgetter                 // optional
	Throttle  integration.AlertThrottle // optional
	Notifier  integration.Notifier
	Redis     *redis.Client // optional

	REST          *rest.Client
	Transport     ws.Config
	RPC           rpc.Config
	Battlemetrics battlemetrics.Config
	Sync          integration.SyncConfig
	Logger        *zap.Logger
}

// Engine owns the registry of live integrations.
type Engine struct {
	opts     Options
	registry *integration.Registry
	alerter  *integration.Alerter
	logger   *zap.Logger
}

var (
	_ messaging.ReportHandler   = (*Engine)(nil)
	_ messaging.ResponseHandler = (*Engine)(nil)
)

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.REST == nil {
		opts.REST = rest.New("", rest.DefaultConfig(), opts.Logger)
	}
	if opts.Battlemetrics == (battlemetrics.Config{}) {
		opts.Battlemetrics = battlemetrics.DefaultConfig()
	}
	if opts.Sync == (integration.SyncConfig{}) {
		opts.Sync = integration.DefaultSyncConfig()
	}
	return &Engine{
		opts:     opts,
		registry: integration.NewRegistry(),
		alerter: &integration.Alerter{
			Reports:  opts.Reports,
			Throttle: opts.Throttle,
			Notifier: opts.Notifier,
			Logger:   opts.Logger,
		},
		logger: opts.Logger,
	}
}

func (e *Engine) Registry() *integration.Registry { return e.registry }

// NewBackend returns a fresh backend of the given kind.
func (e *Engine) NewBackend(kind integration.Kind) (integration.Backend, error) {
	switch kind {
	case integration.KindCustom:
		return custom.New(custom.Options{
			Transport: e.opts.Transport,
			RPC:       e.opts.RPC,
			Alerter:   e.alerter,
			Logger:    e.logger,
		}), nil
	case integration.KindBattlemetrics:
		return battlemetrics.New(battlemetrics.Options{
			Config:    e.opts.Battlemetrics,
			REST:      e.opts.REST.WithBase(e.opts.Battlemetrics.APIURL),
			Transport: e.opts.Transport,
			RPC:       e.opts.RPC,
			Redis:     e.opts.Redis,
			Alerter:   e.alerter,
			Logger:    e.logger,
		}), nil
	case integration.KindCRCON:
		return crcon.New(e.opts.REST, e.logger), nil
	}
	return nil, fmt.Errorf("engine: unknown integration kind %q", kind)
}

// NewIntegration builds an unregistered integration for cfg.
func (e *Engine) NewIntegration(cfg integration.Config) (*integration.Instance, error) {
	backend, err := e.NewBackend(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return integration.New(cfg, backend, integration.Deps{
		Bans:     e.opts.Bans,
		Configs:  e.opts.Configs,
		Notifier: e.opts.Notifier,
		Sync:     e.opts.Sync,
		Logger:   e.logger,
	}), nil
}

// Load registers an integration for every stored config and starts the
// enabled ones. A config that cannot be built is logged and skipped.
func (e *Engine) Load(ctx context.Context) error {
	configs, err := e.opts.Configs.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("engine: load configs: %w", err)
	}

	started := 0
	for _, cfg := range configs {
		in, err := e.NewIntegration(cfg)
		if err != nil {
			e.logger.Error("engine: skipping config", zap.Int64("integration_id", cfg.ID), zap.Error(err))
			continue
		}
		if err := e.registry.Add(in); err != nil {
			e.logger.Error("engine: skipping config", zap.Int64("integration_id", cfg.ID), zap.Error(err))
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := in.Start(ctx); err != nil {
			e.logger.Error("engine: start failed", zap.Int64("integration_id", cfg.ID), zap.Error(err))
			continue
		}
		started++
	}
	e.logger.Info("engine: integrations loaded",
		zap.Int("total", e.registry.Len()),
		zap.Int("started", started),
	)
	return nil
}

// Close stops every integration.
func (e *Engine) Close() {
	var g errgroup.Group
	for _, in := range e.registry.All() {
		in := in
		g.Go(func() error {
			in.Close()
			return nil
		})
	}
	_ = g.Wait()
}

// ---------------------------------------------------------------------------
// Report events
// ---------------------------------------------------------------------------

func (e *Engine) OnReportCreated(ctx context.Context, report integration.Report) {
	e.forget(ctx, playerIDs(report))

	var g errgroup.Group
	g.SetLimit(fanOut)
	for _, in := range e.registry.All() {
		in := in
		g.Go(func() error {
			if err := in.OnReportCreated(ctx, report); err != nil {
				e.logger.Warn("engine: report forward failed",
					zap.Int64("report_id", report.ID),
					zap.Int64("integration_id", in.Config().ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// OnReportEdited unbans players the edit removed from the report, unless
// the banning community still bans them through another report.
func (e *Engine) OnReportEdited(ctx context.Context, ev messaging.ReportEdited) {
	current := playerIDs(ev.Report)
	e.forget(ctx, append(current, ev.PreviousPlayerIDs...))

	keep := make(map[string]bool, len(current))
	for _, id := range current {
		keep[id] = true
	}
	var detached []string
	for _, id := range ev.PreviousPlayerIDs {
		if !keep[id] {
			keep[id] = true
			detached = append(detached, id)
		}
	}
	e.unbanDetached(ctx, e.registry.All(), detached,
		"Integration failed to unban player after they were removed from a report!")
}

// OnReportDeleted unbans the report's players wherever no other report
// keeps them banned.
func (e *Engine) OnReportDeleted(ctx context.Context, ev messaging.ReportDeleted) {
	e.forget(ctx, ev.PlayerIDs)
	e.unbanDetached(ctx, e.registry.All(), ev.PlayerIDs,
		"Integration failed to unban player after a report was deleted!")
}

func (e *Engine) forget(ctx context.Context, ids []string) {
	if e.opts.Forget == nil || len(ids) == 0 {
		return
	}
	if err := e.opts.Forget.Forget(ctx, ids...); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("engine: report cache forget failed", zap.Error(err))
	}
}

func playerIDs(r integration.Report) []string {
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Players {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Ban decisions
// ---------------------------------------------------------------------------

// OnPlayerBanned bans the player through every enabled integration of the
// community that has not banned them yet. Failures are reported to the
// community.
func (e *Engine) OnPlayerBanned(ctx context.Context, ev messaging.PlayerBanned) {
	playerID := ev.Response.PlayerID
	e.each(e.registry.ByCommunity(ev.CommunityID), func(in integration.Integration) {
		cfg := in.Config()
		if !cfg.Enabled {
			return
		}
		existing, err := e.opts.Bans.Get(ctx, cfg.ID, playerID)
		if err != nil {
			e.logger.Error("engine: ban lookup failed", zap.Int64("integration_id", cfg.ID), zap.Error(err))
			return
		}
		if existing != nil {
			return
		}

		err = in.BanPlayer(ctx, ev.Response)
		var already *integration.AlreadyBannedError
		if err == nil || errors.As(err, &already) {
			return
		}
		e.reportFailure(ctx, cfg, playerID, "Integration failed to ban player!", err)
	})
}

// OnPlayerUnbanned lifts the community's bans of the player unless another
// of its decisions still bans them.
func (e *Engine) OnPlayerUnbanned(ctx context.Context, ev messaging.PlayerUnbanned) {
	e.unbanDetached(ctx, e.registry.ByCommunity(ev.CommunityID), []string{ev.PlayerID},
		"Integration failed to unban player!")
}

// unbanDetached unbans every player of playerIDs through every integration
// in ins that holds a ban for them, as long as the owning community no
// longer has a decision banning them.
func (e *Engine) unbanDetached(ctx context.Context, ins []integration.Integration, playerIDs []string, title string) {
	if len(playerIDs) == 0 {
		return
	}
	e.each(ins, func(in integration.Integration) {
		cfg := in.Config()
		for _, playerID := range playerIDs {
			b, err := e.opts.Bans.Get(ctx, cfg.ID, playerID)
			if err != nil {
				e.logger.Error("engine: ban lookup failed", zap.Int64("integration_id", cfg.ID), zap.Error(err))
				continue
			}
			if b == nil {
				continue
			}
			if e.opts.Responses != nil {
				banned, err := e.opts.Responses.HasBannedResponse(ctx, playerID, cfg.CommunityID)
				if err != nil {
					e.logger.Error("engine: response lookup failed", zap.String("player_id", playerID), zap.Error(err))
					continue
				}
				if banned {
					continue
				}
			}
			if !cfg.Enabled {
				e.logger.Warn("engine: ban left in place on disabled integration",
					zap.Int64("integration_id", cfg.ID), zap.String("player_id", playerID))
				continue
			}

			err = in.UnbanPlayer(ctx, playerID)
			if err == nil || errors.Is(err, integration.ErrNotFound) {
				continue
			}
			e.reportFailure(ctx, cfg, playerID, title, err)
		}
	})
}

func (e *Engine) reportFailure(ctx context.Context, cfg integration.Config, playerID, title string, err error) {
	e.logger.Warn("engine: forwarding decision failed",
		zap.Int64("integration_id", cfg.ID),
		zap.String("player_id", playerID),
		zap.Error(err),
	)
	msg := fmt.Sprintf("Player ID: %s\nIntegration: %s (#%d)\nDetails: %s",
		playerID, cfg.Kind.DisplayName(), cfg.ID, err)
	if nerr := e.opts.Notifier.NotifyCommunity(ctx, cfg.CommunityID, integration.SeverityError, title, msg); nerr != nil {
		e.logger.Warn("engine: notify failed", zap.Error(nerr))
	}
}

// each runs fn for every integration of ins, fanOut at a time.
func (e *Engine) each(ins []integration.Integration, fn func(integration.Integration)) {
	var g errgroup.Group
	g.SetLimit(fanOut)
	for _, in := range ins {
		in := in
		g.Go(func() error {
			fn(in)
			return nil
		})
	}
	_ = g.Wait()
}
