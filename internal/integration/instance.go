package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
)

// Deps are the collaborators shared by every integration instance.
type Deps struct {
	Bans     BanStore
	Configs  ConfigStore
	Notifier Notifier
	Sync     SyncConfig
	Logger   *zap.Logger
}

// Instance is the Integration implementation for every backend kind. It
// owns the config, the lifecycle and the background synchronization task,
// and delegates remote calls to its Backend.
type Instance struct {
	backend Backend
	deps    Deps
	logger  *zap.Logger

	mu   sync.Mutex
	cfg  Config
	task *syncTask
}

var _ Integration = (*Instance)(nil)

// New creates an instance for cfg. cfg.Kind must match the backend.
func New(cfg Config, backend Backend, deps Deps) *Instance {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sync == (SyncConfig{}) {
		deps.Sync = DefaultSyncConfig()
	}
	cfg.Kind = backend.Kind()
	return &Instance{
		backend: backend,
		deps:    deps,
		logger:  loggerFor(deps.Logger, cfg),
		cfg:     cfg,
	}
}

func loggerFor(l *zap.Logger, cfg Config) *zap.Logger {
	return l.With(
		zap.Int64("integration_id", cfg.ID),
		zap.Int64("community_id", cfg.CommunityID),
		zap.String("kind", string(cfg.Kind)),
	)
}

// Config returns a copy of the current config.
func (i *Instance) Config() Config {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cfg
}

// ConnectionState reports the state of the backend connection, or an
// empty string for backends without one.
func (i *Instance) ConnectionState() string {
	if c, ok := i.backend.(Connector); ok {
		return c.State()
	}
	return ""
}

// Running reports whether the background task is active.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.task != nil
}

func (i *Instance) String() string {
	cfg := i.Config()
	return fmt.Sprintf("%s[id=%d]", cfg.Kind, cfg.ID)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Create persists a new, disabled config.
func (i *Instance) Create(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cfg.Saved() {
		return fmt.Errorf("integration: create: config %d already saved", i.cfg.ID)
	}
	cfg := i.cfg
	cfg.Enabled = false
	saved, err := i.deps.Configs.CreateConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("integration: create: %w", err)
	}
	i.cfg = saved
	i.logger = loggerFor(i.deps.Logger, saved)
	i.logger.Info("integration: created")
	return nil
}

// Enable persists the enabled flag, then opens the connection and starts
// the background task. The flag is rolled back if persisting fails.
func (i *Instance) Enable(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cfg.Saved() {
		return ErrNotSaved
	}
	if i.cfg.Enabled {
		return ErrAlreadyEnabled
	}

	i.cfg.Enabled = true
	if err := i.deps.Configs.UpdateConfig(ctx, i.cfg); err != nil {
		i.cfg.Enabled = false
		return fmt.Errorf("integration: enable: %w", err)
	}
	i.startLocked()
	i.logger.Info("integration: enabled")
	return nil
}

// Disable persists the disabled flag, then stops the background task and
// closes the connection. It does not wait for a running pass to finish.
func (i *Instance) Disable(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cfg.Saved() {
		return ErrNotSaved
	}
	if !i.cfg.Enabled {
		return ErrAlreadyDisabled
	}

	i.cfg.Enabled = false
	if err := i.deps.Configs.UpdateConfig(ctx, i.cfg); err != nil {
		i.cfg.Enabled = true
		return fmt.Errorf("integration: disable: %w", err)
	}
	i.stopLocked()
	i.logger.Info("integration: disabled")
	return nil
}

// Update replaces the credentials and remote settings of the config. The
// id, owner, kind and enabled flag are kept. A running connection is
// restarted with the new settings.
func (i *Instance) Update(ctx context.Context, cfg Config) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cfg.Saved() {
		return ErrNotSaved
	}
	cfg.ID = i.cfg.ID
	cfg.CommunityID = i.cfg.CommunityID
	cfg.Kind = i.cfg.Kind
	cfg.Enabled = i.cfg.Enabled

	if err := i.deps.Configs.UpdateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("integration: update: %w", err)
	}
	i.cfg = cfg

	if c, ok := i.backend.(Connector); ok && i.task != nil {
		c.Stop()
		c.Start(cfg, i.onRejected)
	}
	i.logger.Info("integration: updated")
	return nil
}

// Start resumes an integration that was stored as enabled, without
// persisting anything. It is used when loading configs at process start.
func (i *Instance) Start(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cfg.Saved() {
		return ErrNotSaved
	}
	if !i.cfg.Enabled {
		return ErrIntegrationDisabled
	}
	if i.task != nil {
		return nil
	}
	i.startLocked()
	i.logger.Info("integration: started")
	return nil
}

// Close stops the background task and the connection without touching the
// stored config, and waits for the task to exit.
func (i *Instance) Close() {
	i.mu.Lock()
	task := i.task
	i.stopLocked()
	i.mu.Unlock()

	if task != nil {
		<-task.done
	}
}

func (i *Instance) startLocked() {
	if c, ok := i.backend.(Connector); ok {
		c.Start(i.cfg, i.onRejected)
	}
	if i.task == nil {
		i.task = newSyncTask(i, i.deps.Sync)
		metrics.EnabledIntegrations.WithLabelValues(string(i.cfg.Kind)).Inc()
	}
}

func (i *Instance) stopLocked() {
	if i.task != nil {
		i.task.stop()
		i.task = nil
		metrics.EnabledIntegrations.WithLabelValues(string(i.cfg.Kind)).Dec()
	}
	if c, ok := i.backend.(Connector); ok {
		c.Stop()
	}
}

// onRejected is called by the connection when the remote refuses the
// credentials for good.
func (i *Instance) onRejected(err error) {
	ctx := context.Background()
	cfg := i.Config()
	i.logger.Error("integration: connection rejected, disabling", zap.Error(err))

	if nerr := i.deps.Notifier.NotifyCommunity(ctx, cfg.CommunityID, SeverityError,
		fmt.Sprintf("Your %s integration was disabled!", cfg.Kind.DisplayName()),
		"The remote refused the configured credentials: "+err.Error(),
	); nerr != nil {
		i.logger.Warn("integration: notify failed", zap.Error(nerr))
	}
	if derr := i.Disable(ctx); derr != nil && !errors.Is(derr, ErrAlreadyDisabled) {
		i.logger.Error("integration: disable after rejection failed", zap.Error(derr))
	}
}

// guard returns the current config if mutating operations are allowed.
// An enabled integration whose connection is unexpectedly not running is
// disabled on the way.
func (i *Instance) guard(ctx context.Context) (Config, error) {
	cfg := i.Config()
	if !cfg.Saved() {
		return cfg, ErrNotSaved
	}
	if !cfg.Enabled {
		return cfg, ErrIntegrationDisabled
	}
	if c, ok := i.backend.(Connector); ok && !c.Started() {
		i.logger.Warn("integration: connection not started, disabling")
		if err := i.Disable(ctx); err != nil && !errors.Is(err, ErrAlreadyDisabled) {
			i.logger.Error("integration: disable failed", zap.Error(err))
		}
		return cfg, ErrIntegrationDisabled
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the config against the remote for community. A ban list
// id created along the way is kept, and stored if the config is saved.
func (i *Instance) Validate(ctx context.Context, community Community) ([]string, error) {
	cfg := i.Config()
	if cfg.CommunityID != 0 && cfg.CommunityID != community.ID {
		return nil, Invalid("Communities do not match")
	}

	warnings, err := i.backend.Validate(ctx, &cfg, community)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if cfg.BanListID == i.cfg.BanListID && cfg.OrganizationID == i.cfg.OrganizationID {
		return warnings, nil
	}
	i.cfg.BanListID = cfg.BanListID
	i.cfg.OrganizationID = cfg.OrganizationID
	if i.cfg.Saved() {
		if err := i.deps.Configs.UpdateConfig(ctx, i.cfg); err != nil {
			return warnings, fmt.Errorf("integration: save ban list: %w", err)
		}
		i.logger.Info("integration: ban list updated", zap.String("ban_list_id", cfg.BanListID))
	}
	return warnings, nil
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// OnReportCreated forwards a new report to backends that want it. Other
// backends and disabled integrations ignore it.
func (i *Instance) OnReportCreated(ctx context.Context, report Report) error {
	r, ok := i.backend.(ReportReceiver)
	if !ok {
		return nil
	}
	cfg := i.Config()
	if !cfg.Saved() || !cfg.Enabled {
		return nil
	}
	if err := r.OnReportCreated(ctx, cfg, report); err != nil {
		return fmt.Errorf("integration: report %d: %w", report.ID, err)
	}
	return nil
}
