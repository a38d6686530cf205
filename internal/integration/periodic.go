package integration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
)

// SyncConfig controls how often the background task synchronizes. Each
// wait is Interval plus a random share of MaxJitter.
type SyncConfig struct {
	Interval  time.Duration `koanf:"interval"`
	MaxJitter time.Duration `koanf:"max_jitter"`
}

// DefaultSyncConfig synchronizes every 12 to 24 hours.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:  12 * time.Hour,
		MaxJitter: 12 * time.Hour,
	}
}

func (c SyncConfig) next() time.Duration {
	if c.MaxJitter <= 0 {
		return c.Interval
	}
	return c.Interval + time.Duration(rand.Int63n(int64(c.MaxJitter)))
}

type syncReply struct {
	result SyncResult
	err    error
}

// syncTask is the background task of one enabled integration. It is the
// only place passes run, so two passes of the same integration never
// overlap.
type syncTask struct {
	inst     *Instance
	cfg      SyncConfig
	cancel   context.CancelFunc
	requests chan chan syncReply
	done     chan struct{}
}

func newSyncTask(inst *Instance, cfg SyncConfig) *syncTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &syncTask{
		inst:     inst,
		cfg:      cfg,
		cancel:   cancel,
		requests: make(chan chan syncReply),
		done:     make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *syncTask) stop() { t.cancel() }

func (t *syncTask) run(ctx context.Context) {
	defer close(t.done)

	timer := time.NewTimer(t.cfg.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.inst.synchronize(ctx)
			timer.Reset(t.cfg.next())
		case reply := <-t.requests:
			res, err := t.inst.synchronize(ctx)
			reply <- syncReply{result: res, err: err}
		}
	}
}

// request asks the task for a pass and waits for its result.
func (t *syncTask) request(ctx context.Context) (SyncResult, error) {
	reply := make(chan syncReply, 1)
	select {
	case t.requests <- reply:
	case <-t.done:
		return SyncResult{}, ErrIntegrationDisabled
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-t.done:
		// A pass that disabled the integration replies before the task
		// exits.
		select {
		case r := <-reply:
			return r.result, r.err
		default:
		}
		return SyncResult{}, ErrIntegrationDisabled
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

// Synchronize runs a pass on the background task and returns its result.
// Without a running task it fails with ErrIntegrationDisabled.
func (i *Instance) Synchronize(ctx context.Context) (SyncResult, error) {
	i.mu.Lock()
	task := i.task
	i.mu.Unlock()

	if task == nil {
		return SyncResult{}, ErrIntegrationDisabled
	}
	return task.request(ctx)
}

// synchronize is one pass: validate, and reconcile if the config is still
// usable. A config that fails validation disables the integration.
func (i *Instance) synchronize(ctx context.Context) (SyncResult, error) {
	cfg := i.Config()
	kind := string(cfg.Kind)
	if !cfg.Enabled {
		i.logger.Error("integration: synchronize while disabled")
		return SyncResult{}, ErrIntegrationDisabled
	}

	community, err := i.deps.Configs.GetCommunity(ctx, cfg.CommunityID)
	if err != nil {
		metrics.SyncRuns.WithLabelValues(kind, "failed").Inc()
		return SyncResult{}, fmt.Errorf("integration: synchronize: community: %w", err)
	}

	if _, err := i.Validate(ctx, community); err != nil {
		metrics.SyncRuns.WithLabelValues(kind, "invalid").Inc()
		i.logger.Warn("integration: validation failed, disabling", zap.Error(err))
		i.disableInvalid(err)
		return SyncResult{}, err
	}

	res, err := i.reconcile(ctx, i.Config())
	if err != nil {
		metrics.SyncRuns.WithLabelValues(kind, "failed").Inc()
		i.logger.Error("integration: synchronize failed", zap.Error(err))
		return res, err
	}
	metrics.SyncRuns.WithLabelValues(kind, "ok").Inc()
	i.logger.Info("integration: synchronized",
		zap.Int("remote_bans", res.RemoteBans),
		zap.Int("local_bans", res.LocalBans),
		zap.Int("removed", res.Removed),
		zap.Int("expired", res.Expired),
		zap.Int("foreign", res.Foreign),
		zap.Int("linked", res.Linked),
	)
	return res, nil
}

// disableInvalid tells the community why its integration is being turned
// off and disables it. It runs on the background task, which Disable
// cancels but never waits for.
func (i *Instance) disableInvalid(cause error) {
	ctx := context.Background()
	cfg := i.Config()

	var verr *ValidationError
	description := "During validation we ran into an unexpected issue. " +
		"Please reach out to Barricade staff if this keeps reoccurring."
	if errors.As(cause, &verr) {
		description = "During validation we ran into the following issue: " + verr.Reason
	}
	if err := i.deps.Notifier.NotifyCommunity(ctx, cfg.CommunityID, SeverityError,
		fmt.Sprintf("Your %s integration was disabled!", cfg.Kind.DisplayName()), description,
	); err != nil {
		i.logger.Warn("integration: notify failed", zap.Error(err))
	}
	if err := i.Disable(ctx); err != nil && !errors.Is(err, ErrAlreadyDisabled) {
		i.logger.Error("integration: disable after failed validation", zap.Error(err))
	}
}
