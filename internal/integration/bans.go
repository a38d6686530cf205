package integration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/ban"
	"github.com/barricade/ban-sync/internal/metrics"
)

// BanPlayer bans the player of resp on the remote ban list and records the
// ban locally. A player that already has a local ban is reported with
// *AlreadyBannedError and not banned again.
func (i *Instance) BanPlayer(ctx context.Context, resp Response) error {
	cfg, err := i.guard(ctx)
	if err != nil {
		return err
	}

	existing, err := i.deps.Bans.Get(ctx, cfg.ID, resp.PlayerID)
	if err != nil {
		return fmt.Errorf("integration: ban %s: %w", resp.PlayerID, err)
	}
	if existing != nil {
		return &AlreadyBannedError{PlayerID: resp.PlayerID}
	}

	remoteID, err := i.backend.AddBan(ctx, cfg, resp)
	if err != nil {
		i.countOp("ban", false)
		i.logger.Warn("integration: ban failed", zap.String("player_id", resp.PlayerID), zap.Error(err))
		return &BanError{PlayerID: resp.PlayerID, Err: err}
	}
	i.countOp("ban", true)

	err = i.deps.Bans.Create(ctx, ban.PlayerBan{
		PlayerID:      resp.PlayerID,
		IntegrationID: cfg.ID,
		RemoteID:      remoteID,
	})
	if errors.Is(err, ban.ErrExists) {
		// A concurrent ban won the race. Take ours back off the remote so
		// it does not linger unrecorded.
		if rerr := i.backend.RemoveBan(ctx, cfg, remoteID); rerr != nil {
			i.logger.Warn("integration: duplicate remote ban left in place",
				zap.String("player_id", resp.PlayerID), zap.String("remote_id", remoteID), zap.Error(rerr))
		} else {
			i.logger.Info("integration: duplicate remote ban removed",
				zap.String("player_id", resp.PlayerID), zap.String("remote_id", remoteID))
		}
		return &AlreadyBannedError{PlayerID: resp.PlayerID}
	}
	if err != nil {
		return fmt.Errorf("integration: record ban %s: %w", resp.PlayerID, err)
	}
	i.logger.Info("integration: player banned",
		zap.String("player_id", resp.PlayerID), zap.String("remote_id", remoteID))
	return nil
}

// UnbanPlayer lifts the remote ban of playerID and removes the local
// record. It returns an error wrapping ErrNotFound if the player has no
// local ban.
func (i *Instance) UnbanPlayer(ctx context.Context, playerID string) error {
	cfg, err := i.guard(ctx)
	if err != nil {
		return err
	}

	b, err := i.deps.Bans.Get(ctx, cfg.ID, playerID)
	if err != nil {
		return fmt.Errorf("integration: unban %s: %w", playerID, err)
	}
	if b == nil {
		return fmt.Errorf("%w: no ban for player %s", ErrNotFound, playerID)
	}

	if err := i.backend.RemoveBan(ctx, cfg, b.RemoteID); err != nil {
		i.countOp("unban", false)
		i.logger.Warn("integration: unban failed", zap.String("player_id", playerID), zap.Error(err))
		return &BanError{PlayerID: playerID, Err: err}
	}
	i.countOp("unban", true)

	if err := i.deps.Bans.Delete(ctx, cfg.ID, playerID); err != nil {
		return fmt.Errorf("integration: delete ban %s: %w", playerID, err)
	}
	i.logger.Info("integration: player unbanned",
		zap.String("player_id", playerID), zap.String("remote_id", b.RemoteID))
	return nil
}

// BulkBanPlayers bans every player of resps that is not banned yet. See
// bulk.go for the failure handling.
func (i *Instance) BulkBanPlayers(ctx context.Context, resps []Response) error {
	cfg, err := i.guard(ctx)
	if err != nil {
		return err
	}

	pending := make([]Response, 0, len(resps))
	seen := make(map[string]bool, len(resps))
	for _, r := range resps {
		if seen[r.PlayerID] {
			continue
		}
		seen[r.PlayerID] = true

		existing, err := i.deps.Bans.Get(ctx, cfg.ID, r.PlayerID)
		if err != nil {
			return fmt.Errorf("integration: bulk ban: %w", err)
		}
		if existing == nil {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	i.logger.Info("integration: bulk banning players", zap.Int("count", len(pending)))

	var res bulkResult
	if bb, ok := i.backend.(BatchBanner); ok {
		res = i.batchBan(ctx, cfg, bb, pending)
	} else {
		res = i.sequentialBan(ctx, cfg, pending)
	}

	if len(res.banned) > 0 {
		if err := i.deps.Bans.BulkCreate(ctx, res.banned); err != nil {
			return fmt.Errorf("integration: bulk ban: record bans: %w", err)
		}
	}
	return res.err()
}

// BulkUnbanPlayers unbans every player of playerIDs that has a local ban.
func (i *Instance) BulkUnbanPlayers(ctx context.Context, playerIDs []string) error {
	cfg, err := i.guard(ctx)
	if err != nil {
		return err
	}

	var pending []ban.PlayerBan
	seen := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		b, err := i.deps.Bans.Get(ctx, cfg.ID, id)
		if err != nil {
			return fmt.Errorf("integration: bulk unban: %w", err)
		}
		if b != nil {
			pending = append(pending, *b)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	i.logger.Info("integration: bulk unbanning players", zap.Int("count", len(pending)))

	var res bulkResult
	if bb, ok := i.backend.(BatchBanner); ok {
		res = i.batchUnban(ctx, cfg, bb, pending)
	} else {
		res = i.sequentialUnban(ctx, cfg, pending)
	}

	if len(res.unbanned) > 0 {
		if err := i.deps.Bans.BulkDelete(ctx, cfg.ID, res.unbanned); err != nil {
			return fmt.Errorf("integration: bulk unban: delete bans: %w", err)
		}
	}
	return res.err()
}

func (i *Instance) countOp(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	metrics.BanOperations.WithLabelValues(string(i.backend.Kind()), op, outcome).Inc()
}
