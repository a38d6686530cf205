package integration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
)

// reconcile brings the local ban records and the remote ban list of one
// integration back in line, working from a single fetch of the remote list:
//
//   - a local ban whose remote ban is gone is deleted;
//   - a local ban whose remote ban expired is deleted, and the community's
//     "banned" responses for the player are withdrawn;
//   - an active remote ban without a local ban is expired remotely and the
//     community is told about it;
//   - remote bans not linked to a player profile are linked if the backend
//     supports it.
func (i *Instance) reconcile(ctx context.Context, cfg Config) (SyncResult, error) {
	var res SyncResult
	rb, ok := i.backend.(Reconcilable)
	if !ok {
		return res, nil
	}
	kind := string(cfg.Kind)

	remote, err := rb.FetchBans(ctx, cfg)
	if err != nil {
		return res, fmt.Errorf("integration: fetch remote bans: %w", err)
	}
	unmatched := make(map[string]RemoteBan, len(remote))
	for _, r := range remote {
		unmatched[r.RemoteID] = r
	}

	local, err := i.deps.Bans.List(ctx, cfg.ID)
	if err != nil {
		return res, fmt.Errorf("integration: list local bans: %w", err)
	}
	res.RemoteBans = len(remote)
	res.LocalBans = len(local)

	var stale []string
	for _, b := range local {
		r, ok := unmatched[b.RemoteID]
		if !ok {
			i.logger.Info("integration: remote ban gone, deleting local ban",
				zap.String("player_id", b.PlayerID), zap.String("remote_id", b.RemoteID))
			stale = append(stale, b.PlayerID)
			res.Removed++
			metrics.SyncCorrections.WithLabelValues(kind, "deleted").Inc()
			continue
		}
		delete(unmatched, b.RemoteID)

		if r.Expired {
			reports, err := i.deps.Bans.ExpireBansOfPlayer(ctx, b.PlayerID, cfg.CommunityID)
			if err != nil {
				return res, fmt.Errorf("integration: expire responses of %s: %w", b.PlayerID, err)
			}
			i.logger.Info("integration: remote ban expired, withdrawing responses",
				zap.String("player_id", b.PlayerID), zap.Int64s("player_reports", reports))
			stale = append(stale, b.PlayerID)
			res.Expired++
			metrics.SyncCorrections.WithLabelValues(kind, "downgraded").Inc()
		}
	}
	if err := i.deps.Bans.BulkDelete(ctx, cfg.ID, stale); err != nil {
		return res, fmt.Errorf("integration: delete stale bans: %w", err)
	}

	// Iterate the fetched slice rather than the map so foreign bans are
	// handled in remote order.
	for _, r := range remote {
		if _, ok := unmatched[r.RemoteID]; !ok || r.Expired {
			continue
		}
		i.logger.Warn("integration: unrecognized remote ban, expiring",
			zap.String("remote_id", r.RemoteID), zap.String("player_id", r.PlayerID))
		if err := rb.ExpireBan(ctx, cfg, r.RemoteID); err != nil {
			i.countOp("expire", false)
			i.logger.Error("integration: expire foreign ban failed", zap.String("remote_id", r.RemoteID), zap.Error(err))
			continue
		}
		i.countOp("expire", true)
		res.Foreign++
		metrics.SyncCorrections.WithLabelValues(kind, "expired_foreign").Inc()

		if err := i.deps.Notifier.NotifyCommunity(ctx, cfg.CommunityID, SeverityWarning,
			fmt.Sprintf("Found unrecognized ban on %s ban list!", cfg.Kind.DisplayName()),
			fmt.Sprintf("Your Barricade ban list contained an active ban (%s) that Barricade does not recognize. "+
				"Please do not put any of your own bans on this ban list.\n\n"+
				"The ban has been expired. If you wish to restore it, move it to a different ban list first. "+
				"If this is a Barricade ban, feel free to ignore this.", r.RemoteID),
		); err != nil {
			i.logger.Warn("integration: notify failed", zap.Error(err))
		}
	}

	if linker, ok := i.backend.(ProfileLinker); ok {
		var unlinked []RemoteBan
		for _, r := range remote {
			if !r.Linked && !r.Expired && r.PlayerID != "" {
				if _, foreign := unmatched[r.RemoteID]; !foreign {
					unlinked = append(unlinked, r)
				}
			}
		}
		if len(unlinked) > 0 {
			n, err := linker.LinkProfiles(ctx, cfg, unlinked)
			res.Linked = n
			metrics.SyncCorrections.WithLabelValues(kind, "linked").Add(float64(n))
			if err != nil {
				i.logger.Warn("integration: linking profiles failed", zap.Int("linked", n), zap.Error(err))
			}
		}
	}

	return res, nil
}
