package integration

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
)

// Alerter handles "these players just joined" signals coming from a
// backend connection: it keeps the players that have reports and alerts
// the owning community about them.
type Alerter struct {
	Reports  ReportChecker
	Throttle AlertThrottle // optional
	Notifier Notifier
	Logger   *zap.Logger
}

// ScanPlayers alerts communityID about every player of playerIDs with a
// report. Players alerted recently are left out when a throttle is set.
func (a *Alerter) ScanPlayers(ctx context.Context, communityID int64, playerIDs []string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	reported, err := a.Reports.ReportedPlayers(ctx, playerIDs)
	if err != nil {
		return fmt.Errorf("integration: scan players: %w", err)
	}

	if a.Throttle != nil {
		allowed := reported[:0:0]
		for _, id := range reported {
			ok, err := a.Throttle.Allow(ctx, strconv.FormatInt(communityID, 10)+":"+id)
			if err != nil && a.Logger != nil {
				a.Logger.Warn("integration: alert throttle", zap.Error(err))
			}
			if ok {
				allowed = append(allowed, id)
			}
		}
		reported = allowed
	}
	if len(reported) == 0 {
		return nil
	}

	if err := a.Notifier.AlertPlayersPossiblyDangerous(ctx, communityID, reported); err != nil {
		return fmt.Errorf("integration: alert players: %w", err)
	}
	metrics.AlertsSent.Inc()
	return nil
}
