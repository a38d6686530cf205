package integration

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/ban"
)

// Bulk operations run entry by entry and keep going after a failure. Only
// when the first breakerThreshold attempts of a call all fail is the rest
// of the call abandoned. Whatever succeeded is recorded in one store call,
// and the failed entries are reported in a *BulkBanError.
//
// Batch backends submit all entries in one request, then resubmit the
// entries that were not confirmed once if the backend reported a partial
// failure. Both requests feed the same breaker.
const breakerThreshold = 5

type breaker struct {
	attempted int
	succeeded bool
}

func (b *breaker) record(ok bool) {
	b.attempted++
	if ok {
		b.succeeded = true
	}
}

func (b *breaker) tripped() bool {
	return !b.succeeded && b.attempted >= breakerThreshold
}

type bulkResult struct {
	banned      []ban.PlayerBan
	unbanned    []string
	failed      []string
	unattempted []string
	aborted     bool
}

func (r bulkResult) err() error {
	if len(r.failed) == 0 && len(r.unattempted) == 0 {
		return nil
	}
	return &BulkBanError{
		Failed:      r.failed,
		Unattempted: r.unattempted,
		Aborted:     r.aborted,
	}
}

// ---------------------------------------------------------------------------
// Sequential
// ---------------------------------------------------------------------------

func (i *Instance) sequentialBan(ctx context.Context, cfg Config, pending []Response) bulkResult {
	var (
		res bulkResult
		br  breaker
	)
	for idx, r := range pending {
		if br.tripped() || ctx.Err() != nil {
			res.aborted = true
			for _, rest := range pending[idx:] {
				res.unattempted = append(res.unattempted, rest.PlayerID)
			}
			i.logger.Warn("integration: bulk ban aborted",
				zap.Int("failed", len(res.failed)), zap.Int("unattempted", len(res.unattempted)))
			break
		}

		remoteID, err := i.backend.AddBan(ctx, cfg, r)
		br.record(err == nil)
		i.countOp("ban", err == nil)
		if err != nil {
			i.logger.Warn("integration: bulk ban entry failed", zap.String("player_id", r.PlayerID), zap.Error(err))
			res.failed = append(res.failed, r.PlayerID)
			continue
		}
		res.banned = append(res.banned, ban.PlayerBan{
			PlayerID:      r.PlayerID,
			IntegrationID: cfg.ID,
			RemoteID:      remoteID,
		})
	}
	return res
}

func (i *Instance) sequentialUnban(ctx context.Context, cfg Config, pending []ban.PlayerBan) bulkResult {
	var (
		res bulkResult
		br  breaker
	)
	for idx, b := range pending {
		if br.tripped() || ctx.Err() != nil {
			res.aborted = true
			for _, rest := range pending[idx:] {
				res.unattempted = append(res.unattempted, rest.PlayerID)
			}
			i.logger.Warn("integration: bulk unban aborted",
				zap.Int("failed", len(res.failed)), zap.Int("unattempted", len(res.unattempted)))
			break
		}

		err := i.backend.RemoveBan(ctx, cfg, b.RemoteID)
		br.record(err == nil)
		i.countOp("unban", err == nil)
		if err != nil {
			i.logger.Warn("integration: bulk unban entry failed", zap.String("player_id", b.PlayerID), zap.Error(err))
			res.failed = append(res.failed, b.PlayerID)
			continue
		}
		res.unbanned = append(res.unbanned, b.PlayerID)
	}
	return res
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

func (i *Instance) batchBan(ctx context.Context, cfg Config, bb BatchBanner, pending []Response) bulkResult {
	var br breaker
	confirmed := make(map[string]string, len(pending))

	submit := func(entries []Response) error {
		ids, err := bb.AddBans(ctx, cfg, entries)
		for _, r := range entries {
			remoteID, ok := ids[r.PlayerID]
			br.record(ok)
			i.countOp("ban", ok)
			if ok {
				confirmed[r.PlayerID] = remoteID
			}
		}
		return err
	}

	err := submit(pending)
	res := bulkResult{}
	if errors.Is(err, ErrPartialBatch) {
		if br.tripped() {
			res.aborted = true
		} else {
			var missing []Response
			for _, r := range pending {
				if _, ok := confirmed[r.PlayerID]; !ok {
					missing = append(missing, r)
				}
			}
			i.logger.Info("integration: retrying partially failed batch", zap.Int("missing", len(missing)))
			err = submit(missing)
		}
	}
	if err != nil {
		i.logger.Warn("integration: batch ban failed", zap.Error(err))
	}

	for _, r := range pending {
		remoteID, ok := confirmed[r.PlayerID]
		if !ok {
			res.failed = append(res.failed, r.PlayerID)
			continue
		}
		res.banned = append(res.banned, ban.PlayerBan{
			PlayerID:      r.PlayerID,
			IntegrationID: cfg.ID,
			RemoteID:      remoteID,
		})
	}
	return res
}

func (i *Instance) batchUnban(ctx context.Context, cfg Config, bb BatchBanner, pending []ban.PlayerBan) bulkResult {
	var br breaker
	removed := make(map[string]bool, len(pending))

	submit := func(entries []ban.PlayerBan) error {
		remoteIDs := make([]string, len(entries))
		for n, b := range entries {
			remoteIDs[n] = b.RemoteID
		}
		ids, err := bb.RemoveBans(ctx, cfg, remoteIDs)
		got := make(map[string]bool, len(ids))
		for _, id := range ids {
			got[id] = true
		}
		for _, b := range entries {
			ok := got[b.RemoteID]
			br.record(ok)
			i.countOp("unban", ok)
			if ok {
				removed[b.RemoteID] = true
			}
		}
		return err
	}

	err := submit(pending)
	res := bulkResult{}
	if errors.Is(err, ErrPartialBatch) {
		if br.tripped() {
			res.aborted = true
		} else {
			var missing []ban.PlayerBan
			for _, b := range pending {
				if !removed[b.RemoteID] {
					missing = append(missing, b)
				}
			}
			i.logger.Info("integration: retrying partially failed batch", zap.Int("missing", len(missing)))
			err = submit(missing)
		}
	}
	if err != nil {
		i.logger.Warn("integration: batch unban failed", zap.Error(err))
	}

	for _, b := range pending {
		if removed[b.RemoteID] {
			res.unbanned = append(res.unbanned, b.PlayerID)
		} else {
			res.failed = append(res.failed, b.PlayerID)
		}
	}
	return res
}
