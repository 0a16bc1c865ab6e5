package engine

import (
	"context"
	"errors"
	"time"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/grant"
	"github.com/groupbot-framework/groupbot/internal/objstore"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	GrantsExpired     int
	GrantsRetried     int
	RequestsDiscarded int
}

// Sweep is the reconciliation pass. It revokes every active grant whose
// expiry has passed and discards every pending request whose validity
// window has lapsed. Each record is processed independently: a failure
// on one never blocks the rest, and a record that cannot be revoked now
// stays in place for the next pass.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()

	if err := e.expireGrants(ctx, now, &report); err != nil {
		return report, err
	}
	if err := e.discardTimedOutRequests(ctx, now, &report); err != nil {
		return report, err
	}

	e.logger.Info().
		Int("grants_expired", report.GrantsExpired).
		Int("grants_retried", report.GrantsRetried).
		Int("requests_discarded", report.RequestsDiscarded).
		Msg("sweep complete")
	return report, nil
}

func (e *Engine) expireGrants(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := e.records.ListDue(ctx, grant.RemovalPrefix, now)
	if err != nil {
		return err
	}

	for _, rec := range due {
		g, err := e.records.GetActiveGrant(ctx, rec.Key)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				// Record gone but index entry left behind; clean it up.
				if derr := e.records.DeleteActive(ctx, rec); derr != nil {
					e.logger.Warn().Str("key", rec.Key).Err(derr).Msg("orphan index cleanup failed")
				}
				continue
			}
			e.logger.Error().Str("key", rec.Key).Err(err).Msg("unreadable active grant")
			report.GrantsRetried++
			continue
		}

		client, err := e.router.ForAccount(g.AccountID)
		if err != nil {
			e.logger.Error().Str("account_id", g.AccountID).Err(err).Msg("no directory client for expiring grant")
			report.GrantsRetried++
			continue
		}

		ok, err := client.RemoveUserFromGroup(ctx, g.Username, g.GroupName)
		if err != nil || !ok {
			// Membership may still be live; keep the record so the next
			// sweep retries.
			e.logger.Error().
				Str("request_id", g.ID).
				Str("username", g.Username).
				Str("group", g.GroupName).
				Err(err).
				Msg("remote removal failed, will retry")
			report.GrantsRetried++
			continue
		}

		if err := e.records.DeleteActive(ctx, rec); err != nil {
			// Remote membership is gone; the leftover record makes the
			// next sweep re-remove, which the directory treats as a no-op.
			e.logger.Warn().Str("key", rec.Key).Err(err).Msg("active record cleanup failed")
			report.GrantsRetried++
			continue
		}

		if err := e.records.MarkExpired(ctx, g); err != nil {
			e.logger.Warn().Str("request_id", g.ID).Err(err).Msg("audit copy update failed")
		}
		e.audit.Log(audit.EventGrantExpired, "sweep", g.AccountID, g.ID, map[string]string{
			"group":    g.GroupName,
			"username": g.Username,
		})
		report.GrantsExpired++
	}
	return nil
}

func (e *Engine) discardTimedOutRequests(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := e.records.ListDue(ctx, grant.RequestPrefix, now)
	if err != nil {
		return err
	}

	for _, rec := range due {
		if err := e.records.ArchiveExpiredRequest(ctx, rec); err != nil {
			e.logger.Error().Str("key", rec.Key).Err(err).Msg("request archive failed, will retry")
			continue
		}
		e.audit.Log(audit.EventRequestTimedOut, "sweep", "", rec.ID, nil)
		report.RequestsDiscarded++
	}
	return nil
}

// Sweeper runs the reconciliation pass on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps immediately, then on every tick until the context is
// canceled. Sweep errors are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if _, err := s.engine.Sweep(ctx); err != nil {
		s.engine.logger.Error().Err(err).Msg("sweep pass failed")
	}
}
