package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	notificationdomain "github.com/smallbiznis/inspectbill/internal/notification/domain"
	"go.uber.org/zap"
)

// ParkedMonitorJob reports webhook events that have sat in error status
// longer than the alert threshold.
func (s *Scheduler) ParkedMonitorJob(ctx context.Context) error {
	count, err := s.webhooks.CountParked(ctx, s.cfg.ParkedAlertAfter)
	if err != nil {
		s.logJobError(ctx, "scheduler.parked_events.count_failed", 0, err)
		return err
	}
	s.metrics.SetParkedEvents(count)
	if count == 0 {
		return nil
	}
	jobRunFromContext(ctx).AddProcessed(int(count))

	s.logger(ctx).Error("parked webhook events awaiting replay",
		zap.Int64("count", count),
		zap.Duration("older_than", s.cfg.ParkedAlertAfter),
	)
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notificationdomain.Notice{
			Kind:       notificationdomain.KindParkedBacklog,
			Count:      count,
			OccurredAt: s.clock.Now(),
		})
	}
	return nil
}

// FXRefreshJob refetches exchange rates so quotes do not wait on a cold
// cache. An unconfigured source is skipped.
func (s *Scheduler) FXRefreshJob(ctx context.Context) error {
	snap, err := s.rates.Refresh(ctx)
	if errors.Is(err, exchangerate.ErrSourceNotConfigured) {
		s.logger(ctx).Debug("fx source not configured, skipping refresh")
		return nil
	}
	if err != nil {
		s.logJobError(ctx, "scheduler.fx.refresh_failed", 0, err)
		return err
	}
	jobRunFromContext(ctx).AddProcessed(len(snap.Rates))
	s.logger(ctx).Info("fx rates refreshed",
		zap.String("base", snap.Base),
		zap.Int("currencies", len(snap.Rates)),
	)
	return nil
}

// LapsedSweepJob zeroes batches whose expiry has passed. Consumption already
// skips them; the sweep keeps the balance counter honest for reads.
func (s *Scheduler) LapsedSweepJob(ctx context.Context) error {
	orgIDs, err := s.credits.ListOrgsWithBatches(ctx)
	if err != nil {
		s.logJobError(ctx, "scheduler.lapsed_sweep.list_failed", 0, err)
		return err
	}

	var jobErr error
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		res, err := s.credits.ExpireLapsed(ctx, orgID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, "scheduler.lapsed_sweep.expire_failed", orgID, err)
			continue
		}
		if res.Batches == 0 {
			continue
		}
		jobRunFromContext(ctx).AddProcessed(res.Batches)
		s.logger(ctx).Info("lapsed credits expired",
			zap.String("org_id", orgID.String()),
			zap.Int("batches", res.Batches),
			zap.Int64("quantity", res.Quantity),
		)
	}
	return jobErr
}

// IntegrityAuditJob checks every organization's ledger invariants. Violations
// are logged per organization and never repaired automatically.
func (s *Scheduler) IntegrityAuditJob(ctx context.Context) error {
	orgIDs, err := s.credits.ListOrgsWithBatches(ctx)
	if err != nil {
		s.logJobError(ctx, "scheduler.integrity_audit.list_failed", 0, err)
		return err
	}

	var jobErr error
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.credits.VerifyIntegrity(ctx, orgID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, "scheduler.integrity_audit.violation", orgID, err)
			continue
		}
		jobRunFromContext(ctx).AddProcessed(1)
	}
	return jobErr
}
