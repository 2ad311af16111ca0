package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/smallbiznis/inspectbill/internal/lock"
	notificationdomain "github.com/smallbiznis/inspectbill/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	"github.com/smallbiznis/inspectbill/internal/retry"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorText = 1024

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.BillingPolicyHolder
	Repo          domain.Repository
	Subscriptions subdomain.Service
	Adapters      *adapters.Registry
	Locker        *lock.Locker                  `optional:"true"`
	Notifier      notificationdomain.Dispatcher `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics           `optional:"true"`
}

type service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.BillingPolicyHolder
	repo          domain.Repository
	subscriptions subdomain.Service
	adapters      *adapters.Registry
	locker        *lock.Locker
	notifier      notificationdomain.Dispatcher
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:            p.DB,
		log:           p.Log.Named("webhook.processor"),
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		adapters:      p.Adapters,
		locker:        p.Locker,
		notifier:      p.Notifier,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.Result, error) {
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, billingerror.NotFound(domain.ErrProviderNotFound.Error()).With("provider", provider)
	}
	name := adapter.Provider()

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, name, "unknown", "invalid_signature")
		s.log.Warn("webhook signature rejected", zap.String("provider", name))
		return nil, billingerror.Validation(err)
	}

	ev, err := adapter.Parse(ctx, payload)
	if errors.Is(err, domain.ErrEventIgnored) {
		s.obsMetrics.RecordWebhookEvent(ctx, name, "unknown", string(domain.OutcomeIgnored))
		return &domain.Result{Provider: name, Outcome: domain.OutcomeIgnored}, nil
	}
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, name, "unknown", string(domain.OutcomeRejected))
		s.log.Warn("webhook payload rejected", zap.String("provider", name), zap.Error(err))
		if billingerror.KindOf(err) != "" {
			return nil, err
		}
		return nil, billingerror.Validation(err)
	}
	return s.process(ctx, ev, false)
}

func (s *service) Process(ctx context.Context, ev *domain.Event) (*domain.Result, error) {
	return s.process(ctx, ev, false)
}

func (s *service) process(ctx context.Context, ev *domain.Event, replay bool) (*domain.Result, error) {
	if ev == nil || strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Provider) == "" {
		return nil, billingerror.Validation(domain.ErrInvalidEvent)
	}

	lease, acquired, err := s.locker.AcquireEvent(ctx, ev.Provider, ev.ID)
	switch {
	case err != nil:
		s.log.Warn("in-flight lock unavailable, relying on database guard",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
	case !acquired:
		s.obsMetrics.RecordWebhookEvent(ctx, ev.Provider, string(ev.Kind), "in_flight")
		return nil, billingerror.Conflict(domain.ErrEventInFlight.Error(), "event %s is being processed", ev.ID)
	default:
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("failed to release in-flight lock", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}()
	}

	res, outcome, err := retry.Do(ctx, s.policy.Get().Retry, func(ctx context.Context, _ int) (*domain.Result, error) {
		return s.attempt(ctx, ev, replay)
	}, func(err error, wait time.Duration) {
		s.obsMetrics.RecordWebhookRetry(ctx, ev.Provider, string(ev.Kind))
		s.log.Warn("retrying webhook event",
			zap.String("provider", ev.Provider),
			zap.String("event_id", ev.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return s.park(ctx, ev, outcome, err)
	}

	res.Attempts = outcome.Attempts
	s.obsMetrics.RecordWebhookEvent(ctx, ev.Provider, string(ev.Kind), string(res.Outcome))
	if res.Outcome == domain.OutcomeProcessed && res.Transition != nil {
		// counted once the sweep has committed
		s.obsMetrics.RecordCreditsExpired(ctx, res.Transition.ExpiryReason, res.Transition.CreditsExpired)
	}
	switch res.Outcome {
	case domain.OutcomeRejected:
		return res, billingerror.Validationf("event_rejected", "%s", res.Error).With("event_id", ev.ID)
	case domain.OutcomeProcessed:
		s.notifyTransition(ctx, ev, res.Transition)
	}
	return res, nil
}

// attempt runs the idempotency check and every side effect in one
// transaction.
func (s *service) attempt(ctx context.Context, ev *domain.Event, replay bool) (*domain.Result, error) {
	var res *domain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.claim(ctx, tx, ev)
		if err != nil {
			return err
		}
		switch {
		case row.Status == domain.StatusProcessed:
			res, err = storedResult(row, domain.OutcomeDuplicate)
			return err
		case row.Status == domain.StatusRejected && !replay:
			res, err = storedResult(row, domain.OutcomeRejected)
			return err
		}

		tr, err := s.subscriptions.Apply(ctx, tx, ev.Lifecycle())
		if err != nil {
			return err
		}
		summary, err := json.Marshal(tr)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		orgID := tr.OrgID
		row.Kind = string(ev.Kind)
		row.OrgID = &orgID
		row.ResultSummary = summary
		row.ProcessedAt = &now
		row.UpdatedAt = now
		if err := s.repo.MarkProcessed(ctx, tx, row); err != nil {
			return err
		}

		res = &domain.Result{
			Provider:   ev.Provider,
			EventID:    ev.ID,
			EventType:  ev.Type,
			Outcome:    domain.OutcomeProcessed,
			RetryCount: row.RetryCount,
			Transition: tr,
		}
		return nil
	})
	return res, err
}

// claim inserts the guard row or locks the existing one. A concurrent
// delivery of the same event waits on the unique key until this
// transaction ends.
func (s *service) claim(ctx context.Context, tx *gorm.DB, ev *domain.Event) (*domain.ProcessedEvent, error) {
	now := s.clock.Now()
	row := &domain.ProcessedEvent{
		ID:         s.genID.Generate(),
		Provider:   ev.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Kind:       string(ev.Kind),
		Status:     domain.StatusReceived,
		Payload:    domain.CompressPayload(ev.Payload),
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	inserted, err := s.repo.Insert(ctx, tx, row)
	if err != nil {
		return nil, err
	}
	if inserted {
		return row, nil
	}

	existing, err := s.repo.LockByEvent(ctx, tx, ev.Provider, ev.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, billingerror.Conflict("event_claim_lost", "event %s vanished after insert conflict", ev.ID)
	}
	return existing, nil
}

// park records a failed delivery in its own transaction. Validation
// failures are rejected for good; everything else waits for redelivery or
// replay.
func (s *service) park(ctx context.Context, ev *domain.Event, outcome retry.Outcome, cause error) (*domain.Result, error) {
	ctx = context.WithoutCancel(ctx)
	kind := billingerror.KindOf(cause)
	status := domain.StatusError
	resOutcome := domain.OutcomeParked
	if kind == billingerror.KindValidation {
		status = domain.StatusRejected
		resOutcome = domain.OutcomeRejected
	}

	now := s.clock.Now()
	row := &domain.ProcessedEvent{
		ID:         s.genID.Generate(),
		Provider:   ev.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Kind:       string(ev.Kind),
		Status:     status,
		RetryCount: 1,
		LastError:  truncate(cause.Error()),
		Payload:    domain.CompressPayload(ev.Payload),
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Park(ctx, tx, row)
	}); err != nil {
		s.log.Error("failed to park webhook event",
			zap.String("provider", ev.Provider),
			zap.String("event_id", ev.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, cause
	}

	retryCount := row.RetryCount
	if stored, err := s.repo.FindByEvent(ctx, s.db, ev.Provider, ev.ID); err == nil && stored != nil {
		retryCount = stored.RetryCount
	}
	res := &domain.Result{
		Provider:   ev.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Outcome:    resOutcome,
		Attempts:   outcome.Attempts,
		RetryCount: retryCount,
		Error:      row.LastError,
	}

	fields := []zap.Field{
		zap.String("provider", ev.Provider),
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("error_kind", string(kind)),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("retry_count", retryCount),
		zap.Error(cause),
	}
	switch {
	case status == domain.StatusRejected, kind == billingerror.KindNotFound:
		s.log.Warn("webhook event parked", fields...)
	default:
		s.log.Error("webhook event parked", fields...)
	}

	reason := string(kind)
	if outcome.Exhausted() {
		reason = "retries_exhausted"
	} else if reason == "" {
		reason = "internal"
	}
	s.obsMetrics.RecordWebhookParked(ctx, ev.Provider, reason)
	s.obsMetrics.RecordWebhookEvent(ctx, ev.Provider, string(ev.Kind), string(resOutcome))
	if status == domain.StatusError {
		s.dispatch(ctx, notificationdomain.Notice{
			Kind:       notificationdomain.KindEventParked,
			Provider:   ev.Provider,
			EventID:    ev.ID,
			Status:     string(status),
			Reason:     row.LastError,
			Count:      int64(retryCount),
			OccurredAt: now,
		})
	}

	switch {
	case status == domain.StatusRejected:
		return res, cause
	case outcome.Exhausted(), kind == billingerror.KindNotFound:
		return res, nil
	default:
		return res, cause
	}
}

func (s *service) Replay(ctx context.Context, req domain.ReplayRequest) (*domain.Result, error) {
	row, err := s.findForReplay(ctx, req)
	if err != nil {
		return nil, err
	}
	if !row.Parked() {
		return nil, billingerror.Conflict(domain.ErrEventNotParked.Error(), "event %s has status %s", row.EventID, row.Status)
	}
	adapter, err := s.adapters.Adapter(row.Provider)
	if err != nil {
		return nil, billingerror.NotFound(domain.ErrProviderNotFound.Error()).With("provider", row.Provider)
	}
	payload, err := row.RawPayload()
	if err != nil {
		return nil, billingerror.Validation(domain.ErrInvalidPayload).With("event_id", row.EventID)
	}
	ev, err := adapter.Parse(ctx, payload)
	if err != nil {
		if billingerror.KindOf(err) != "" {
			return nil, err
		}
		return nil, billingerror.Validation(err).With("event_id", row.EventID)
	}

	s.log.Info("replaying parked event",
		zap.String("provider", row.Provider),
		zap.String("event_id", row.EventID),
		zap.String("status", string(row.Status)),
		zap.Int("retry_count", row.RetryCount),
	)
	return s.process(ctx, ev, true)
}

func (s *service) findForReplay(ctx context.Context, req domain.ReplayRequest) (*domain.ProcessedEvent, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return nil, billingerror.Validation(domain.ErrInvalidEvent)
	}
	if provider := strings.ToLower(strings.TrimSpace(req.Provider)); provider != "" {
		row, err := s.repo.FindByEvent(ctx, s.db, provider, eventID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, billingerror.NotFound(domain.ErrEventNotFound.Error()).With("event_id", eventID)
		}
		return row, nil
	}

	rows, err := s.repo.FindByEventID(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, billingerror.NotFound(domain.ErrEventNotFound.Error()).With("event_id", eventID)
	case 1:
		return &rows[0], nil
	default:
		return nil, billingerror.Validationf("ambiguous_event", "event %s exists for %d providers", eventID, len(rows))
	}
}

func (s *service) ListEvents(ctx context.Context, filter domain.ListFilter) ([]domain.ProcessedEvent, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *service) CountParked(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.CountParked(ctx, s.db, s.clock.Now().Add(-olderThan))
}

func (s *service) notifyTransition(ctx context.Context, ev *domain.Event, tr *subdomain.Transition) {
	if tr == nil || tr.Notice == "" {
		return
	}
	s.dispatch(ctx, notificationdomain.Notice{
		Kind:           notificationdomain.Kind(tr.Notice),
		OrgID:          tr.OrgID,
		SubscriptionID: tr.SubscriptionID,
		Provider:       ev.Provider,
		EventID:        ev.ID,
		Status:         string(tr.To),
		GraceEndsAt:    tr.GraceEndsAt,
		OccurredAt:     s.clock.Now(),
	})
}

func (s *service) dispatch(ctx context.Context, n notificationdomain.Notice) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, n)
}

func storedResult(row *domain.ProcessedEvent, outcome domain.Outcome) (*domain.Result, error) {
	res := &domain.Result{
		Provider:   row.Provider,
		EventID:    row.EventID,
		EventType:  row.EventType,
		Outcome:    outcome,
		RetryCount: row.RetryCount,
		Error:      row.LastError,
	}
	if len(row.ResultSummary) == 0 {
		return res, nil
	}
	var tr subdomain.Transition
	if err := json.Unmarshal(row.ResultSummary, &tr); err != nil {
		return nil, billingerror.DataIntegrity("processed_event_result", "event %s has an unreadable result: %v", row.EventID, err)
	}
	res.Transition = &tr
	return res, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorText {
		return s
	}
	return s[:maxErrorText]
}
