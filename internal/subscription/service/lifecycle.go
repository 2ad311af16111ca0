package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const linkedEntitySubscription = "subscription"

func (s *service) ResolveOrg(ctx context.Context, tx *gorm.DB, in domain.LifecycleInput) (snowflake.ID, error) {
	if in.OrgID != 0 {
		return in.OrgID, nil
	}
	if strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return 0, billingerror.Validation(domain.ErrMissingProviderRef)
	}
	sub, err := s.repo.FindByProviderSubscription(ctx, tx, in.Provider, in.ProviderSubscriptionID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, billingerror.NotFound(domain.ErrSubscriptionNotFound.Error()).
			With("provider_subscription_id", in.ProviderSubscriptionID)
	}
	return sub.OrgID, nil
}

func (s *service) Apply(ctx context.Context, tx *gorm.DB, in domain.LifecycleInput) (*domain.Transition, error) {
	if strings.TrimSpace(in.EventID) == "" {
		return nil, billingerror.Validation(domain.ErrInvalidEvent)
	}
	if in.Kind == domain.LifecycleCheckoutCompleted {
		return s.checkout(ctx, tx, in)
	}

	orgID, err := s.ResolveOrg(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	sub, err := s.lockSubscription(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}

	var tr *domain.Transition
	switch in.Kind {
	case domain.LifecycleRenewalPaid:
		tr, err = s.renew(ctx, tx, sub, in)
	case domain.LifecyclePaymentSucceeded:
		tr, err = s.paymentSucceeded(ctx, tx, sub)
	case domain.LifecyclePaymentFailed:
		tr, err = s.paymentFailed(ctx, tx, sub)
	case domain.LifecycleSubscriptionUpdated:
		tr, err = s.updated(ctx, tx, sub, in)
	case domain.LifecycleSubscriptionDeleted:
		tr, err = s.hardDelete(ctx, tx, sub, in.Kind)
	default:
		return nil, billingerror.Validation(domain.ErrInvalidEvent).With("kind", string(in.Kind))
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("lifecycle event applied",
		zap.String("event_id", in.EventID),
		zap.String("org_id", tr.OrgID.String()),
		zap.String("kind", string(tr.Kind)),
		zap.String("action", string(tr.Action)),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
	)
	return tr, nil
}

func newTransition(sub *domain.InstanceSubscription, kind domain.LifecycleKind) *domain.Transition {
	return &domain.Transition{
		SubscriptionID: sub.ID,
		OrgID:          sub.OrgID,
		Kind:           kind,
		Action:         domain.ActionNoop,
		From:           sub.Status,
		To:             sub.Status,
	}
}

func validateCheckout(in domain.LifecycleInput) error {
	switch {
	case in.OrgID == 0:
		return billingerror.Validation(domain.ErrInvalidOrganization)
	case in.TierID == 0:
		return billingerror.Validation(domain.ErrMissingTier)
	case in.PeriodStart == nil || in.PeriodEnd == nil || !in.PeriodEnd.After(*in.PeriodStart):
		return billingerror.Validation(domain.ErrMissingPeriod)
	case strings.TrimSpace(in.ProviderSubscriptionID) == "":
		return billingerror.Validation(domain.ErrMissingProviderRef)
	case len(strings.TrimSpace(in.Currency)) != 3:
		return billingerror.Validation(catalogdomain.ErrInvalidCurrency)
	}
	return nil
}

func (s *service) checkout(ctx context.Context, tx *gorm.DB, in domain.LifecycleInput) (*domain.Transition, error) {
	if err := validateCheckout(in); err != nil {
		return nil, err
	}
	org, err := s.orgRepo.LockByID(ctx, tx, in.OrgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, billingerror.NotFound("organization_not_found")
	}
	tier, err := s.catalogRepo.FindTier(ctx, tx, in.TierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, billingerror.Validation(catalogdomain.ErrTierNotFound).With("tier_id", in.TierID.String())
	}

	sub, err := s.findForOrg(ctx, tx, in.OrgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	periodStart, periodEnd := in.PeriodStart.UTC(), in.PeriodEnd.UTC()
	grant := true
	created := sub == nil
	var tr *domain.Transition
	if created {
		sub = &domain.InstanceSubscription{
			ID:        s.genID.Generate(),
			OrgID:     in.OrgID,
			CreatedAt: now,
		}
		tr = newTransition(sub, in.Kind)
		tr.From = ""
	} else {
		tr = newTransition(sub, in.Kind)
		// a repeated checkout for a period already granted must not grant again
		grant = !(sub.Status.Serviceable() && sub.CurrentPeriodStart.Equal(periodStart))
	}

	sub.CurrentTierID = tier.ID
	sub.Status = domain.StatusActive
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.FirstPaymentFailureAt = nil
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.RegistrationCurrency = strings.ToUpper(strings.TrimSpace(in.Currency))
	sub.Provider = in.Provider
	sub.ProviderSubscriptionID = in.ProviderSubscriptionID
	sub.ProviderCustomerID = in.ProviderCustomerID
	sub.UpdatedAt = now
	if created {
		err = s.repo.Insert(ctx, tx, sub)
	} else {
		err = s.repo.Update(ctx, tx, sub)
	}
	if err != nil {
		return nil, err
	}

	if err := s.enableListed(ctx, tx, sub, in.ModuleIDs, in.BundleIDs, now); err != nil {
		return nil, err
	}
	if err := s.syncAndReconcile(ctx, tx, sub, in, tr); err != nil {
		return nil, err
	}
	if grant {
		if err := s.grantInclusion(ctx, tx, sub, tier, in.EventID, tr); err != nil {
			return nil, err
		}
	}

	tr.Action = domain.ActionCreated
	if !created {
		tr.Action = domain.ActionSynced
	}
	tr.To = sub.Status
	s.log.Info("checkout completed",
		zap.String("event_id", in.EventID),
		zap.String("org_id", sub.OrgID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tier", tier.Code),
		zap.Bool("created", created),
		zap.Int64("credits_granted", tr.CreditsGranted),
	)
	return tr, nil
}

func (s *service) renew(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, in domain.LifecycleInput) (*domain.Transition, error) {
	tr := newTransition(sub, in.Kind)
	now := s.clock.Now()

	if sub.CancelAtPeriodEnd || sub.Status == domain.StatusCancelled {
		if sub.Status == domain.StatusInactive {
			return tr, nil
		}
		// the provider ends the subscription with this cycle
		if err := s.deactivate(ctx, tx, sub, domain.StatusInactive, false, now, tr); err != nil {
			return nil, err
		}
		tr.Notice = domain.NoticeDeactivated
		return tr, nil
	}

	if in.PeriodStart == nil || in.PeriodEnd == nil || !in.PeriodEnd.After(*in.PeriodStart) {
		return nil, billingerror.Validation(domain.ErrMissingPeriod)
	}
	periodStart, periodEnd := in.PeriodStart.UTC(), in.PeriodEnd.UTC()
	if !periodEnd.After(sub.CurrentPeriodEnd) {
		// delivered late, after a newer period was already applied
		s.log.Info("stale renewal ignored",
			zap.String("event_id", in.EventID),
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("period_end", periodEnd),
			zap.Time("current_period_end", sub.CurrentPeriodEnd),
		)
		return tr, nil
	}

	tierID := sub.CurrentTierID
	if in.TierID != 0 {
		tierID = in.TierID
	}
	tier, err := s.catalogRepo.FindTier(ctx, tx, tierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, billingerror.Validation(catalogdomain.ErrTierNotFound).With("tier_id", tierID.String())
	}

	expired, err := s.credits.ExpireTx(ctx, tx, creditdomain.ExpireRequest{
		OrgID:            sub.OrgID,
		Scope:            creditdomain.ExpirePlanInclusion,
		Reason:           creditdomain.ExpiryReasonRenewal,
		LinkedEntityType: linkedEntitySubscription,
		LinkedEntityID:   sub.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	tr.CreditsExpired = expired.Quantity
	if expired.Quantity > 0 {
		tr.ExpiryReason = string(creditdomain.ExpiryReasonRenewal)
	}

	wasInactive := sub.Status == domain.StatusInactive
	sub.CurrentTierID = tier.ID
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.FirstPaymentFailureAt = nil
	sub.Status = domain.StatusActive
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}

	if wasInactive {
		if err := s.enableListed(ctx, tx, sub, in.ModuleIDs, in.BundleIDs, now); err != nil {
			return nil, err
		}
	}
	if err := s.syncAndReconcile(ctx, tx, sub, in, tr); err != nil {
		return nil, err
	}
	if err := s.grantInclusion(ctx, tx, sub, tier, in.EventID, tr); err != nil {
		return nil, err
	}

	tr.Action = domain.ActionRenewed
	if wasInactive {
		tr.Action = domain.ActionReactivated
	}
	tr.To = sub.Status
	return tr, nil
}

func (s *service) paymentSucceeded(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription) (*domain.Transition, error) {
	tr := newTransition(sub, domain.LifecyclePaymentSucceeded)
	if sub.FirstPaymentFailureAt == nil && sub.Status != domain.StatusGracePeriod {
		return tr, nil
	}
	sub.FirstPaymentFailureAt = nil
	if sub.Status == domain.StatusGracePeriod {
		sub.Status = domain.StatusActive
	}
	sub.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}
	tr.Action = domain.ActionPaymentCured
	tr.To = sub.Status
	return tr, nil
}

func (s *service) paymentFailed(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription) (*domain.Transition, error) {
	tr := newTransition(sub, domain.LifecyclePaymentFailed)
	if sub.Status == domain.StatusInactive || sub.Status == domain.StatusCancelled {
		return tr, nil
	}
	now := s.clock.Now()
	grace := s.policy.Get().GracePeriod

	if sub.FirstPaymentFailureAt == nil {
		sub.FirstPaymentFailureAt = &now
		sub.Status = domain.StatusGracePeriod
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return nil, err
		}
		tr.Action = domain.ActionGraceStarted
		tr.To = sub.Status
		tr.Notice = domain.NoticePaymentFailed
		tr.GraceEndsAt = sub.GraceEndsAt(grace)
		return tr, nil
	}

	tr.GraceEndsAt = sub.GraceEndsAt(grace)
	if now.Sub(*sub.FirstPaymentFailureAt) < grace {
		tr.Action = domain.ActionGracePending
		s.log.Info("payment failed within grace period",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("grace_ends_at", *tr.GraceEndsAt),
		)
		return tr, nil
	}

	if err := s.deactivate(ctx, tx, sub, domain.StatusInactive, true, now, tr); err != nil {
		return nil, err
	}
	expired, err := s.credits.ExpireTx(ctx, tx, creditdomain.ExpireRequest{
		OrgID:            sub.OrgID,
		Scope:            creditdomain.ExpireAll,
		Reason:           creditdomain.ExpiryReasonPaymentFailure,
		LinkedEntityType: linkedEntitySubscription,
		LinkedEntityID:   sub.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	tr.CreditsExpired = expired.Quantity
	if expired.Quantity > 0 {
		tr.ExpiryReason = string(creditdomain.ExpiryReasonPaymentFailure)
	}
	tr.Notice = domain.NoticeGraceExpired
	return tr, nil
}

func (s *service) updated(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, in domain.LifecycleInput) (*domain.Transition, error) {
	if in.HardDelete() {
		return s.hardDelete(ctx, tx, sub, in.Kind)
	}
	tr := newTransition(sub, in.Kind)
	if sub.Status == domain.StatusCancelled {
		return tr, nil
	}
	now := s.clock.Now()
	dirty := false

	if in.CancelAtPeriodEnd != nil && *in.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
		dirty = true
		if sub.CancelAtPeriodEnd {
			tr.Action = domain.ActionCancelMarked
		} else {
			tr.Action = domain.ActionReactivated
		}
	}
	reactivate := in.ProviderStatus == domain.ProviderStatusActive &&
		!sub.CancelAtPeriodEnd &&
		sub.Status == domain.StatusInactive
	if reactivate {
		sub.Status = domain.StatusActive
		sub.CancelledAt = nil
		sub.FirstPaymentFailureAt = nil
		tr.Action = domain.ActionReactivated
		dirty = true
	}
	if in.TierID != 0 && in.TierID != sub.CurrentTierID {
		tier, err := s.catalogRepo.FindTier(ctx, tx, in.TierID)
		if err != nil {
			return nil, err
		}
		if tier == nil {
			return nil, billingerror.Validation(catalogdomain.ErrTierNotFound).With("tier_id", in.TierID.String())
		}
		// included credits follow the new tier from the next renewal
		sub.CurrentTierID = tier.ID
		dirty = true
		if tr.Action == domain.ActionNoop {
			tr.Action = domain.ActionSynced
		}
	}
	if dirty {
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return nil, err
		}
	}

	if tr.Action == domain.ActionReactivated {
		if err := s.enableListed(ctx, tx, sub, in.ModuleIDs, in.BundleIDs, now); err != nil {
			return nil, err
		}
		if err := s.syncAndReconcile(ctx, tx, sub, in, tr); err != nil {
			return nil, err
		}
	} else if len(in.LineItems) > 0 {
		if _, err := s.reconciler.SyncObserved(ctx, tx, sub, in.LineItems); err != nil {
			return nil, err
		}
		if tr.Action == domain.ActionNoop {
			tr.Action = domain.ActionSynced
		}
	}
	tr.To = sub.Status
	return tr, nil
}

func (s *service) hardDelete(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, kind domain.LifecycleKind) (*domain.Transition, error) {
	tr := newTransition(sub, kind)
	if sub.Status == domain.StatusInactive || sub.Status == domain.StatusCancelled {
		return tr, nil
	}
	now := s.clock.Now()
	sub.CancelAtPeriodEnd = true
	sub.CancelledAt = &now
	if err := s.deactivate(ctx, tx, sub, domain.StatusInactive, false, now, tr); err != nil {
		return nil, err
	}
	tr.Notice = domain.NoticeDeactivated
	return tr, nil
}

func (s *service) CloseSubscription(ctx context.Context, orgID snowflake.ID) (*domain.Transition, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	var tr *domain.Transition
	err := s.inTx(ctx, "close_subscription", func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, orgID)
		if err != nil {
			return err
		}
		tr = newTransition(sub, "")
		if sub.Status == domain.StatusCancelled {
			return nil
		}
		now := s.clock.Now()
		sub.CancelAtPeriodEnd = true
		sub.CancelledAt = &now
		if err := s.deactivate(ctx, tx, sub, domain.StatusCancelled, true, now, tr); err != nil {
			return err
		}
		tr.Action = domain.ActionClosed
		tr.Notice = domain.NoticeDeactivated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription closed",
		zap.String("org_id", orgID.String()),
		zap.String("subscription_id", tr.SubscriptionID.String()),
		zap.String("action", string(tr.Action)),
	)
	return tr, nil
}

// deactivate moves sub to status and strips its entitlements. providerLive
// says whether the provider subscription keeps billing after this.
func (s *service) deactivate(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, status domain.Status, providerLive bool, now time.Time, tr *domain.Transition) error {
	modules, bundles, err := s.deactivateAll(ctx, tx, sub, providerLive, now)
	if err != nil {
		return err
	}
	sub.Status = status
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return err
	}
	tr.Action = domain.ActionDeactivated
	tr.To = status
	tr.ModulesDeactivated = modules
	tr.BundlesDeactivated = bundles
	return nil
}

func (s *service) syncAndReconcile(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, in domain.LifecycleInput, tr *domain.Transition) error {
	if _, err := s.reconciler.SyncObserved(ctx, tx, sub, in.LineItems); err != nil {
		return err
	}
	summary, err := s.reconciler.ReconcileAll(ctx, tx, sub)
	if err != nil {
		return err
	}
	tr.ItemsCharged += len(summary.Charged)
	tr.ItemsSkipped += len(summary.Skipped)
	return nil
}

func (s *service) grantInclusion(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, tier *catalogdomain.Tier, eventID string, tr *domain.Transition) error {
	if tier.Included <= 0 {
		return nil
	}
	expiresAt := sub.CurrentPeriodEnd
	batch, err := s.credits.GrantCreditsTx(ctx, tx, creditdomain.GrantRequest{
		OrgID:     sub.OrgID,
		Quantity:  tier.Included,
		Source:    creditdomain.SourcePlanInclusion,
		ExpiresAt: &expiresAt,
		Metadata: creditdomain.PlanInclusionMetadata{
			TierID:      tier.ID,
			PeriodStart: sub.CurrentPeriodStart,
			PeriodEnd:   sub.CurrentPeriodEnd,
			EventID:     eventID,
		},
		LinkedEntityType: linkedEntitySubscription,
		LinkedEntityID:   sub.ID.String(),
	})
	if err != nil {
		return err
	}
	tr.CreditsGranted += batch.GrantedQuantity
	return nil
}
