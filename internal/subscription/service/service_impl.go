package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/config"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	entdomain "github.com/smallbiznis/inspectbill/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	"github.com/smallbiznis/inspectbill/internal/retry"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Policy      *config.BillingPolicyHolder
	Repo        domain.Repository
	OrgRepo     orgdomain.Repository
	CatalogRepo catalogdomain.Repository
	Catalog     catalogdomain.Service
	Credits     creditdomain.Service
	Reconciler  entdomain.Reconciler
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	policy      *config.BillingPolicyHolder
	repo        domain.Repository
	orgRepo     orgdomain.Repository
	catalogRepo catalogdomain.Repository
	catalog     catalogdomain.Service
	credits     creditdomain.Service
	reconciler  entdomain.Reconciler
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		repo:        p.Repo,
		orgRepo:     p.OrgRepo,
		catalogRepo: p.CatalogRepo,
		catalog:     p.Catalog,
		credits:     p.Credits,
		reconciler:  p.Reconciler,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *service) Get(ctx context.Context, orgID snowflake.ID) (*domain.InstanceSubscription, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	sub, err := s.findForOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billingerror.NotFound(domain.ErrSubscriptionNotFound.Error())
	}
	return sub, nil
}

func (s *service) GetStatus(ctx context.Context, orgID snowflake.ID) (*domain.StatusView, error) {
	sub, err := s.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	modules, err := s.repo.ListModules(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	bundles, err := s.repo.ListBundles(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}

	return &domain.StatusView{
		OrgID:                 sub.OrgID,
		SubscriptionID:        sub.ID,
		Status:                sub.Status,
		TierID:                sub.CurrentTierID,
		Currency:              sub.RegistrationCurrency,
		CurrentPeriodStart:    sub.CurrentPeriodStart,
		CurrentPeriodEnd:      sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		FirstPaymentFailureAt: sub.FirstPaymentFailureAt,
		GraceEndsAt:           sub.GraceEndsAt(s.policy.Get().GracePeriod),
		EnabledModules: lo.FilterMap(modules, func(m domain.InstanceModule, _ int) (snowflake.ID, bool) {
			return m.ModuleID, m.IsEnabled
		}),
		ActiveBundles: lo.FilterMap(bundles, func(b domain.InstanceBundle, _ int) (snowflake.ID, bool) {
			return b.BundleID, b.IsActive
		}),
	}, nil
}

func (s *service) IsModuleAvailableForInstance(ctx context.Context, orgID, moduleID snowflake.ID) (bool, error) {
	if orgID == 0 {
		return false, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if moduleID == 0 {
		return false, billingerror.Validation(domain.ErrInvalidModule)
	}
	sub, err := s.findForOrg(ctx, s.db, orgID)
	if err != nil || sub == nil {
		return false, err
	}
	if !sub.Status.Serviceable() {
		return false, nil
	}

	module, err := s.repo.FindModule(ctx, s.db, sub.ID, moduleID)
	if err != nil {
		return false, err
	}
	if module != nil && module.IsEnabled {
		return true, nil
	}
	covering, err := s.coveringBundles(ctx, s.db, sub.ID, moduleID)
	if err != nil {
		return false, err
	}
	return len(covering) > 0, nil
}

func (s *service) CoveringBundles(ctx context.Context, orgID, moduleID snowflake.ID) ([]snowflake.ID, error) {
	sub, err := s.findForOrg(ctx, s.db, orgID)
	if err != nil || sub == nil {
		return nil, err
	}
	return s.coveringBundles(ctx, s.db, sub.ID, moduleID)
}

func (s *service) coveringBundles(ctx context.Context, db *gorm.DB, subscriptionID, moduleID snowflake.ID) ([]snowflake.ID, error) {
	bundles, err := s.repo.ListBundles(ctx, db, subscriptionID)
	if err != nil {
		return nil, err
	}
	active := lo.FilterMap(bundles, func(b domain.InstanceBundle, _ int) (snowflake.ID, bool) {
		return b.BundleID, b.IsActive
	})
	if len(active) == 0 {
		return nil, nil
	}
	containing, err := s.catalogRepo.ListBundleIDsForModule(ctx, db, moduleID)
	if err != nil {
		return nil, err
	}
	return lo.Intersect(active, containing), nil
}

// findForOrg returns nil when the organization has no subscription and a
// data integrity error when it has more than one.
func (s *service) findForOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.InstanceSubscription, error) {
	subs, err := s.repo.ListByOrg(ctx, db, orgID)
	if err != nil {
		return nil, err
	}
	switch len(subs) {
	case 0:
		return nil, nil
	case 1:
		return &subs[0], nil
	default:
		return nil, s.integrityViolation(orgID,
			billingerror.DataIntegrity("single_subscription_per_org",
				"organization has %d subscriptions", len(subs)))
	}
}

func (s *service) integrityViolation(orgID snowflake.ID, err *billingerror.Error) error {
	err.With("org_id", orgID.String())
	s.log.Error("subscription integrity violation",
		zap.String("org_id", orgID.String()),
		zap.String("invariant", err.Code),
		zap.Error(err),
	)
	return err
}

// lockSubscription takes the organization row lock, then reloads the
// subscription so the caller sees state committed by earlier holders.
func (s *service) lockSubscription(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*domain.InstanceSubscription, error) {
	org, err := s.orgRepo.LockByID(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, billingerror.NotFound(orgdomain.ErrNotFound.Error())
	}
	sub, err := s.findForOrg(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billingerror.NotFound(domain.ErrSubscriptionNotFound.Error())
	}
	return sub, nil
}

// inTx runs fn in a transaction and retries the whole attempt on transient
// failures. Provider calls made by fn are undone only by the provider's
// idempotency, so fn must be safe to repeat.
func (s *service) inTx(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	_, outcome, err := retry.Do(ctx, s.policy.Get().Retry, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, s.db.WithContext(ctx).Transaction(fn)
	}, func(err error, wait time.Duration) {
		s.log.Warn("retrying subscription operation",
			zap.String("operation", operation),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && outcome.Exhausted() {
		s.log.Error("subscription operation exhausted retries",
			zap.String("operation", operation),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(err),
		)
	}
	return err
}
