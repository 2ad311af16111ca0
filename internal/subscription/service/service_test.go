package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/billingprovider/memory"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/inspectbill/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/inspectbill/internal/catalog/service"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/config"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	creditrepo "github.com/smallbiznis/inspectbill/internal/credit/repository"
	creditservice "github.com/smallbiznis/inspectbill/internal/credit/service"
	entservice "github.com/smallbiznis/inspectbill/internal/entitlement/service"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	orgrepo "github.com/smallbiznis/inspectbill/internal/organization/repository"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	subrepo "github.com/smallbiznis/inspectbill/internal/subscription/repository"
	"github.com/smallbiznis/inspectbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	policy   config.BillingPolicy
	provider *memory.Provider
	catalog  *testutil.Catalog
	credits  creditdomain.Service
	repo     domain.Repository
	svc      domain.Service
	org      snowflake.ID
	seq      int
}

type option func(*config.BillingPolicy)

func withRefunds(p *config.BillingPolicy) { p.RefundOnModuleDisable = true }

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	models := []any{&orgdomain.Organization{}, &creditdomain.CreditBatch{}, &creditdomain.CreditLedgerEntry{}}
	models = append(models, catalogdomain.Models()...)
	models = append(models, domain.Models()...)
	db := testutil.NewDB(t, models...)
	node := testutil.NewNode(t)
	catalog := testutil.SeedCatalog(t, db, node)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	policy := config.DefaultBillingPolicy()
	policy.Retry = config.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	for _, opt := range opts {
		opt(&policy)
	}

	orgs := orgrepo.Provide()
	org := &orgdomain.Organization{
		ID:        node.Generate(),
		Name:      "Northgate Surveyors",
		Slug:      "northgate-surveyors",
		CreatedAt: clk.Now(),
		UpdatedAt: clk.Now(),
	}
	require.NoError(t, orgs.Insert(context.Background(), db, org))

	provider := memory.New()
	repo := subrepo.Provide()
	cRepo := catalogrepo.Provide()
	credits := creditservice.NewService(creditservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    creditrepo.Provide(),
		OrgRepo: orgs,
	})
	reconciler := entservice.NewService(entservice.Params{
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Provider:    provider,
		CatalogRepo: cRepo,
		SubRepo:     repo,
	})
	svc := NewService(Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Policy:      config.NewStaticBillingPolicy(policy),
		Repo:        repo,
		OrgRepo:     orgs,
		CatalogRepo: cRepo,
		Catalog:     catalogservice.NewService(catalogservice.Params{DB: db, Log: log, Repo: cRepo}),
		Credits:     credits,
		Reconciler:  reconciler,
	})

	return &fixture{
		db:       db,
		node:     node,
		clock:    clk,
		policy:   policy,
		provider: provider,
		catalog:  catalog,
		credits:  credits,
		repo:     repo,
		svc:      svc,
		org:      org.ID,
	}
}

func (f *fixture) eventID() string {
	f.seq++
	return "evt_" + strconv.Itoa(f.seq)
}

func (f *fixture) apply(t *testing.T, in domain.LifecycleInput) *domain.Transition {
	t.Helper()
	tr, err := f.tryApply(in)
	require.NoError(t, err)
	return tr
}

func (f *fixture) tryApply(in domain.LifecycleInput) (*domain.Transition, error) {
	if in.EventID == "" {
		in.EventID = f.eventID()
	}
	if in.Provider == "" {
		in.Provider = memory.Name
	}
	if in.ProviderSubscriptionID == "" {
		in.ProviderSubscriptionID = "sub_1"
	}
	in.OccurredAt = f.clock.Now()

	var tr *domain.Transition
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		tr, err = f.svc.Apply(context.Background(), tx, in)
		return err
	})
	return tr, err
}

func (f *fixture) checkoutInput(modules, bundles []snowflake.ID) domain.LifecycleInput {
	start := f.clock.Now()
	end := start.AddDate(0, 1, 0)
	return domain.LifecycleInput{
		Kind:               domain.LifecycleCheckoutCompleted,
		ProviderCustomerID: "cus_1",
		ProviderStatus:     domain.ProviderStatusActive,
		OrgID:              f.org,
		TierID:             f.catalog.Professional.ID,
		ModuleIDs:          modules,
		BundleIDs:          bundles,
		Currency:           "gbp",
		PeriodStart:        &start,
		PeriodEnd:          &end,
	}
}

func (f *fixture) checkout(t *testing.T, modules, bundles []snowflake.ID) *domain.Transition {
	t.Helper()
	return f.apply(t, f.checkoutInput(modules, bundles))
}

func (f *fixture) balance(t *testing.T) *creditdomain.Balance {
	t.Helper()
	b, err := f.credits.Balance(context.Background(), f.org)
	require.NoError(t, err)
	return b
}

func (f *fixture) sub(t *testing.T) *domain.InstanceSubscription {
	t.Helper()
	sub, err := f.svc.Get(context.Background(), f.org)
	require.NoError(t, err)
	return sub
}

func ids(v ...snowflake.ID) []snowflake.ID { return v }

func TestCheckoutCreatesSubscriptionAndGrantsInclusion(t *testing.T) {
	f := newFixture(t)

	tr := f.checkout(t, ids(f.catalog.Reports.ID), ids(f.catalog.Bundle.ID))
	assert.Equal(t, domain.ActionCreated, tr.Action)
	assert.Equal(t, domain.StatusActive, tr.To)
	assert.Equal(t, int64(100), tr.CreditsGranted)
	assert.Equal(t, 2, tr.ItemsCharged)

	sub := f.sub(t)
	assert.Equal(t, "GBP", sub.RegistrationCurrency)
	assert.Equal(t, f.catalog.Professional.ID, sub.CurrentTierID)

	assert.Equal(t, int64(100), f.balance(t).CreditsRemaining)
	assert.Len(t, f.provider.LineItems("sub_1"), 2)

	status, err := f.svc.GetStatus(context.Background(), f.org)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Reports.ID), status.EnabledModules)
	assert.Equal(t, ids(f.catalog.Bundle.ID), status.ActiveBundles)
	assert.Nil(t, status.GraceEndsAt)

	batches, err := f.credits.ListBatches(context.Background(), f.org)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, creditdomain.SourcePlanInclusion, batches[0].Source)
	require.NotNil(t, batches[0].ExpiresAt)
	assert.True(t, batches[0].ExpiresAt.Equal(sub.CurrentPeriodEnd))
}

func TestRepeatedCheckoutUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	in := f.checkoutInput(ids(f.catalog.Reports.ID), nil)
	f.apply(t, in)

	in.EventID = ""
	tr := f.apply(t, in)
	assert.Equal(t, domain.ActionSynced, tr.Action)
	assert.Zero(t, tr.CreditsGranted)
	assert.Zero(t, tr.ItemsCharged)

	subs, err := f.repo.ListByOrg(context.Background(), f.db, f.org)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	assert.Equal(t, int64(100), f.balance(t).CreditsRemaining)
	assert.Len(t, f.provider.LineItems("sub_1"), 1)
}

func TestCheckoutRejectsUnknownModule(t *testing.T) {
	f := newFixture(t)

	_, err := f.tryApply(f.checkoutInput(ids(f.node.Generate()), nil))
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))

	subs, err := f.repo.ListByOrg(context.Background(), f.db, f.org)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPaymentFailureGracePeriod(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, ids(f.catalog.Reports.ID), ids(f.catalog.Bundle.ID))
	t0 := f.clock.Now()
	failed := domain.LifecycleInput{Kind: domain.LifecyclePaymentFailed}

	tr := f.apply(t, failed)
	assert.Equal(t, domain.ActionGraceStarted, tr.Action)
	assert.Equal(t, domain.StatusGracePeriod, tr.To)
	assert.Equal(t, domain.NoticePaymentFailed, tr.Notice)
	require.NotNil(t, tr.GraceEndsAt)
	assert.True(t, tr.GraceEndsAt.Equal(t0.Add(72*time.Hour)))

	available, err := f.svc.IsModuleAvailableForInstance(context.Background(), f.org, f.catalog.Reports.ID)
	require.NoError(t, err)
	assert.True(t, available, "grace period keeps entitlements")

	f.clock.Set(t0.Add(24 * time.Hour))
	tr = f.apply(t, failed)
	assert.Equal(t, domain.ActionGracePending, tr.Action)
	assert.Equal(t, domain.StatusGracePeriod, f.sub(t).Status)
	assert.Equal(t, int64(100), f.balance(t).CreditsRemaining)

	f.clock.Set(t0.Add(4 * 24 * time.Hour))
	tr = f.apply(t, failed)
	assert.Equal(t, domain.ActionDeactivated, tr.Action)
	assert.Equal(t, domain.StatusInactive, tr.To)
	assert.Equal(t, domain.NoticeGraceExpired, tr.Notice)
	assert.Equal(t, 1, tr.ModulesDeactivated)
	assert.Equal(t, 1, tr.BundlesDeactivated)
	assert.Equal(t, int64(100), tr.CreditsExpired)

	assert.Zero(t, f.balance(t).CreditsRemaining)
	batches, err := f.credits.ListBatches(context.Background(), f.org)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Zero(t, b.RemainingQuantity)
	}
	status, err := f.svc.GetStatus(context.Background(), f.org)
	require.NoError(t, err)
	assert.Empty(t, status.EnabledModules)
	assert.Empty(t, status.ActiveBundles)

	available, err = f.svc.IsModuleAvailableForInstance(context.Background(), f.org, f.catalog.Reports.ID)
	require.NoError(t, err)
	assert.False(t, available)

	tr = f.apply(t, failed)
	assert.Equal(t, domain.ActionNoop, tr.Action)
}

func TestPaymentSucceededEndsGrace(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, nil, nil)
	f.apply(t, domain.LifecycleInput{Kind: domain.LifecyclePaymentFailed})

	tr := f.apply(t, domain.LifecycleInput{Kind: domain.LifecyclePaymentSucceeded})
	assert.Equal(t, domain.ActionPaymentCured, tr.Action)
	assert.Equal(t, domain.StatusGracePeriod, tr.From)
	assert.Equal(t, domain.StatusActive, tr.To)
	assert.Nil(t, f.sub(t).FirstPaymentFailureAt)

	// a later failure starts a fresh grace window
	f.clock.Advance(10 * 24 * time.Hour)
	tr = f.apply(t, domain.LifecycleInput{Kind: domain.LifecyclePaymentFailed})
	assert.Equal(t, domain.ActionGraceStarted, tr.Action)
}

func TestRenewalRollsOnlyPlanInclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, nil, nil)

	_, err := f.credits.ConsumeCredits(ctx, creditdomain.ConsumeRequest{
		OrgID: f.org, Quantity: 30, EntityType: "inspection", EntityID: "insp-1",
	})
	require.NoError(t, err)
	_, err = f.credits.GrantCredits(ctx, creditdomain.GrantRequest{
		OrgID:    f.org,
		Quantity: 20,
		Source:   creditdomain.SourceAdminGrant,
		Metadata: creditdomain.AdminGrantMetadata{Actor: "ops", Reason: "goodwill"},
	})
	require.NoError(t, err)

	old := f.sub(t)
	f.clock.Set(old.CurrentPeriodEnd.Add(time.Minute))
	start, end := old.CurrentPeriodEnd, old.CurrentPeriodEnd.AddDate(0, 1, 0)
	tr := f.apply(t, domain.LifecycleInput{
		Kind:        domain.LifecycleRenewalPaid,
		PeriodStart: &start,
		PeriodEnd:   &end,
	})
	assert.Equal(t, domain.ActionRenewed, tr.Action)
	assert.Equal(t, int64(100), tr.CreditsGranted)

	assert.Equal(t, int64(120), f.balance(t).CreditsRemaining)
	sub := f.sub(t)
	assert.True(t, sub.CurrentPeriodEnd.Equal(end))

	// the same cycle delivered again under another event id is stale
	tr = f.apply(t, domain.LifecycleInput{
		Kind:        domain.LifecycleRenewalPaid,
		PeriodStart: &start,
		PeriodEnd:   &end,
	})
	assert.Equal(t, domain.ActionNoop, tr.Action)
	assert.Equal(t, int64(120), f.balance(t).CreditsRemaining)
}

func TestRenewalAfterCancelSignalDeactivates(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, ids(f.catalog.Reports.ID), nil)

	cancel := true
	tr := f.apply(t, domain.LifecycleInput{
		Kind:              domain.LifecycleSubscriptionUpdated,
		ProviderStatus:    domain.ProviderStatusActive,
		CancelAtPeriodEnd: &cancel,
	})
	assert.Equal(t, domain.ActionCancelMarked, tr.Action)
	assert.Equal(t, domain.StatusActive, tr.To)

	start := f.sub(t).CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)
	tr = f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleRenewalPaid, PeriodStart: &start, PeriodEnd: &end})
	assert.Equal(t, domain.ActionDeactivated, tr.Action)
	assert.Equal(t, domain.StatusInactive, tr.To)
	assert.Zero(t, tr.CreditsGranted)
	assert.Equal(t, 1, tr.ModulesDeactivated)
	assert.Equal(t, int64(100), f.balance(t).CreditsRemaining, "no grant and no forced expiry")
}

func TestHardDeleteThenReactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Reports.ID), nil)

	tr := f.apply(t, domain.LifecycleInput{
		Kind:           domain.LifecycleSubscriptionUpdated,
		ProviderStatus: domain.ProviderStatusCanceled,
	})
	assert.Equal(t, domain.ActionDeactivated, tr.Action)
	assert.Equal(t, domain.StatusInactive, tr.To)
	assert.Equal(t, domain.NoticeDeactivated, tr.Notice)
	items, err := f.repo.ListLineItems(ctx, f.db, f.sub(t).ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	cancel := false
	tr = f.apply(t, domain.LifecycleInput{
		Kind:              domain.LifecycleSubscriptionUpdated,
		ProviderStatus:    domain.ProviderStatusActive,
		CancelAtPeriodEnd: &cancel,
		ModuleIDs:         ids(f.catalog.Reports.ID),
	})
	assert.Equal(t, domain.ActionReactivated, tr.Action)
	assert.Equal(t, domain.StatusActive, tr.To)
	assert.Equal(t, 1, tr.ItemsCharged)

	sub := f.sub(t)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.CancelledAt)
	available, err := f.svc.IsModuleAvailableForInstance(ctx, f.org, f.catalog.Reports.ID)
	require.NoError(t, err)
	assert.True(t, available)
}

func TestSubscriptionDeletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, nil, ids(f.catalog.Bundle.ID))

	tr := f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleSubscriptionDeleted})
	assert.Equal(t, domain.ActionDeactivated, tr.Action)
	assert.Equal(t, 1, tr.BundlesDeactivated)

	tr = f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleSubscriptionDeleted})
	assert.Equal(t, domain.ActionNoop, tr.Action)
}

func TestLifecycleForUnknownSubscription(t *testing.T) {
	f := newFixture(t)

	_, err := f.tryApply(domain.LifecycleInput{Kind: domain.LifecyclePaymentFailed, ProviderSubscriptionID: "sub_unknown"})
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindNotFound))
}

func TestToggleModuleChargesOnceAndSkipsBundleCoverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, nil, ids(f.catalog.Bundle.ID))
	require.Len(t, f.provider.LineItems("sub_1"), 1)

	change, err := f.svc.ToggleModule(ctx, domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Photos.ID, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "covered_by_bundle", change.Decision)
	assert.Empty(t, change.Charged)

	change, err = f.svc.ToggleModule(ctx, domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Reports.ID, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "charge", change.Decision)
	assert.Equal(t, ids(f.catalog.Reports.ID), change.Charged)

	change, err = f.svc.ToggleModule(ctx, domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Reports.ID, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "skip_existing", change.Decision)
	assert.Len(t, f.provider.LineItems("sub_1"), 2)
}

func TestToggleModuleDisableRefundFollowsPolicy(t *testing.T) {
	for _, tc := range []struct {
		name   string
		opts   []option
		refund bool
	}{
		{name: "default"},
		{name: "refund enabled", opts: []option{withRefunds}, refund: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.opts...)
			ctx := context.Background()
			f.checkout(t, ids(f.catalog.Reports.ID), nil)
			f.clock.Advance(10 * 24 * time.Hour)

			change, err := f.svc.ToggleModule(ctx, domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Reports.ID})
			require.NoError(t, err)
			assert.Equal(t, ids(f.catalog.Reports.ID), change.Released)
			assert.Empty(t, f.provider.LineItems("sub_1"))

			if tc.refund {
				assert.Positive(t, change.RefundedMinor)
				assert.Less(t, change.RefundedMinor, int64(800))
				assert.Len(t, f.provider.Credits(), 1)
			} else {
				assert.Zero(t, change.RefundedMinor)
				assert.Empty(t, f.provider.Credits())
			}
		})
	}
}

func TestToggleModuleRetriesTransientProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, nil, nil)
	f.provider.FailNext(memory.Transient("list_pending_items"))

	change, err := f.svc.ToggleModule(context.Background(), domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Photos.ID, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Photos.ID), change.Charged)
	assert.Len(t, f.provider.LineItems("sub_1"), 1)
}

func TestToggleModuleRequiresServiceableSubscription(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, nil, nil)
	f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleSubscriptionDeleted})

	_, err := f.svc.ToggleModule(context.Background(), domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Photos.ID, Enabled: true})
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))
}

func TestActivateBundleReleasesIndividualModuleItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Photos.ID, f.catalog.Reports.ID), nil)
	require.Len(t, f.provider.LineItems("sub_1"), 2)

	change, err := f.svc.ActivateBundle(ctx, f.org, f.catalog.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Bundle.ID), change.Charged)
	assert.Equal(t, ids(f.catalog.Photos.ID), change.Released)

	items := f.provider.LineItems("sub_1")
	assert.Len(t, items, 2)
	types := map[string]int{}
	for _, li := range items {
		types[li.ItemType]++
	}
	assert.Equal(t, map[string]int{"bundle": 1, "module": 1}, types)
}

func TestDeactivateBundleRepricesCoveredModules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Photos.ID), ids(f.catalog.Bundle.ID))
	require.Len(t, f.provider.LineItems("sub_1"), 1)

	change, err := f.svc.DeactivateBundle(ctx, f.org, f.catalog.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Bundle.ID), change.Released)
	assert.Equal(t, ids(f.catalog.Photos.ID), change.Charged)

	items := f.provider.LineItems("sub_1")
	require.Len(t, items, 1)
	assert.Equal(t, "module", items[0].ItemType)
	assert.Equal(t, f.catalog.Photos.ID.String(), items[0].ItemID)

	// already inactive
	change, err = f.svc.DeactivateBundle(ctx, f.org, f.catalog.Bundle.ID)
	require.NoError(t, err)
	assert.Empty(t, change.Released)
}

func TestRemoveModuleFromBundleCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Photos.ID), ids(f.catalog.Bundle.ID))

	change, err := f.svc.RemoveModuleFromBundle(ctx, f.catalog.Bundle.ID, f.catalog.Photos.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, change.ModulesLeft)
	assert.Zero(t, change.InstancesDeactivated)
	assert.Equal(t, 1, change.ModulesRepriced)

	change, err = f.svc.RemoveModuleFromBundle(ctx, f.catalog.Bundle.ID, f.catalog.Signatures.ID)
	require.NoError(t, err)
	assert.Zero(t, change.ModulesLeft)
	assert.Equal(t, 1, change.InstancesDeactivated)

	status, err := f.svc.GetStatus(ctx, f.org)
	require.NoError(t, err)
	assert.Empty(t, status.ActiveBundles)
	assert.Equal(t, ids(f.catalog.Photos.ID), status.EnabledModules)
}

func TestCloseSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Reports.ID), ids(f.catalog.Bundle.ID))
	require.Len(t, f.provider.LineItems("sub_1"), 2)

	tr, err := f.svc.CloseSubscription(ctx, f.org)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClosed, tr.Action)
	assert.Equal(t, domain.StatusCancelled, tr.To)
	assert.Empty(t, f.provider.LineItems("sub_1"))

	tr, err = f.svc.CloseSubscription(ctx, f.org)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, tr.Action)

	// a renewal on a closed account grants nothing and leaves it inactive
	start := f.sub(t).CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)
	f.clock.Set(start.Add(time.Minute))
	got := f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleRenewalPaid, PeriodStart: &start, PeriodEnd: &end})
	assert.Equal(t, domain.ActionDeactivated, got.Action)
	assert.Equal(t, domain.StatusCancelled, got.From)
	assert.Equal(t, domain.StatusInactive, got.To)
	assert.Zero(t, got.CreditsGranted)
	assert.Equal(t, domain.StatusInactive, f.sub(t).Status)

	got = f.apply(t, domain.LifecycleInput{Kind: domain.LifecycleRenewalPaid, PeriodStart: &start, PeriodEnd: &end})
	assert.Equal(t, domain.ActionNoop, got.Action)
}

func TestGraceExpiryReleasesProviderItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Reports.ID), ids(f.catalog.Bundle.ID))
	require.Len(t, f.provider.LineItems("sub_1"), 2)
	t0 := f.clock.Now()
	failed := domain.LifecycleInput{Kind: domain.LifecyclePaymentFailed}

	f.apply(t, failed)
	assert.Len(t, f.provider.LineItems("sub_1"), 2, "grace period keeps billing")

	f.clock.Set(t0.Add(4 * 24 * time.Hour))
	tr := f.apply(t, failed)
	assert.Equal(t, domain.ActionDeactivated, tr.Action)
	assert.Empty(t, f.provider.LineItems("sub_1"))
	items, err := f.repo.ListLineItems(ctx, f.db, f.sub(t).ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	// payment recovers and the module comes back on a single new item
	cancel := false
	tr = f.apply(t, domain.LifecycleInput{
		Kind:              domain.LifecycleSubscriptionUpdated,
		ProviderStatus:    domain.ProviderStatusActive,
		CancelAtPeriodEnd: &cancel,
		ModuleIDs:         ids(f.catalog.Reports.ID),
	})
	assert.Equal(t, domain.ActionReactivated, tr.Action)
	assert.Equal(t, 1, tr.ItemsCharged)

	lineItems := f.provider.LineItems("sub_1")
	require.Len(t, lineItems, 1)
	assert.Equal(t, f.catalog.Reports.ID.String(), lineItems[0].ItemID)
	stored, err := f.repo.FindLineItem(ctx, f.db, f.sub(t).ID, "module", f.catalog.Reports.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, lineItems[0].ID, stored.ProviderItemID)
}

func TestToggleModuleReenableInSamePeriodChargesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, nil, nil)
	toggle := func(enabled bool) *domain.EntitlementChange {
		t.Helper()
		change, err := f.svc.ToggleModule(ctx, domain.ToggleModuleRequest{OrgID: f.org, ModuleID: f.catalog.Reports.ID, Enabled: enabled})
		require.NoError(t, err)
		return change
	}

	toggle(true)
	first := f.provider.LineItems("sub_1")
	require.Len(t, first, 1)

	toggle(false)
	assert.Empty(t, f.provider.LineItems("sub_1"))

	change := toggle(true)
	assert.Equal(t, "charge", change.Decision)
	items := f.provider.LineItems("sub_1")
	require.Len(t, items, 1)
	assert.NotEqual(t, first[0].ID, items[0].ID)

	stored, err := f.repo.FindLineItem(ctx, f.db, f.sub(t).ID, "module", f.catalog.Reports.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.ProviderItemID)
	assert.Equal(t, items[0].ID, stored.ProviderItemID)
}

func TestBundleActivateThenDeactivateRepricesReleasedModule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkout(t, ids(f.catalog.Photos.ID), nil)
	require.Len(t, f.provider.LineItems("sub_1"), 1)

	change, err := f.svc.ActivateBundle(ctx, f.org, f.catalog.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Photos.ID), change.Released)

	change, err = f.svc.DeactivateBundle(ctx, f.org, f.catalog.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Photos.ID), change.Charged)

	items := f.provider.LineItems("sub_1")
	require.Len(t, items, 1)
	assert.Equal(t, "module", items[0].ItemType)
	assert.Equal(t, f.catalog.Photos.ID.String(), items[0].ItemID)

	stored, err := f.repo.FindLineItem(ctx, f.db, f.sub(t).ID, "module", f.catalog.Photos.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, items[0].ID, stored.ProviderItemID)
}

func TestCoveringBundles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.svc.CoveringBundles(ctx, f.org, f.catalog.Photos.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	f.checkout(t, nil, ids(f.catalog.Bundle.ID))
	got, err = f.svc.CoveringBundles(ctx, f.org, f.catalog.Photos.ID)
	require.NoError(t, err)
	assert.Equal(t, ids(f.catalog.Bundle.ID), got)

	got, err = f.svc.CoveringBundles(ctx, f.org, f.catalog.Reports.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
