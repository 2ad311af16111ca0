package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
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
	"github.com/smallbiznis/inspectbill/internal/lock"
	notificationdomain "github.com/smallbiznis/inspectbill/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	orgrepo "github.com/smallbiznis/inspectbill/internal/organization/repository"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	subrepo "github.com/smallbiznis/inspectbill/internal/subscription/repository"
	subservice "github.com/smallbiznis/inspectbill/internal/subscription/service"
	"github.com/smallbiznis/inspectbill/internal/testutil"
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters"
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters/generic"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const signingKey = "whsec_generic_test"

type recorder struct {
	mu      sync.Mutex
	notices []notificationdomain.Notice
}

func (r *recorder) Dispatch(_ context.Context, n notificationdomain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) kinds() []notificationdomain.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notificationdomain.Kind, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	provider *memory.Provider
	catalog  *testutil.Catalog
	credits  creditdomain.Service
	subRepo  subdomain.Repository
	repo     domain.Repository
	notices  *recorder
	metrics  *sdkmetric.ManualReader
	svc      domain.Service
	org      snowflake.ID
	seq      int
}

func newFixture(t *testing.T, locker *lock.Locker) *fixture {
	t.Helper()

	models := []any{&orgdomain.Organization{}, &creditdomain.CreditBatch{}, &creditdomain.CreditLedgerEntry{}, &domain.ProcessedEvent{}}
	models = append(models, catalogdomain.Models()...)
	models = append(models, subdomain.Models()...)
	db := testutil.NewDB(t, models...)
	node := testutil.NewNode(t)
	catalog := testutil.SeedCatalog(t, db, node)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	policy := config.DefaultBillingPolicy()
	policy.Retry = config.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	holder := config.NewStaticBillingPolicy(policy)

	orgs := orgrepo.Provide()
	org := &orgdomain.Organization{
		ID:        node.Generate(),
		Name:      "Harbour Lettings",
		Slug:      "harbour-lettings",
		CreatedAt: clk.Now(),
		UpdatedAt: clk.Now(),
	}
	require.NoError(t, orgs.Insert(context.Background(), db, org))

	provider := memory.New()
	sRepo := subrepo.Provide()
	cRepo := catalogrepo.Provide()
	credits := creditservice.NewService(creditservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    creditrepo.Provide(),
		OrgRepo: orgs,
	})
	subs := subservice.NewService(subservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Policy:      holder,
		Repo:        sRepo,
		OrgRepo:     orgs,
		CatalogRepo: cRepo,
		Catalog:     catalogservice.NewService(catalogservice.Params{DB: db, Log: log, Repo: cRepo}),
		Credits:     credits,
		Reconciler: entservice.NewService(entservice.Params{
			Log:         log,
			GenID:       node,
			Clock:       clk,
			Provider:    provider,
			CatalogRepo: cRepo,
			SubRepo:     sRepo,
		}),
	})

	reader := sdkmetric.NewManualReader()
	metrics, err := obsmetrics.New(obsmetrics.Config{ServiceName: "inspectbill"}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	notices := &recorder{}
	repo := repository.Provide()
	svc := NewService(Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Policy:        holder,
		Repo:          repo,
		Subscriptions: subs,
		Adapters:      adapters.NewRegistry(generic.New(signingKey)),
		Locker:        locker,
		Notifier:      notices,
		ObsMetrics:    metrics,
	})

	return &fixture{
		db:       db,
		node:     node,
		clock:    clk,
		provider: provider,
		catalog:  catalog,
		credits:  credits,
		subRepo:  sRepo,
		repo:     repo,
		notices:  notices,
		metrics:  reader,
		svc:      svc,
		org:      org.ID,
	}
}

func (f *fixture) eventID() string {
	f.seq++
	return "evt_" + strconv.Itoa(f.seq)
}

func (f *fixture) deliver(body map[string]any) (*domain.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set(generic.SignatureHeader, generic.Sign(signingKey, payload))
	return f.svc.Ingest(context.Background(), generic.Name, payload, headers)
}

func (f *fixture) checkoutBody(id string, tierID snowflake.ID) map[string]any {
	start := f.clock.Now()
	return map[string]any{
		"id":        id,
		"type":      "checkout-completed",
		"createdAt": start.Format(time.RFC3339),
		"subscription": map[string]any{
			"id":          "sub_1",
			"customerId":  "cus_1",
			"status":      "active",
			"currency":    "gbp",
			"periodStart": start.Format(time.RFC3339),
			"periodEnd":   start.AddDate(0, 1, 0).Format(time.RFC3339),
		},
		"metadata": map[string]any{
			"organizationId": f.org.String(),
			"tierId":         tierID.String(),
			"moduleIds":      []string{f.catalog.Reports.ID.String()},
		},
	}
}

func (f *fixture) paymentFailedBody(id string) map[string]any {
	return map[string]any{
		"id":              id,
		"type":            "payment_failed",
		"subscription_id": "sub_1",
	}
}

func (f *fixture) renewalBody(id string, start time.Time) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "renewal_paid",
		"subscription": map[string]any{
			"id":          "sub_1",
			"status":      "active",
			"periodStart": start.Format(time.RFC3339),
			"periodEnd":   start.AddDate(0, 1, 0).Format(time.RFC3339),
		},
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.credits.Balance(context.Background(), f.org)
	require.NoError(t, err)
	return b.CreditsRemaining
}

// expired sums the credits expired counter for reason.
func (f *fixture) expired(t *testing.T, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.metrics.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "inspectbill_credits_expired_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, found := dp.Attributes.Value("reason"); found && v.AsString() == reason {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func (f *fixture) row(t *testing.T, eventID string) *domain.ProcessedEvent {
	t.Helper()
	row, err := f.repo.FindByEvent(context.Background(), f.db, generic.Name, eventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func TestCheckoutProcessedOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	id := f.eventID()

	first, err := f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, first.Outcome)
	require.NotNil(t, first.Transition)
	assert.Equal(t, subdomain.ActionCreated, first.Transition.Action)
	assert.Equal(t, int64(100), first.Transition.CreditsGranted)

	second, err := f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Transition, second.Transition)

	assert.Equal(t, int64(100), f.balance(t))
	assert.Len(t, f.provider.LineItems("sub_1"), 1)

	row := f.row(t, id)
	assert.Equal(t, domain.StatusProcessed, row.Status)
	require.NotNil(t, row.OrgID)
	assert.Equal(t, f.org, *row.OrgID)
	raw, err := row.RawPayload()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "checkout-completed")
}

func TestRenewalProcessedOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.deliver(f.checkoutBody(f.eventID(), f.catalog.Professional.ID))
	require.NoError(t, err)
	require.Equal(t, int64(100), f.balance(t))

	start := f.clock.Now().AddDate(0, 1, 0)
	f.clock.Set(start.Add(time.Minute))
	id := f.eventID()

	first, err := f.deliver(f.renewalBody(id, start))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, first.Outcome)
	require.NotNil(t, first.Transition)
	assert.Equal(t, subdomain.ActionRenewed, first.Transition.Action)
	assert.Equal(t, int64(100), first.Transition.CreditsGranted)

	second, err := f.deliver(f.renewalBody(id, start))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Transition, second.Transition)

	assert.Equal(t, int64(100), f.balance(t))
	batches, err := f.credits.ListBatches(ctx, f.org)
	require.NoError(t, err)
	assert.Len(t, batches, 2, "one inclusion per cycle")
	assert.Equal(t, int64(100), f.expired(t, "renewal"))
}

func TestGraceExpiryProcessedOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.deliver(f.checkoutBody(f.eventID(), f.catalog.Professional.ID))
	require.NoError(t, err)
	t0 := f.clock.Now()

	_, err = f.deliver(f.paymentFailedBody(f.eventID()))
	require.NoError(t, err)

	f.clock.Set(t0.Add(4 * 24 * time.Hour))
	id := f.eventID()
	first, err := f.deliver(f.paymentFailedBody(id))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, first.Outcome)
	require.NotNil(t, first.Transition)
	assert.Equal(t, subdomain.ActionDeactivated, first.Transition.Action)
	assert.Equal(t, int64(100), first.Transition.CreditsExpired)
	assert.Zero(t, f.balance(t))
	assert.Empty(t, f.provider.LineItems("sub_1"))

	// credits granted after the sweep survive a redelivered failure
	_, err = f.credits.GrantCredits(ctx, creditdomain.GrantRequest{
		OrgID:    f.org,
		Quantity: 20,
		Source:   creditdomain.SourceAdminGrant,
		Metadata: creditdomain.AdminGrantMetadata{Actor: "ops", Reason: "goodwill"},
	})
	require.NoError(t, err)

	second, err := f.deliver(f.paymentFailedBody(id))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	require.NotNil(t, second.Transition)
	assert.Equal(t, subdomain.ActionDeactivated, second.Transition.Action)
	assert.Equal(t, int64(100), second.Transition.CreditsExpired)
	assert.Equal(t, int64(20), f.balance(t))
	assert.Equal(t, domain.StatusProcessed, f.row(t, id).Status)
	assert.Equal(t, int64(100), f.expired(t, "payment_failure"))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	payload, err := json.Marshal(f.checkoutBody(f.eventID(), f.catalog.Professional.ID))
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set(generic.SignatureHeader, generic.Sign("other-key", payload))
	_, err = f.svc.Ingest(context.Background(), generic.Name, payload, headers)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))

	events, err := f.svc.ListEvents(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIngestUnknownProvider(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Ingest(context.Background(), "paddle", []byte(`{}`), http.Header{})
	assert.True(t, billingerror.Is(err, billingerror.KindNotFound))
}

func TestIgnoredEventType(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.deliver(map[string]any{"id": f.eventID(), "type": "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)
}

func TestEventBeforeCheckoutIsParkedAndReplayed(t *testing.T) {
	f := newFixture(t, nil)
	failedID := f.eventID()

	res, err := f.deliver(f.paymentFailedBody(failedID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeParked, res.Outcome)
	assert.Equal(t, 1, res.RetryCount)

	row := f.row(t, failedID)
	assert.Equal(t, domain.StatusError, row.Status)
	assert.Contains(t, row.LastError, "subscription_not_found")
	assert.Equal(t, []notificationdomain.Kind{notificationdomain.KindEventParked}, f.notices.kinds())

	_, err = f.deliver(f.checkoutBody(f.eventID(), f.catalog.Professional.ID))
	require.NoError(t, err)

	replayed, err := f.svc.Replay(context.Background(), domain.ReplayRequest{EventID: failedID})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, replayed.Outcome)
	assert.Equal(t, subdomain.ActionGraceStarted, replayed.Transition.Action)
	assert.Equal(t, subdomain.StatusGracePeriod, replayed.Transition.To)
	assert.Equal(t, domain.StatusProcessed, f.row(t, failedID).Status)

	assert.Contains(t, f.notices.kinds(), notificationdomain.KindPaymentFailed)

	_, err = f.svc.Replay(context.Background(), domain.ReplayRequest{EventID: failedID})
	assert.True(t, billingerror.Is(err, billingerror.KindConflict))
}

func TestTransientFailuresExhaustThenPark(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.FailNext(memory.Transient("list"), memory.Transient("list"), memory.Transient("list"))
	id := f.eventID()

	res, err := f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeParked, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.RetryCount)

	subs, err := f.subRepo.ListByOrg(context.Background(), f.db, f.org)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Zero(t, f.balance(t))
	assert.Empty(t, f.provider.LineItems("sub_1"))

	parked, err := f.svc.ListEvents(context.Background(), domain.ListFilter{Status: domain.StatusError})
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, id, parked[0].EventID)

	f.clock.Advance(2 * time.Hour)
	count, err := f.svc.CountParked(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	res, err = f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, res.Outcome)
	assert.Equal(t, int64(100), f.balance(t))
	assert.Len(t, f.provider.LineItems("sub_1"), 1)
}

func TestTransientFailureRetriedWithinDelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.FailNext(memory.Transient("add"))

	res, err := f.deliver(f.checkoutBody(f.eventID(), f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, f.provider.LineItems("sub_1"), 1)
	assert.Equal(t, int64(100), f.balance(t))
}

func TestValidationFailureRejectedWithoutRetry(t *testing.T) {
	f := newFixture(t, nil)
	id := f.eventID()

	res, err := f.deliver(f.checkoutBody(id, f.node.Generate()))
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))
	require.NotNil(t, res)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	_, err = f.deliver(f.checkoutBody(id, f.node.Generate()))
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))

	row := f.row(t, id)
	assert.Equal(t, domain.StatusRejected, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Empty(t, f.notices.kinds())
}

func TestMalformedMetadataRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := f.checkoutBody(f.eventID(), f.catalog.Professional.ID)
	body["metadata"] = map[string]any{"organization_id": "not-a-number"}

	_, err := f.deliver(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}

func TestConcurrentDeliveryTurnedAway(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewLocker(client, time.Minute)

	f := newFixture(t, locker)
	id := f.eventID()
	lease, ok, err := locker.AcquireEvent(context.Background(), generic.Name, id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.Error(t, err)
	assert.True(t, billingerror.Is(err, billingerror.KindConflict))

	require.NoError(t, lease.Release(context.Background()))
	res, err := f.deliver(f.checkoutBody(id, f.catalog.Professional.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, res.Outcome)
}

func TestReplayUnknownEvent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Replay(context.Background(), domain.ReplayRequest{EventID: "evt_missing"})
	assert.True(t, billingerror.Is(err, billingerror.KindNotFound))
}
