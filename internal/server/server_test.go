package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/authorization"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/config"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	"github.com/smallbiznis/inspectbill/internal/observability"
	"github.com/smallbiznis/inspectbill/internal/pricing"
	"github.com/smallbiznis/inspectbill/internal/ratelimit"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/testutil"
	webhookdomain "github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAdminToken = "admin-secret-token"
	testOrg        = "1840000000000000001"
)

type fakeCredits struct {
	creditdomain.Service
	consumeErr error
	verifyErr  error
	consumed   []creditdomain.ConsumeRequest
	granted    []creditdomain.GrantRequest
}

func (f *fakeCredits) ConsumeCredits(_ context.Context, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	f.consumed = append(f.consumed, req)
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return &creditdomain.ConsumeResult{OrgID: req.OrgID, Quantity: req.Quantity, Remaining: 7}, nil
}

func (f *fakeCredits) GrantCredits(_ context.Context, req creditdomain.GrantRequest) (*creditdomain.CreditBatch, error) {
	f.granted = append(f.granted, req)
	return &creditdomain.CreditBatch{ID: snowflake.ID(77), OrgID: req.OrgID}, nil
}

func (f *fakeCredits) VerifyIntegrity(context.Context, snowflake.ID) error {
	return f.verifyErr
}

type fakeWebhooks struct {
	webhookdomain.Service
	res      *webhookdomain.Result
	err      error
	replayed []webhookdomain.ReplayRequest
}

func (f *fakeWebhooks) Ingest(context.Context, string, []byte, http.Header) (*webhookdomain.Result, error) {
	return f.res, f.err
}

func (f *fakeWebhooks) Replay(_ context.Context, req webhookdomain.ReplayRequest) (*webhookdomain.Result, error) {
	f.replayed = append(f.replayed, req)
	return f.res, f.err
}

type fakeSubscriptions struct {
	subdomain.Service
	toggled []subdomain.ToggleModuleRequest
}

func (f *fakeSubscriptions) ToggleModule(_ context.Context, req subdomain.ToggleModuleRequest) (*subdomain.EntitlementChange, error) {
	f.toggled = append(f.toggled, req)
	return &subdomain.EntitlementChange{ItemType: "module", ItemID: req.ModuleID, Enabled: req.Enabled, Decision: "charge"}, nil
}

type fakePricing struct{}

func (fakePricing) DetectTier(context.Context, int64) (*catalogdomain.Tier, error) {
	return &catalogdomain.Tier{ID: snowflake.ID(5), Code: "professional", Included: 100}, nil
}

func (fakePricing) SmartPacks(_ context.Context, extra int64, _ snowflake.ID, currency string) (*pricing.PackSelection, error) {
	return &pricing.PackSelection{Currency: currency}, nil
}

func (fakePricing) QuoteModule(context.Context, snowflake.ID, snowflake.ID, string) (*pricing.Quote, error) {
	return nil, billingerror.NotFound("price_not_found")
}

func (fakePricing) QuoteBundle(context.Context, snowflake.ID, string) (*pricing.Quote, error) {
	return nil, billingerror.NotFound("price_not_found")
}

type fakeRates struct {
	err error
}

func (f fakeRates) Refresh(context.Context) (exchangerate.Snapshot, error) {
	return exchangerate.Snapshot{Base: "USD"}, f.err
}

type auditRecorder struct {
	auditdomain.Service
	entries []auditdomain.Entry
}

func (a *auditRecorder) AuditLog(_ context.Context, entry auditdomain.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

type harness struct {
	engine        *gin.Engine
	credits       *fakeCredits
	webhooks      *fakeWebhooks
	subscriptions *fakeSubscriptions
	audit         *auditRecorder
}

func newHarness(t *testing.T, adminToken string, rates RateRefresher, opts ...func(*ServerParams)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{AdminAPIToken: adminToken, Operators: []string{"priya", "sam:support"}}
	enforcer, err := authorization.NewEnforcer(testutil.NewDB(t), cfg)
	require.NoError(t, err)

	h := &harness{
		engine:        NewEngine(observability.Config{}),
		credits:       &fakeCredits{},
		webhooks:      &fakeWebhooks{},
		subscriptions: &fakeSubscriptions{},
		audit:         &auditRecorder{},
	}
	if rates == nil {
		rates = fakeRates{}
	}
	params := ServerParams{
		Gin:           h.engine,
		Cfg:           cfg,
		Log:           zap.NewNop(),
		Credits:       h.credits,
		Subscriptions: h.subscriptions,
		Webhooks:      h.webhooks,
		Pricing:       fakePricing{},
		Rates:         rates,
		AuthzSvc:      authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		AuditSvc:      h.audit,
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params)
	return h
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func operator(name string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + testAdminToken,
		HeaderOperator:  name,
	}
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Type
}

func TestWebhookOutcomeStatus(t *testing.T) {
	cases := []struct {
		name   string
		res    *webhookdomain.Result
		err    error
		status int
	}{
		{"processed", &webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil, http.StatusOK},
		{"duplicate", &webhookdomain.Result{Outcome: webhookdomain.OutcomeDuplicate}, nil, http.StatusOK},
		{"ignored", &webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil, http.StatusOK},
		{"parked", &webhookdomain.Result{Outcome: webhookdomain.OutcomeParked}, nil, http.StatusAccepted},
		{"parked with cause", &webhookdomain.Result{Outcome: webhookdomain.OutcomeParked}, errors.New("boom"), http.StatusAccepted},
		{"rejected", &webhookdomain.Result{Outcome: webhookdomain.OutcomeRejected}, billingerror.Validationf("event_rejected", "bad payload"), http.StatusBadRequest},
		{"in flight", nil, billingerror.Conflict("event_in_flight", "busy"), http.StatusConflict},
		{"unknown provider", nil, billingerror.NotFound("provider_not_found"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testAdminToken, nil)
			h.webhooks.res, h.webhooks.err = tc.res, tc.err

			rec := h.do(http.MethodPost, "/webhooks/stripe", map[string]any{"id": "evt_1"}, nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestWebhookThrottledPerProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewWebhookLimiter(config.Config{
		WebhookRateLimit: config.RateLimitConfig{PerSecond: 0.001, Burst: 1},
	}, client, zap.NewNop())

	h := newHarness(t, testAdminToken, nil, func(p *ServerParams) { p.Limiter = limiter })
	h.webhooks.res = &webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}

	first := h.do(http.MethodPost, "/webhooks/stripe", map[string]any{"id": "evt_1"}, nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := h.do(http.MethodPost, "/webhooks/stripe", map[string]any{"id": "evt_2"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", errorType(t, second))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	other := h.do(http.MethodPost, "/webhooks/generic", map[string]any{"id": "evt_3"}, nil)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestConsumeCreditsInsufficient(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)
	h.credits.consumeErr = billingerror.InsufficientCredits(5, 2)

	rec := h.do(http.MethodPost, "/v1/orgs/"+testOrg+"/credits/consume", consumeCreditsRequest{Quantity: 5, EntityType: "inspection", EntityID: "insp_1"}, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credits", errorType(t, rec))
	require.Len(t, h.credits.consumed, 1)
	assert.Equal(t, "inspection", h.credits.consumed[0].EntityType)
}

func TestConsumeCreditsRejectsBadOrg(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodPost, "/v1/orgs/not-an-id/credits/consume", consumeCreditsRequest{Quantity: 1}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorType(t, rec))
	assert.Empty(t, h.credits.consumed)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodGet, "/admin/events", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/admin/events", nil, map[string]string{"Authorization": "Bearer wrong", HeaderOperator: "priya"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/admin/events", nil, map[string]string{"Authorization": "Bearer " + testAdminToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	h := newHarness(t, "", nil)

	rec := h.do(http.MethodPost, "/admin/events/evt_1/replay", nil, operator("priya"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, h.webhooks.replayed)
}

func TestReplayRequiresReplayPermission(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)
	h.webhooks.res = &webhookdomain.Result{Provider: "stripe", EventID: "evt_1", Outcome: webhookdomain.OutcomeProcessed}

	rec := h.do(http.MethodPost, "/admin/events/evt_1/replay", nil, operator("sam"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.webhooks.replayed)

	rec = h.do(http.MethodPost, "/admin/events/evt_1/replay?provider=stripe", nil, operator("priya"))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.webhooks.replayed, 1)
	assert.Equal(t, "stripe", h.webhooks.replayed[0].Provider)

	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "event.replay", h.audit.entries[0].Action)
	assert.Equal(t, "evt_1", h.audit.entries[0].TargetID)
}

func TestGrantCreditsRecordsOperator(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodPost, "/v1/orgs/"+testOrg+"/credits/grant", grantCreditsRequest{Quantity: 25, Reason: "goodwill"}, operator("priya"))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, h.credits.granted, 1)
	grant := h.credits.granted[0]
	assert.Equal(t, creditdomain.SourceAdminGrant, grant.Source)
	assert.Equal(t, creditdomain.AdminGrantMetadata{Actor: "operator:priya", Reason: "goodwill"}, grant.Metadata)

	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "credits.grant", h.audit.entries[0].Action)
	assert.Equal(t, "77", h.audit.entries[0].TargetID)
}

func TestGrantCreditsNeedsReason(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodPost, "/v1/orgs/"+testOrg+"/credits/grant", grantCreditsRequest{Quantity: 25}, operator("priya"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.credits.granted)
}

func TestVerifyCreditsSurfacesIntegrityViolation(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)
	h.credits.verifyErr = billingerror.DataIntegrity("counter_matches_batches", "counter 12 != batches 10")

	rec := h.do(http.MethodGet, "/admin/orgs/"+testOrg+"/credits/verify", nil, operator("sam"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "data_integrity", errorType(t, rec))
}

func TestToggleModuleRequiresEnabledFlag(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodPut, "/v1/orgs/"+testOrg+"/modules/42", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPut, "/v1/orgs/"+testOrg+"/modules/42", map[string]any{"enabled": false}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.subscriptions.toggled, 1)
	assert.False(t, h.subscriptions.toggled[0].Enabled)
	assert.Equal(t, snowflake.ID(42), h.subscriptions.toggled[0].ModuleID)
}

func TestPricingQueryValidation(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/pricing/tier", nil, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/pricing/tier?inspections=120", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/pricing/packs?extra=30&currency=GBP", nil, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/pricing/packs?extra=30&tier=5&currency=GBP", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/pricing/bundles/9?currency=GBP", nil, nil).Code)
}

func TestRefreshRates(t *testing.T) {
	h := newHarness(t, testAdminToken, fakeRates{err: exchangerate.ErrSourceNotConfigured})
	rec := h.do(http.MethodPost, "/admin/fx/refresh", nil, operator("priya"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	h = newHarness(t, testAdminToken, fakeRates{err: errors.New("dial tcp: connection refused")})
	rec = h.do(http.MethodPost, "/admin/fx/refresh", nil, operator("priya"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	h = newHarness(t, testAdminToken, nil)
	rec = h.do(http.MethodPost, "/admin/fx/refresh", nil, operator("priya"))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "fx.refresh", h.audit.entries[0].Action)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, testAdminToken, nil)

	rec := h.do(http.MethodGet, "/v2/nothing", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorType(t, rec))
}
