package exchangerate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/config"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrSourceNotConfigured = errors.New("fx source not configured")

// Snapshot is one set of rates against Base.
type Snapshot struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Fallback  bool                       `json:"fallback"`
}

func (s Snapshot) rate(currency string) (decimal.Decimal, bool) {
	if currency == s.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := s.Rates[currency]
	return r, ok && r.IsPositive()
}

type TableParams struct {
	fx.In

	Source     Source
	Policy     *config.BillingPolicyHolder
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Table converts amounts between currencies through the base currency.
// Fetched rates are cached for the policy TTL. When the source fails the
// fallback rates are served without being cached, so the next call tries
// the source again.
type Table struct {
	source  Source
	base    string
	ttl     time.Duration
	policy  *config.BillingPolicyHolder
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	mu    sync.Mutex
	cache *expirable.LRU[string, Snapshot]
}

func NewTable(p TableParams) *Table {
	fxPolicy := p.Policy.Get().FX
	return &Table{
		source:  p.Source,
		base:    NormalizeCurrency(fxPolicy.BaseCurrency),
		ttl:     fxPolicy.TTL,
		policy:  p.Policy,
		log:     p.Log.Named("exchangerate.table"),
		metrics: p.ObsMetrics,
		cache:   expirable.NewLRU[string, Snapshot](1, nil, fxPolicy.TTL),
	}
}

func (t *Table) Base() string { return t.base }

// Current returns cached rates, fetching them on a miss.
func (t *Table) Current(ctx context.Context) Snapshot {
	if snap, ok := t.cache.Get(t.base); ok {
		return snap
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if snap, ok := t.cache.Get(t.base); ok {
		return snap
	}
	snap, err := t.fetch(ctx)
	if err != nil {
		t.log.Warn("fx source unavailable, using fallback rates", zap.Error(err))
		return t.fallback()
	}
	return snap
}

// Refresh fetches rates now and replaces the cached set. The cache is left
// untouched on error.
func (t *Table) Refresh(ctx context.Context) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetch(ctx)
}

// Invalidate drops the cached rates.
func (t *Table) Invalidate() {
	t.cache.Purge()
}

// Convert converts amountMinor from one currency to another, rounding to
// the target's minor unit.
func (t *Table) Convert(ctx context.Context, amountMinor int64, from, to string) (int64, error) {
	from, to = NormalizeCurrency(from), NormalizeCurrency(to)
	if from == to {
		return amountMinor, nil
	}
	snap := t.Current(ctx)
	fromRate, ok := snap.rate(from)
	if !ok {
		return 0, billingerror.Validationf("unsupported_currency", "no rate for %s", from)
	}
	toRate, ok := snap.rate(to)
	if !ok {
		return 0, billingerror.Validationf("unsupported_currency", "no rate for %s", to)
	}
	inBase := ToMajor(amountMinor, from).Div(fromRate)
	return ToMinor(inBase.Mul(toRate), to), nil
}

func (t *Table) fetch(ctx context.Context) (Snapshot, error) {
	rates, err := t.source.Fetch(ctx, t.base)
	if err != nil {
		t.metrics.RecordProviderCall(ctx, "fx", "fetch_rates", "error")
		return Snapshot{}, err
	}
	t.metrics.RecordProviderCall(ctx, "fx", "fetch_rates", "success")

	snap := Snapshot{Base: t.base, Rates: rates, FetchedAt: time.Now().UTC()}
	t.cache.Add(t.base, snap)
	t.log.Debug("fx rates refreshed", zap.String("base", t.base), zap.Int("currencies", len(rates)))
	return snap, nil
}

func (t *Table) fallback() Snapshot {
	fallback := t.policy.Get().FX.FallbackRates
	rates := make(map[string]decimal.Decimal, len(fallback))
	for code, rate := range fallback {
		rates[NormalizeCurrency(code)] = decimal.NewFromFloat(rate)
	}
	return Snapshot{Base: t.base, Rates: rates, FetchedAt: time.Now().UTC(), Fallback: true}
}
