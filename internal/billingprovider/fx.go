package billingprovider

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	"github.com/smallbiznis/inspectbill/internal/billingprovider/memory"
	"github.com/smallbiznis/inspectbill/internal/billingprovider/stripe"
	"github.com/smallbiznis/inspectbill/internal/config"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// NewProvider selects the adapter named by BILLING_PROVIDER.
func NewProvider(p Params) (domain.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(p.Cfg.BillingProvider)) {
	case stripe.Name:
		if strings.TrimSpace(p.Cfg.StripeSecretKey) == "" {
			return nil, fmt.Errorf("billing provider stripe requires STRIPE_SECRET_KEY")
		}
		return stripe.New(p.Cfg.StripeSecretKey, p.Log, p.ObsMetrics), nil
	case memory.Name, "":
		if p.Cfg.IsProduction() {
			return nil, fmt.Errorf("billing provider memory is not allowed in production")
		}
		p.Log.Warn("using in-memory billing provider")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported billing provider %q", p.Cfg.BillingProvider)
	}
}

var Module = fx.Module("billingprovider",
	fx.Provide(NewProvider),
)
