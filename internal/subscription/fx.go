package subscription

import (
	"github.com/smallbiznis/inspectbill/internal/pricing"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/subscription/repository"
	"github.com/smallbiznis/inspectbill/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) pricing.BundleCoverage { return s }),
)
