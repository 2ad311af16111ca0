package webhook

import (
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters"
	"github.com/smallbiznis/inspectbill/internal/webhook/repository"
	"github.com/smallbiznis/inspectbill/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.processor",
	fx.Provide(adapters.FromConfig),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
