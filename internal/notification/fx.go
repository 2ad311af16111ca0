package notification

import (
	"context"

	"github.com/smallbiznis/inspectbill/internal/notification/domain"
	"github.com/smallbiznis/inspectbill/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(service.NewDispatcher),
	fx.Provide(func(d *service.Dispatcher) domain.Dispatcher { return d }),
	fx.Invoke(func(lc fx.Lifecycle, d *service.Dispatcher) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				d.Wait()
				return nil
			},
		})
	}),
)
