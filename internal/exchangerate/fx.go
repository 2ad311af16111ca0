package exchangerate

import (
	"github.com/smallbiznis/inspectbill/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("exchangerate",
	fx.Provide(func(cfg config.Config) Source {
		return NewHTTPSource(cfg.FXSourceURL, nil)
	}),
	fx.Provide(NewTable),
)
