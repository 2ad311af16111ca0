package providers

import (
	"github.com/smallbiznis/inspectbill/internal/providers/email"
	"github.com/smallbiznis/inspectbill/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
)
