package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/audit"
	"github.com/smallbiznis/inspectbill/internal/authorization"
	"github.com/smallbiznis/inspectbill/internal/billingprovider"
	"github.com/smallbiznis/inspectbill/internal/catalog"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/smallbiznis/inspectbill/internal/credit"
	"github.com/smallbiznis/inspectbill/internal/entitlement"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	"github.com/smallbiznis/inspectbill/internal/lock"
	"github.com/smallbiznis/inspectbill/internal/notification"
	"github.com/smallbiznis/inspectbill/internal/observability"
	"github.com/smallbiznis/inspectbill/internal/organization"
	"github.com/smallbiznis/inspectbill/internal/pricing"
	"github.com/smallbiznis/inspectbill/internal/providers"
	"github.com/smallbiznis/inspectbill/internal/subscription"
	"github.com/smallbiznis/inspectbill/internal/webhook"
	"github.com/smallbiznis/inspectbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// coreModules is the infrastructure every command needs.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(newSnowflake),
		db.Module,
		clock.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

// domainModules wires the ledger, subscription and webhook services.
func domainModules() fx.Option {
	return fx.Options(
		organization.Module,
		catalog.Module,
		credit.Module,
		exchangerate.Module,
		pricing.Module,
		billingprovider.Module,
		entitlement.Module,
		subscription.Module,
		providers.Module,
		notification.Module,
		lock.Module,
		webhook.Module,
		audit.Module,
		authorization.Module,
	)
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// runOnce builds an app, starts it, runs its invokes and stops it again.
// Invoke errors surface from fx.New.
func runOnce(ctx context.Context, opts ...fx.Option) error {
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelStop()
	return app.Stop(stopCtx)
}
