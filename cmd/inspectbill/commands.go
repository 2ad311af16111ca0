package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/authorization"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/migration"
	obscontext "github.com/smallbiznis/inspectbill/internal/observability/context"
	"github.com/smallbiznis/inspectbill/internal/scheduler"
	"github.com/smallbiznis/inspectbill/internal/seed"
	"github.com/smallbiznis/inspectbill/internal/server"
	webhookdomain "github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const systemActor = "system"

func serveOptions() fx.Option {
	return fx.Options(
		coreModules(),
		migration.Module,
		domainModules(),
		scheduler.Module,
		server.Module,
	)
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), coreModules(), fx.Invoke(migration.Apply))
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return runOnce(cmd.Context(), coreModules(), fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				log.Info("rolling back migrations", zap.Int("steps", steps))
				return migration.Rollback(sqlDB, steps)
			}))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a catalog and organizations from a YAML seed file",
		Long:  "Load a catalog and organizations from a YAML seed file. Without --file the built-in default catalog is used. Running it twice is safe.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadSeed(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			return runOnce(ctx, coreModules(), migration.Module, fx.Invoke(
				func(conn *gorm.DB, node *snowflake.Node, clk clock.Clock) error {
					summary, err := seed.Apply(ctx, conn, node, f, clk.Now())
					if err != nil {
						return err
					}
					return writeJSON(out, summary)
				},
			))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the seed file")
	return cmd
}

func loadSeed(path string) (*seed.File, error) {
	if path == "" {
		return seed.Default()
	}
	return seed.Load(path)
}

func newReplayCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-run a parked webhook event from its stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return fmt.Errorf("--provider is required")
			}
			eventID := args[0]
			out := cmd.OutOrStdout()
			ctx := obscontext.WithActor(cmd.Context(), systemActor)
			return runOnce(ctx, coreModules(), domainModules(), fx.Invoke(
				func(authz authorization.Service, webhooks webhookdomain.Service, audit domain.Service, log *zap.Logger) error {
					return replayEvent(ctx, out, authz, webhooks, audit, log, provider, eventID)
				},
			))
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "billing provider the event came from")
	return cmd
}

func replayEvent(
	ctx context.Context,
	out io.Writer,
	authz authorization.Service,
	webhooks webhookdomain.Service,
	audit domain.Service,
	log *zap.Logger,
	provider, eventID string,
) error {
	if err := authz.Authorize(ctx, systemActor, authorization.ObjectEvents, authorization.ActionReplay); err != nil {
		return err
	}

	res, err := webhooks.Replay(ctx, webhookdomain.ReplayRequest{Provider: provider, EventID: eventID})
	if res != nil {
		entry := domain.Entry{
			Action:     "event.replay",
			TargetType: "processed_event",
			TargetID:   eventID,
			Metadata: map[string]any{
				"provider": provider,
				"outcome":  string(res.Outcome),
				"attempts": res.Attempts,
			},
		}
		if auditErr := audit.AuditLog(ctx, entry); auditErr != nil {
			log.Warn("failed to audit replay", zap.String("event_id", eventID), zap.Error(auditErr))
		}
		if writeErr := writeJSON(out, res); writeErr != nil {
			return writeErr
		}
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
