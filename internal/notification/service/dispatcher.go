package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/smallbiznis/inspectbill/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	"github.com/smallbiznis/inspectbill/internal/providers/email"
	"github.com/smallbiznis/inspectbill/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	deliveryTimeout = 15 * time.Second
	dateLayout      = "2 January 2006 15:04 MST"

	outcomeSent    = "sent"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Email      email.Provider
	Slack      slack.Provider
	OrgRepo    orgdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher sends each notice on its own goroutine with a detached,
// bounded context. Failures are logged and counted, never returned.
type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	channel    string
	email      email.Provider
	slack      slack.Provider
	orgRepo    orgdomain.Repository
	obsMetrics *obsmetrics.Metrics
	timeout    time.Duration
	wg         sync.WaitGroup
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("notification.dispatcher"),
		channel:    p.Cfg.Slack.Channel,
		email:      p.Email,
		slack:      p.Slack,
		orgRepo:    p.OrgRepo,
		obsMetrics: p.ObsMetrics,
		timeout:    deliveryTimeout,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, n domain.Notice) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		outcome, err := d.deliver(ctx, n)
		if err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.String("org_id", n.OrgID.String()),
				zap.String("event_id", n.EventID),
				zap.Error(err),
			)
		}
		d.obsMetrics.RecordNotification(ctx, string(n.Kind), outcome)
	}()
}

// Wait blocks until every dispatched notice has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notice) (string, error) {
	if n.Operator() || n.Kind == domain.KindGraceExpired {
		if err := d.slack.PostMessage(ctx, d.channel, operatorText(n)); err != nil {
			return outcomeFailed, err
		}
		if n.Operator() {
			return outcomeSent, nil
		}
	}

	org, err := d.orgRepo.FindByID(ctx, d.db, n.OrgID)
	if err != nil {
		return outcomeFailed, err
	}
	if org == nil || strings.TrimSpace(org.BillingEmail) == "" {
		return outcomeSkipped, nil
	}

	data := map[string]any{
		"org_name": org.Name,
		"status":   n.Status,
	}
	if n.GraceEndsAt != nil {
		data["grace_ends_at"] = n.GraceEndsAt.UTC().Format(dateLayout)
	}
	if err := d.email.SendTemplate(ctx, []string{org.BillingEmail}, string(n.Kind), data); err != nil {
		return outcomeFailed, err
	}
	return outcomeSent, nil
}

func operatorText(n domain.Notice) string {
	switch n.Kind {
	case domain.KindEventParked:
		return fmt.Sprintf(":warning: %s event %s parked after %d deliveries: %s", n.Provider, n.EventID, n.Count, n.Reason)
	case domain.KindParkedBacklog:
		return fmt.Sprintf(":rotating_light: %d webhook events parked for longer than %s", n.Count, n.Reason)
	case domain.KindGraceExpired:
		return fmt.Sprintf("Organization %s lost access after the grace period (subscription %s)", n.OrgID, n.SubscriptionID)
	default:
		return fmt.Sprintf("%s for organization %s", n.Kind, n.OrgID)
	}
}
