package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindPaymentFailed Kind = "payment_failed"
	KindGraceExpired  Kind = "grace_period_expired"
	KindDeactivated   Kind = "subscription_deactivated"
	KindEventParked   Kind = "event_parked"
	KindParkedBacklog Kind = "parked_event_backlog"
)

// Notice is one outbound alert. Organization notices go to the billing
// email; operator notices go to Slack.
type Notice struct {
	Kind           Kind
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	Provider       string
	EventID        string
	Status         string
	Reason         string
	GraceEndsAt    *time.Time
	Count          int64
	OccurredAt     time.Time
}

// Operator reports whether the notice is meant for operators rather than
// the organization.
func (n Notice) Operator() bool {
	return n.Kind == KindEventParked || n.Kind == KindParkedBacklog
}

// Dispatcher delivers notices best-effort. Dispatch never blocks on the
// transport and never reports failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notice)
}
