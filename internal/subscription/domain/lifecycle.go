package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
)

// LifecycleKind is the processor event normalized for the state machine.
type LifecycleKind string

const (
	LifecycleCheckoutCompleted   LifecycleKind = "checkout_completed"
	LifecycleRenewalPaid         LifecycleKind = "renewal_paid"
	LifecyclePaymentSucceeded    LifecycleKind = "payment_succeeded"
	LifecyclePaymentFailed       LifecycleKind = "payment_failed"
	LifecycleSubscriptionUpdated LifecycleKind = "subscription_updated"
	LifecycleSubscriptionDeleted LifecycleKind = "subscription_deleted"
)

// Provider subscription statuses that mean the subscription is gone.
const (
	ProviderStatusActive            = "active"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusIncompleteExpired = "incomplete_expired"
)

// LifecycleInput carries what the state machine needs from one event.
type LifecycleInput struct {
	EventID                string
	Kind                   LifecycleKind
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderStatus         string
	OrgID                  snowflake.ID
	TierID                 snowflake.ID
	ModuleIDs              []snowflake.ID
	BundleIDs              []snowflake.ID
	Currency               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      *bool
	LineItems              []providerdomain.LineItem
	OccurredAt             time.Time
}

// HardDelete reports whether the provider no longer bills the subscription.
func (in LifecycleInput) HardDelete() bool {
	return in.Kind == LifecycleSubscriptionDeleted ||
		in.ProviderStatus == ProviderStatusCanceled ||
		in.ProviderStatus == ProviderStatusIncompleteExpired
}

// Action names what a lifecycle step did.
type Action string

const (
	ActionCreated      Action = "created"
	ActionRenewed      Action = "renewed"
	ActionDeactivated  Action = "deactivated"
	ActionGraceStarted Action = "grace_started"
	ActionGracePending Action = "grace_pending"
	ActionPaymentCured Action = "payment_cured"
	ActionCancelMarked Action = "cancel_marked"
	ActionReactivated  Action = "reactivated"
	ActionSynced       Action = "synced"
	ActionClosed       Action = "closed"
	ActionNoop         Action = "noop"
)

// NoticeKind is an outbound alert a transition asks for.
type NoticeKind string

const (
	NoticePaymentFailed NoticeKind = "payment_failed"
	NoticeGraceExpired  NoticeKind = "grace_period_expired"
	NoticeDeactivated   NoticeKind = "subscription_deactivated"
)

// Transition is the result of one lifecycle step. It is stored with the
// processed event and returned unchanged for duplicate deliveries.
type Transition struct {
	SubscriptionID     snowflake.ID  `json:"subscription_id"`
	OrgID              snowflake.ID  `json:"organization_id"`
	Kind               LifecycleKind `json:"kind"`
	Action             Action        `json:"action"`
	From               Status        `json:"from,omitempty"`
	To                 Status        `json:"to,omitempty"`
	CreditsGranted     int64         `json:"credits_granted,omitempty"`
	CreditsExpired     int64         `json:"credits_expired,omitempty"`
	ExpiryReason       string        `json:"expiry_reason,omitempty"`
	ModulesDeactivated int           `json:"modules_deactivated,omitempty"`
	BundlesDeactivated int           `json:"bundles_deactivated,omitempty"`
	ItemsCharged       int           `json:"items_charged,omitempty"`
	ItemsSkipped       int           `json:"items_skipped,omitempty"`
	Notice             NoticeKind    `json:"notice,omitempty"`
	GraceEndsAt        *time.Time    `json:"grace_ends_at,omitempty"`
}
