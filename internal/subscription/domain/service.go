package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context, orgID snowflake.ID) (*InstanceSubscription, error)
	GetStatus(ctx context.Context, orgID snowflake.ID) (*StatusView, error)
	IsModuleAvailableForInstance(ctx context.Context, orgID, moduleID snowflake.ID) (bool, error)
	CoveringBundles(ctx context.Context, orgID, moduleID snowflake.ID) ([]snowflake.ID, error)

	ToggleModule(ctx context.Context, req ToggleModuleRequest) (*EntitlementChange, error)
	ActivateBundle(ctx context.Context, orgID, bundleID snowflake.ID) (*EntitlementChange, error)
	DeactivateBundle(ctx context.Context, orgID, bundleID snowflake.ID) (*EntitlementChange, error)
	RemoveModuleFromBundle(ctx context.Context, bundleID, moduleID snowflake.ID) (*BundleMembershipChange, error)
	CloseSubscription(ctx context.Context, orgID snowflake.ID) (*Transition, error)

	// Apply runs one lifecycle event inside the caller's transaction.
	Apply(ctx context.Context, tx *gorm.DB, in LifecycleInput) (*Transition, error)
	// ResolveOrg returns the organization an event belongs to.
	ResolveOrg(ctx context.Context, tx *gorm.DB, in LifecycleInput) (snowflake.ID, error)
}

type ToggleModuleRequest struct {
	OrgID    snowflake.ID
	ModuleID snowflake.ID
	Enabled  bool
}

// EntitlementChange lists what a toggle or bundle action did to the
// provider subscription.
type EntitlementChange struct {
	SubscriptionID snowflake.ID   `json:"subscription_id"`
	ItemType       string         `json:"item_type"`
	ItemID         snowflake.ID   `json:"item_id"`
	Enabled        bool           `json:"enabled"`
	Decision       string         `json:"decision,omitempty"`
	Charged        []snowflake.ID `json:"charged,omitempty"`
	Released       []snowflake.ID `json:"released,omitempty"`
	RefundedMinor  int64          `json:"refunded_minor,omitempty"`
}

type BundleMembershipChange struct {
	BundleID             snowflake.ID `json:"bundle_id"`
	ModuleID             snowflake.ID `json:"module_id"`
	ModulesLeft          int          `json:"modules_left"`
	InstancesDeactivated int          `json:"instances_deactivated"`
	ModulesRepriced      int          `json:"modules_repriced"`
}

type StatusView struct {
	OrgID                 snowflake.ID   `json:"organization_id"`
	SubscriptionID        snowflake.ID   `json:"subscription_id"`
	Status                Status         `json:"status"`
	TierID                snowflake.ID   `json:"tier_id"`
	Currency              string         `json:"currency"`
	CurrentPeriodStart    time.Time      `json:"current_period_start"`
	CurrentPeriodEnd      time.Time      `json:"current_period_end"`
	CancelAtPeriodEnd     bool           `json:"cancel_at_period_end"`
	FirstPaymentFailureAt *time.Time     `json:"first_payment_failure_at,omitempty"`
	GraceEndsAt           *time.Time     `json:"grace_ends_at,omitempty"`
	EnabledModules        []snowflake.ID `json:"enabled_modules"`
	ActiveBundles         []snowflake.ID `json:"active_bundles"`
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidModule         = errors.New("invalid_module")
	ErrInvalidBundle         = errors.New("invalid_bundle")
	ErrInvalidEvent          = errors.New("invalid_lifecycle_event")
	ErrMissingTier           = errors.New("missing_tier")
	ErrMissingPeriod         = errors.New("missing_period")
	ErrMissingProviderRef    = errors.New("missing_provider_subscription")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrMultipleSubscriptions = errors.New("multiple_subscriptions")
)
