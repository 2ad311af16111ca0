// Package domain holds the subscription record of an organization and the
// module and bundle entitlements hanging off it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusInactive    Status = "inactive"
	StatusCancelled   Status = "cancelled"
)

// Serviceable reports whether entitlements are usable in this status.
func (s Status) Serviceable() bool {
	return s == StatusActive || s == StatusGracePeriod
}

// InstanceSubscription is the single subscription of an organization.
type InstanceSubscription struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID                  snowflake.ID `gorm:"not null;uniqueIndex" json:"organization_id"`
	CurrentTierID          snowflake.ID `gorm:"not null" json:"current_tier_id"`
	Status                 Status       `gorm:"type:text;not null" json:"status"`
	CancelAtPeriodEnd      bool         `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CancelledAt            *time.Time   `json:"cancelled_at,omitempty"`
	FirstPaymentFailureAt  *time.Time   `json:"first_payment_failure_at,omitempty"`
	CurrentPeriodStart     time.Time    `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time    `gorm:"not null" json:"current_period_end"`
	RegistrationCurrency   string       `gorm:"type:text;not null" json:"registration_currency"`
	Provider               string       `gorm:"type:text;not null;uniqueIndex:ux_instance_subscriptions_provider" json:"provider"`
	ProviderSubscriptionID string       `gorm:"type:text;not null;uniqueIndex:ux_instance_subscriptions_provider" json:"provider_subscription_id"`
	ProviderCustomerID     string       `gorm:"type:text" json:"provider_customer_id,omitempty"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`
}

func (InstanceSubscription) TableName() string { return "instance_subscriptions" }

// GraceEndsAt is when a still-failing payment deactivates the subscription.
func (s InstanceSubscription) GraceEndsAt(grace time.Duration) *time.Time {
	if s.FirstPaymentFailureAt == nil {
		return nil
	}
	end := s.FirstPaymentFailureAt.Add(grace)
	return &end
}

type InstanceModule struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_instance_modules" json:"subscription_id"`
	ModuleID       snowflake.ID `gorm:"not null;uniqueIndex:ux_instance_modules" json:"module_id"`
	IsEnabled      bool         `gorm:"not null;default:false" json:"is_enabled"`
	EnabledAt      *time.Time   `json:"enabled_at,omitempty"`
	DisabledAt     *time.Time   `json:"disabled_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (InstanceModule) TableName() string { return "instance_modules" }

type InstanceBundle struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_instance_bundles" json:"subscription_id"`
	BundleID       snowflake.ID `gorm:"not null;uniqueIndex:ux_instance_bundles;index" json:"bundle_id"`
	IsActive       bool         `gorm:"not null;default:false" json:"is_active"`
	ActivatedAt    *time.Time   `json:"activated_at,omitempty"`
	DeactivatedAt  *time.Time   `json:"deactivated_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (InstanceBundle) TableName() string { return "instance_bundles" }

// LineItem is the local record of a billable item known to be on the
// provider subscription. It is the cache the entitlement reconciler
// consults before charging.
type LineItem struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID  snowflake.ID `gorm:"not null;uniqueIndex:ux_subscription_line_items" json:"subscription_id"`
	ItemType        string       `gorm:"type:text;not null;uniqueIndex:ux_subscription_line_items" json:"item_type"`
	ItemID          snowflake.ID `gorm:"not null;uniqueIndex:ux_subscription_line_items" json:"item_id"`
	ProviderItemID  string       `gorm:"type:text" json:"provider_item_id,omitempty"`
	ProviderPriceID string       `gorm:"type:text" json:"provider_price_id,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (LineItem) TableName() string { return "subscription_line_items" }

// ChargeGeneration counts how many times an item's line item has been
// released from a subscription. It is part of the provider idempotency key
// so a charge after a release is a new provider request.
type ChargeGeneration struct {
	SubscriptionID snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"subscription_id"`
	ItemType       string       `gorm:"type:text;primaryKey" json:"item_type"`
	ItemID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	Generation     int64        `gorm:"not null;default:0" json:"generation"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (ChargeGeneration) TableName() string { return "subscription_charge_generations" }

func Models() []any {
	return []any{&InstanceSubscription{}, &InstanceModule{}, &InstanceBundle{}, &LineItem{}, &ChargeGeneration{}}
}
