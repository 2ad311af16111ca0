package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the read side of the catalog. Definitions are owned by admin
// tooling; only bundle membership can be changed from here.
type Service interface {
	ListTiers(ctx context.Context) ([]Tier, error)
	GetTier(ctx context.Context, id snowflake.ID) (*Tier, error)
	GetModule(ctx context.Context, id snowflake.ID) (*Module, error)
	GetBundle(ctx context.Context, id snowflake.ID) (*Bundle, error)
	BundleModuleIDs(ctx context.Context, bundleID snowflake.ID) ([]snowflake.ID, error)
	BundlesForModule(ctx context.Context, moduleID snowflake.ID) ([]snowflake.ID, error)
	AddonPacks(ctx context.Context, tierID snowflake.ID) ([]AddonPack, error)
	// Price returns nil when the item has no price in currency.
	Price(ctx context.Context, itemType ItemType, itemID snowflake.ID, currency string) (*Price, error)
	Prices(ctx context.Context, itemType ItemType, itemID snowflake.ID) ([]Price, error)

	// RemoveModuleFromBundleTx deletes the membership and returns the number
	// of modules left in the bundle.
	RemoveModuleFromBundleTx(ctx context.Context, tx *gorm.DB, bundleID, moduleID snowflake.ID) (int, error)
	// Invalidate drops cached lookups after catalog writes.
	Invalidate()
}

var (
	ErrTierNotFound       = errors.New("tier_not_found")
	ErrModuleNotFound     = errors.New("module_not_found")
	ErrBundleNotFound     = errors.New("bundle_not_found")
	ErrBundleModuleAbsent = errors.New("module_not_in_bundle")
	ErrInvalidItemType    = errors.New("invalid_item_type")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrNoTiers            = errors.New("no_tiers_configured")
)
