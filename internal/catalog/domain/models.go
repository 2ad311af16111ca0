package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ItemType string

const (
	ItemTier      ItemType = "tier"
	ItemModule    ItemType = "module"
	ItemBundle    ItemType = "bundle"
	ItemAddonPack ItemType = "addon_pack"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTier, ItemModule, ItemBundle, ItemAddonPack:
		return true
	}
	return false
}

// Tier is a subscription level. Included is both the lower bound of the
// tier's inspection range and the credits granted each cycle.
type Tier struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Included  int64        `gorm:"not null" json:"included"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Tier) TableName() string { return "catalog_tiers" }

type Module struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	Code        string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	Active      bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Module) TableName() string { return "catalog_modules" }

type Bundle struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Bundle) TableName() string { return "catalog_bundles" }

type BundleModule struct {
	BundleID snowflake.ID `gorm:"primaryKey" json:"bundle_id"`
	ModuleID snowflake.ID `gorm:"primaryKey;index" json:"module_id"`
}

func (BundleModule) TableName() string { return "catalog_bundle_modules" }

// AddonPack is a fixed-size credit pack. A nil TierID makes the pack
// available to every tier.
type AddonPack struct {
	ID        snowflake.ID  `gorm:"primaryKey" json:"id"`
	Code      string        `gorm:"type:text;not null;uniqueIndex" json:"code"`
	TierID    *snowflake.ID `gorm:"index" json:"tier_id,omitempty"`
	Quantity  int64         `gorm:"not null" json:"quantity"`
	Active    bool          `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
}

func (AddonPack) TableName() string { return "catalog_addon_packs" }

// Price is the amount for one catalog item in one currency, in minor units.
type Price struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	ItemType        ItemType     `gorm:"type:text;not null;uniqueIndex:ux_catalog_price_item" json:"item_type"`
	ItemID          snowflake.ID `gorm:"not null;uniqueIndex:ux_catalog_price_item" json:"item_id"`
	Currency        string       `gorm:"type:text;not null;uniqueIndex:ux_catalog_price_item" json:"currency"`
	AmountMinor     int64        `gorm:"not null" json:"amount_minor"`
	ProviderPriceID string       `gorm:"type:text" json:"provider_price_id,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (Price) TableName() string { return "catalog_prices" }

// Models lists every catalog table, for migrations in tests.
func Models() []any {
	return []any{&Tier{}, &Module{}, &Bundle{}, &BundleModule{}, &AddonPack{}, &Price{}}
}
