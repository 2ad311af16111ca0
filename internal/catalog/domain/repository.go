package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListTiers(ctx context.Context, db *gorm.DB) ([]Tier, error)
	FindTier(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tier, error)
	FindModule(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Module, error)
	FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bundle, error)
	ListBundleModuleIDs(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]snowflake.ID, error)
	ListBundleIDsForModule(ctx context.Context, db *gorm.DB, moduleID snowflake.ID) ([]snowflake.ID, error)
	DeleteBundleModule(ctx context.Context, db *gorm.DB, bundleID, moduleID snowflake.ID) (bool, error)
	ListAddonPacks(ctx context.Context, db *gorm.DB, tierID snowflake.ID) ([]AddonPack, error)
	FindPrice(ctx context.Context, db *gorm.DB, itemType ItemType, itemID snowflake.ID, currency string) (*Price, error)
	ListPrices(ctx context.Context, db *gorm.DB, itemType ItemType, itemID snowflake.ID) ([]Price, error)

	UpsertTier(ctx context.Context, db *gorm.DB, tier *Tier) error
	UpsertModule(ctx context.Context, db *gorm.DB, module *Module) error
	UpsertBundle(ctx context.Context, db *gorm.DB, bundle *Bundle) error
	UpsertBundleModule(ctx context.Context, db *gorm.DB, link *BundleModule) error
	UpsertAddonPack(ctx context.Context, db *gorm.DB, pack *AddonPack) error
	UpsertPrice(ctx context.Context, db *gorm.DB, price *Price) error
}
