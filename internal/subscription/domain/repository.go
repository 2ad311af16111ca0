package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *InstanceSubscription) error
	Update(ctx context.Context, db *gorm.DB, sub *InstanceSubscription) error
	// ListByOrg returns every subscription row of an organization. More than
	// one row is an integrity violation the caller reports.
	ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]InstanceSubscription, error)
	FindByProviderSubscription(ctx context.Context, db *gorm.DB, provider, providerSubscriptionID string) (*InstanceSubscription, error)

	ListModules(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]InstanceModule, error)
	FindModule(ctx context.Context, db *gorm.DB, subscriptionID, moduleID snowflake.ID) (*InstanceModule, error)
	SaveModule(ctx context.Context, db *gorm.DB, module *InstanceModule) error

	ListBundles(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]InstanceBundle, error)
	FindBundle(ctx context.Context, db *gorm.DB, subscriptionID, bundleID snowflake.ID) (*InstanceBundle, error)
	SaveBundle(ctx context.Context, db *gorm.DB, bundle *InstanceBundle) error
	ListActiveBundlesByCatalogBundle(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]InstanceBundle, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InstanceSubscription, error)

	ListLineItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]LineItem, error)
	FindLineItem(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) (*LineItem, error)
	UpsertLineItem(ctx context.Context, db *gorm.DB, item *LineItem) error
	DeleteLineItem(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) error
	DeleteAllLineItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error)

	// ChargeGeneration is zero until the item is first released.
	ChargeGeneration(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) (int64, error)
	BumpChargeGeneration(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID, now time.Time) error
}
