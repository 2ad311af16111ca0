package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.InstanceSubscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO instance_subscriptions (
			id, org_id, current_tier_id, status, cancel_at_period_end, cancelled_at,
			first_payment_failure_at, current_period_start, current_period_end,
			registration_currency, provider, provider_subscription_id, provider_customer_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.OrgID,
		sub.CurrentTierID,
		sub.Status,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.FirstPaymentFailureAt,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.RegistrationCurrency,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.InstanceSubscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE instance_subscriptions
		 SET current_tier_id = ?, status = ?, cancel_at_period_end = ?, cancelled_at = ?,
		     first_payment_failure_at = ?, current_period_start = ?, current_period_end = ?,
		     registration_currency = ?, provider = ?, provider_subscription_id = ?,
		     provider_customer_id = ?, updated_at = ?
		 WHERE id = ?`,
		sub.CurrentTierID,
		sub.Status,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.FirstPaymentFailureAt,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.RegistrationCurrency,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.ProviderCustomerID,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.InstanceSubscription, error) {
	var subs []domain.InstanceSubscription
	if err := db.WithContext(ctx).Where("org_id = ?", orgID).Order("id ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.InstanceSubscription, error) {
	var sub domain.InstanceSubscription
	err := db.WithContext(ctx).Where("id = ?", id).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByProviderSubscription(ctx context.Context, db *gorm.DB, provider, providerSubscriptionID string) (*domain.InstanceSubscription, error) {
	var sub domain.InstanceSubscription
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ListModules(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.InstanceModule, error) {
	var modules []domain.InstanceModule
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("module_id ASC").
		Find(&modules).Error
	if err != nil {
		return nil, err
	}
	return modules, nil
}

func (r *repo) FindModule(ctx context.Context, db *gorm.DB, subscriptionID, moduleID snowflake.ID) (*domain.InstanceModule, error) {
	var module domain.InstanceModule
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND module_id = ?", subscriptionID, moduleID).
		Take(&module).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &module, nil
}

func (r *repo) SaveModule(ctx context.Context, db *gorm.DB, module *domain.InstanceModule) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "module_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "enabled_at", "disabled_at", "updated_at"}),
	}).Create(module).Error
}

func (r *repo) ListBundles(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.InstanceBundle, error) {
	var bundles []domain.InstanceBundle
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("bundle_id ASC").
		Find(&bundles).Error
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *repo) FindBundle(ctx context.Context, db *gorm.DB, subscriptionID, bundleID snowflake.ID) (*domain.InstanceBundle, error) {
	var bundle domain.InstanceBundle
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND bundle_id = ?", subscriptionID, bundleID).
		Take(&bundle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (r *repo) SaveBundle(ctx context.Context, db *gorm.DB, bundle *domain.InstanceBundle) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "bundle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active", "activated_at", "deactivated_at", "updated_at"}),
	}).Create(bundle).Error
}

func (r *repo) ListActiveBundlesByCatalogBundle(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]domain.InstanceBundle, error) {
	var bundles []domain.InstanceBundle
	err := db.WithContext(ctx).
		Where("bundle_id = ? AND is_active = ?", bundleID, true).
		Order("subscription_id ASC").
		Find(&bundles).Error
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.LineItem, error) {
	var items []domain.LineItem
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("item_type ASC").
		Order("item_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindLineItem(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) (*domain.LineItem, error) {
	var item domain.LineItem
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND item_type = ? AND item_id = ?", subscriptionID, itemType, itemID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) UpsertLineItem(ctx context.Context, db *gorm.DB, item *domain.LineItem) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "item_type"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider_item_id", "provider_price_id"}),
	}).Create(item).Error
}

func (r *repo) DeleteLineItem(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM subscription_line_items WHERE subscription_id = ? AND item_type = ? AND item_id = ?`,
		subscriptionID, itemType, itemID,
	).Error
}

func (r *repo) DeleteAllLineItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM subscription_line_items WHERE subscription_id = ?`, subscriptionID)
	return result.RowsAffected, result.Error
}

func (r *repo) ChargeGeneration(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID) (int64, error) {
	var gen domain.ChargeGeneration
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND item_type = ? AND item_id = ?", subscriptionID, itemType, itemID).
		Take(&gen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gen.Generation, nil
}

func (r *repo) BumpChargeGeneration(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, itemType string, itemID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}, {Name: "item_type"}, {Name: "item_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"generation": gorm.Expr("subscription_charge_generations.generation + 1"),
			"updated_at": now,
		}),
	}).Create(&domain.ChargeGeneration{
		SubscriptionID: subscriptionID,
		ItemType:       itemType,
		ItemID:         itemID,
		Generation:     1,
		UpdatedAt:      now,
	}).Error
}
