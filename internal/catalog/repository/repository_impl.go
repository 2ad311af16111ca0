package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListTiers(ctx context.Context, db *gorm.DB) ([]domain.Tier, error) {
	var tiers []domain.Tier
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, included, active, created_at, updated_at
		 FROM catalog_tiers
		 WHERE active = ?
		 ORDER BY included ASC, id ASC`,
		true,
	).Scan(&tiers).Error
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

func (r *repo) FindTier(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tier, error) {
	var tier domain.Tier
	if err := take(ctx, db, &tier, id); err != nil || tier.ID == 0 {
		return nil, err
	}
	return &tier, nil
}

func (r *repo) FindModule(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Module, error) {
	var module domain.Module
	if err := take(ctx, db, &module, id); err != nil || module.ID == 0 {
		return nil, err
	}
	return &module, nil
}

func (r *repo) FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bundle, error) {
	var bundle domain.Bundle
	if err := take(ctx, db, &bundle, id); err != nil || bundle.ID == 0 {
		return nil, err
	}
	return &bundle, nil
}

func (r *repo) ListBundleModuleIDs(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT module_id FROM catalog_bundle_modules WHERE bundle_id = ? ORDER BY module_id`,
		bundleID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListBundleIDsForModule(ctx context.Context, db *gorm.DB, moduleID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT bm.bundle_id
		 FROM catalog_bundle_modules bm
		 JOIN catalog_bundles b ON b.id = bm.bundle_id
		 WHERE bm.module_id = ? AND b.active = ?
		 ORDER BY bm.bundle_id`,
		moduleID, true,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) DeleteBundleModule(ctx context.Context, db *gorm.DB, bundleID, moduleID snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM catalog_bundle_modules WHERE bundle_id = ? AND module_id = ?`,
		bundleID, moduleID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListAddonPacks(ctx context.Context, db *gorm.DB, tierID snowflake.ID) ([]domain.AddonPack, error) {
	var packs []domain.AddonPack
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Where("tier_id = ? OR tier_id IS NULL", tierID).
		Order("quantity ASC").
		Order("id ASC").
		Find(&packs).Error
	if err != nil {
		return nil, err
	}
	return packs, nil
}

func (r *repo) FindPrice(ctx context.Context, db *gorm.DB, itemType domain.ItemType, itemID snowflake.ID, currency string) (*domain.Price, error) {
	var price domain.Price
	err := db.WithContext(ctx).
		Where("item_type = ? AND item_id = ? AND currency = ?", itemType, itemID, currency).
		Take(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &price, nil
}

func (r *repo) ListPrices(ctx context.Context, db *gorm.DB, itemType domain.ItemType, itemID snowflake.ID) ([]domain.Price, error) {
	var prices []domain.Price
	err := db.WithContext(ctx).
		Where("item_type = ? AND item_id = ?", itemType, itemID).
		Order("currency ASC").
		Find(&prices).Error
	if err != nil {
		return nil, err
	}
	return prices, nil
}

func (r *repo) UpsertTier(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return upsert(ctx, db, tier)
}

func (r *repo) UpsertModule(ctx context.Context, db *gorm.DB, module *domain.Module) error {
	return upsert(ctx, db, module)
}

func (r *repo) UpsertBundle(ctx context.Context, db *gorm.DB, bundle *domain.Bundle) error {
	return upsert(ctx, db, bundle)
}

func (r *repo) UpsertBundleModule(ctx context.Context, db *gorm.DB, link *domain.BundleModule) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error
}

func (r *repo) UpsertAddonPack(ctx context.Context, db *gorm.DB, pack *domain.AddonPack) error {
	return upsert(ctx, db, pack)
}

func (r *repo) UpsertPrice(ctx context.Context, db *gorm.DB, price *domain.Price) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_type"}, {Name: "item_id"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount_minor", "provider_price_id", "updated_at"}),
	}).Create(price).Error
}

func take(ctx context.Context, db *gorm.DB, dest any, id snowflake.ID) error {
	err := db.WithContext(ctx).Where("id = ?", id).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func upsert(ctx context.Context, db *gorm.DB, value any) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}
