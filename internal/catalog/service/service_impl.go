package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	cache *lookupCache
}

func NewService(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		repo:  p.Repo,
		cache: newLookupCache(defaultCacheSize, defaultCacheTTL),
	}
}

func (s *service) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	if tiers, ok := s.cache.tiers.Get("all"); ok {
		return append([]domain.Tier(nil), tiers...), nil
	}
	tiers, err := s.repo.ListTiers(ctx, s.db)
	if err != nil {
		return nil, err
	}
	s.cache.tiers.Add("all", tiers)
	return append([]domain.Tier(nil), tiers...), nil
}

func (s *service) GetTier(ctx context.Context, id snowflake.ID) (*domain.Tier, error) {
	tier, err := s.repo.FindTier(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, billingerror.NotFound(domain.ErrTierNotFound.Error())
	}
	return tier, nil
}

func (s *service) GetModule(ctx context.Context, id snowflake.ID) (*domain.Module, error) {
	module, err := s.repo.FindModule(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, billingerror.NotFound(domain.ErrModuleNotFound.Error())
	}
	return module, nil
}

func (s *service) GetBundle(ctx context.Context, id snowflake.ID) (*domain.Bundle, error) {
	bundle, err := s.repo.FindBundle(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, billingerror.NotFound(domain.ErrBundleNotFound.Error())
	}
	return bundle, nil
}

func (s *service) BundleModuleIDs(ctx context.Context, bundleID snowflake.ID) ([]snowflake.ID, error) {
	key := cacheKey("bundle", bundleID.String())
	if ids, ok := s.cache.members.Get(key); ok {
		return append([]snowflake.ID(nil), ids...), nil
	}
	ids, err := s.repo.ListBundleModuleIDs(ctx, s.db, bundleID)
	if err != nil {
		return nil, err
	}
	s.cache.members.Add(key, ids)
	return append([]snowflake.ID(nil), ids...), nil
}

func (s *service) BundlesForModule(ctx context.Context, moduleID snowflake.ID) ([]snowflake.ID, error) {
	key := cacheKey("module", moduleID.String())
	if ids, ok := s.cache.members.Get(key); ok {
		return append([]snowflake.ID(nil), ids...), nil
	}
	ids, err := s.repo.ListBundleIDsForModule(ctx, s.db, moduleID)
	if err != nil {
		return nil, err
	}
	s.cache.members.Add(key, ids)
	return append([]snowflake.ID(nil), ids...), nil
}

func (s *service) AddonPacks(ctx context.Context, tierID snowflake.ID) ([]domain.AddonPack, error) {
	return s.repo.ListAddonPacks(ctx, s.db, tierID)
}

func (s *service) Price(ctx context.Context, itemType domain.ItemType, itemID snowflake.ID, currency string) (*domain.Price, error) {
	if !itemType.Valid() {
		return nil, billingerror.Validation(domain.ErrInvalidItemType)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, billingerror.Validation(domain.ErrInvalidCurrency)
	}

	key := cacheKey(string(itemType), itemID.String(), currency)
	if price, ok := s.cache.prices.Get(key); ok {
		if price == nil {
			return nil, nil
		}
		cp := *price
		return &cp, nil
	}
	price, err := s.repo.FindPrice(ctx, s.db, itemType, itemID, currency)
	if err != nil {
		return nil, err
	}
	s.cache.prices.Add(key, price)
	if price == nil {
		return nil, nil
	}
	cp := *price
	return &cp, nil
}

func (s *service) Prices(ctx context.Context, itemType domain.ItemType, itemID snowflake.ID) ([]domain.Price, error) {
	if !itemType.Valid() {
		return nil, billingerror.Validation(domain.ErrInvalidItemType)
	}
	return s.repo.ListPrices(ctx, s.db, itemType, itemID)
}

func (s *service) RemoveModuleFromBundleTx(ctx context.Context, tx *gorm.DB, bundleID, moduleID snowflake.ID) (int, error) {
	removed, err := s.repo.DeleteBundleModule(ctx, tx, bundleID, moduleID)
	if err != nil {
		return 0, err
	}
	if !removed {
		return 0, billingerror.NotFound(domain.ErrBundleModuleAbsent.Error())
	}
	left, err := s.repo.ListBundleModuleIDs(ctx, tx, bundleID)
	if err != nil {
		return 0, err
	}
	s.cache.purge()

	s.log.Info("module removed from bundle",
		zap.String("bundle_id", bundleID.String()),
		zap.String("module_id", moduleID.String()),
		zap.Int("modules_left", len(left)),
	)
	return len(left), nil
}

func (s *service) Invalidate() {
	s.cache.purge()
}
