package pricing

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidCount  = errors.New("invalid_inspection_count")
	ErrNoPrice       = errors.New("price_not_found")
	ErrNoPacks       = errors.New("no_addon_packs")
	ErrExtraTooLarge = errors.New("extra_credits_too_large")
)

// BundleCoverage reports whether an organization's active bundles already
// include a module.
type BundleCoverage interface {
	CoveringBundles(ctx context.Context, orgID, moduleID snowflake.ID) ([]snowflake.ID, error)
}

type Quote struct {
	ItemType        catalogdomain.ItemType `json:"item_type"`
	ItemID          snowflake.ID           `json:"item_id"`
	Currency        string                 `json:"currency"`
	AmountMinor     int64                  `json:"amount_minor"`
	Converted       bool                   `json:"converted"`
	CoveredByBundle *snowflake.ID          `json:"covered_by_bundle,omitempty"`
}

type Params struct {
	fx.In

	Catalog  catalogdomain.Service
	Rates    *exchangerate.Table
	Policy   *config.BillingPolicyHolder
	Log      *zap.Logger
	Coverage BundleCoverage `optional:"true"`
}

type Service struct {
	catalog  catalogdomain.Service
	rates    *exchangerate.Table
	policy   *config.BillingPolicyHolder
	log      *zap.Logger
	coverage BundleCoverage
}

func NewService(p Params) *Service {
	return &Service{
		catalog:  p.Catalog,
		rates:    p.Rates,
		policy:   p.Policy,
		log:      p.Log.Named("pricing.service"),
		coverage: p.Coverage,
	}
}

func (s *Service) DetectTier(ctx context.Context, inspectionCount int64) (*catalogdomain.Tier, error) {
	if inspectionCount < 0 {
		return nil, billingerror.Validation(ErrInvalidCount)
	}
	tiers, err := s.catalog.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	tier, ok := DetectTier(inspectionCount, s.policy.Get().MinInspectionVolume, tiers)
	if !ok {
		return nil, billingerror.NotFound(catalogdomain.ErrNoTiers.Error())
	}
	return tier, nil
}

// SmartPacks prices every addon pack available to tierID in currency and
// returns the cheapest cover for extra credits.
func (s *Service) SmartPacks(ctx context.Context, extra int64, tierID snowflake.ID, currency string) (*PackSelection, error) {
	if extra < 0 {
		return nil, billingerror.Validation(ErrInvalidCount)
	}
	if ceiling := s.policy.Get().Pricing.MaxSmartPackExtra; extra > ceiling {
		return nil, billingerror.Validationf(ErrExtraTooLarge.Error(),
			"extra credits %d exceed the limit of %d", extra, ceiling)
	}
	currency = exchangerate.NormalizeCurrency(currency)
	packs, err := s.catalog.AddonPacks(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		return nil, billingerror.NotFound(ErrNoPacks.Error())
	}

	priced := make([]PricedPack, 0, len(packs))
	for _, p := range packs {
		amount, _, err := s.resolvePrice(ctx, catalogdomain.ItemAddonPack, p.ID, currency)
		if err != nil {
			if billingerror.Is(err, billingerror.KindNotFound) {
				s.log.Warn("addon pack has no usable price", zap.String("pack_id", p.ID.String()), zap.String("currency", currency))
				continue
			}
			return nil, err
		}
		priced = append(priced, PricedPack{PackID: p.ID, Code: p.Code, Quantity: p.Quantity, AmountMinor: amount})
	}
	if len(priced) == 0 {
		return nil, billingerror.NotFound(ErrNoPrice.Error())
	}

	sel := CalculateSmartPacks(extra, priced)
	sel.Currency = currency
	return &sel, nil
}

// QuoteModule prices a module for an organization. A module already
// covered by one of the organization's active bundles quotes zero.
func (s *Service) QuoteModule(ctx context.Context, orgID, moduleID snowflake.ID, currency string) (*Quote, error) {
	if _, err := s.catalog.GetModule(ctx, moduleID); err != nil {
		return nil, err
	}
	currency = exchangerate.NormalizeCurrency(currency)
	quote := &Quote{ItemType: catalogdomain.ItemModule, ItemID: moduleID, Currency: currency}

	if s.coverage != nil && orgID != 0 {
		bundles, err := s.coverage.CoveringBundles(ctx, orgID, moduleID)
		if err != nil {
			return nil, err
		}
		if len(bundles) > 0 {
			quote.CoveredByBundle = &bundles[0]
			return quote, nil
		}
	}

	amount, converted, err := s.resolvePrice(ctx, catalogdomain.ItemModule, moduleID, currency)
	if err != nil {
		return nil, err
	}
	quote.AmountMinor = amount
	quote.Converted = converted
	return quote, nil
}

func (s *Service) QuoteBundle(ctx context.Context, bundleID snowflake.ID, currency string) (*Quote, error) {
	if _, err := s.catalog.GetBundle(ctx, bundleID); err != nil {
		return nil, err
	}
	currency = exchangerate.NormalizeCurrency(currency)
	amount, converted, err := s.resolvePrice(ctx, catalogdomain.ItemBundle, bundleID, currency)
	if err != nil {
		return nil, err
	}
	return &Quote{
		ItemType:    catalogdomain.ItemBundle,
		ItemID:      bundleID,
		Currency:    currency,
		AmountMinor: amount,
		Converted:   converted,
	}, nil
}

// resolvePrice returns the catalog price in currency, or converts one from
// the base currency (or any other listed currency) through the rate table.
func (s *Service) resolvePrice(ctx context.Context, itemType catalogdomain.ItemType, itemID snowflake.ID, currency string) (int64, bool, error) {
	price, err := s.catalog.Price(ctx, itemType, itemID, currency)
	if err != nil {
		return 0, false, err
	}
	if price != nil {
		return price.AmountMinor, false, nil
	}

	prices, err := s.catalog.Prices(ctx, itemType, itemID)
	if err != nil {
		return 0, false, err
	}
	if len(prices) == 0 {
		return 0, false, billingerror.NotFound(ErrNoPrice.Error())
	}
	source := prices[0]
	for _, p := range prices {
		if p.Currency == s.rates.Base() {
			source = p
			break
		}
	}
	amount, err := s.rates.Convert(ctx, source.AmountMinor, source.Currency, currency)
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}
