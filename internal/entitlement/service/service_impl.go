package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/entitlement/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Provider    providerdomain.Provider
	CatalogRepo catalogdomain.Repository
	SubRepo     subdomain.Repository
}

type service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	provider    providerdomain.Provider
	catalogRepo catalogdomain.Repository
	subRepo     subdomain.Repository
}

func NewService(p Params) domain.Reconciler {
	return &service{
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		provider:    p.Provider,
		catalogRepo: p.CatalogRepo,
		subRepo:     p.SubRepo,
	}
}

// pendingItems loads the provider's uninvoiced items once per pass.
type pendingItems struct {
	loaded bool
	items  []providerdomain.PendingItem
}

func (s *service) Evaluate(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item) (*domain.Evaluation, error) {
	return s.evaluate(ctx, tx, sub, item, &pendingItems{})
}

func (s *service) evaluate(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item, pending *pendingItems) (*domain.Evaluation, error) {
	if item.Type != catalogdomain.ItemModule && item.Type != catalogdomain.ItemBundle {
		return nil, billingerror.Validation(catalogdomain.ErrInvalidItemType)
	}
	eval := &domain.Evaluation{Item: item}

	existing, err := s.subRepo.FindLineItem(ctx, tx, sub.ID, string(item.Type), item.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		eval.Decision = domain.DecisionSkipExisting
		eval.Existing = existing
		return eval, nil
	}

	if item.Type == catalogdomain.ItemModule {
		covering, err := s.coveringBundles(ctx, tx, sub.ID, item.ID)
		if err != nil {
			return nil, err
		}
		if len(covering) > 0 {
			eval.Decision = domain.DecisionCoveredByBundle
			eval.CoveringBundles = covering
			return eval, nil
		}
	}

	if !pending.loaded {
		items, err := s.provider.ListPendingItems(ctx, sub.ProviderCustomerID, sub.ProviderSubscriptionID)
		if err != nil {
			return nil, err
		}
		pending.items = items
		pending.loaded = true
	}
	match, ok := lo.Find(pending.items, func(p providerdomain.PendingItem) bool {
		return p.ItemType == string(item.Type) && p.ItemID == item.ID.String()
	})
	if ok {
		eval.Decision = domain.DecisionSkipPending
		eval.PendingItemID = match.ID
		return eval, nil
	}

	eval.Decision = domain.DecisionCharge
	return eval, nil
}

// coveringBundles returns the catalog bundles, active on the subscription,
// whose module set contains moduleID.
func (s *service) coveringBundles(ctx context.Context, tx *gorm.DB, subscriptionID, moduleID snowflake.ID) ([]snowflake.ID, error) {
	bundles, err := s.subRepo.ListBundles(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}
	active := lo.FilterMap(bundles, func(b subdomain.InstanceBundle, _ int) (snowflake.ID, bool) {
		return b.BundleID, b.IsActive
	})
	if len(active) == 0 {
		return nil, nil
	}
	containing, err := s.catalogRepo.ListBundleIDsForModule(ctx, tx, moduleID)
	if err != nil {
		return nil, err
	}
	return lo.Intersect(active, containing), nil
}

func (s *service) Ensure(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item) (*domain.Evaluation, error) {
	return s.ensure(ctx, tx, sub, item, &pendingItems{})
}

func (s *service) ensure(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item, pending *pendingItems) (*domain.Evaluation, error) {
	eval, err := s.evaluate(ctx, tx, sub, item, pending)
	if err != nil {
		return nil, err
	}
	if !eval.Decision.Charges() {
		s.log.Debug("charge skipped",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("item", item.String()),
			zap.String("decision", string(eval.Decision)),
		)
		return eval, nil
	}

	price, err := s.catalogRepo.FindPrice(ctx, tx, item.Type, item.ID, sub.RegistrationCurrency)
	if err != nil {
		return nil, err
	}
	if price == nil || price.ProviderPriceID == "" {
		return nil, billingerror.Validationf("price_not_configured",
			"%s has no provider price in %s", item, sub.RegistrationCurrency)
	}

	gen, err := s.subRepo.ChargeGeneration(ctx, tx, sub.ID, string(item.Type), item.ID)
	if err != nil {
		return nil, err
	}

	added, err := s.provider.AddLineItem(ctx, providerdomain.AddLineItemRequest{
		SubscriptionID: sub.ProviderSubscriptionID,
		PriceID:        price.ProviderPriceID,
		ItemType:       string(item.Type),
		ItemID:         item.ID.String(),
		OrgID:          sub.OrgID.String(),
		IdempotencyKey: idempotencyKey(sub, item, gen),
	})
	if err != nil {
		return nil, err
	}

	if err := s.subRepo.UpsertLineItem(ctx, tx, &subdomain.LineItem{
		ID:              s.genID.Generate(),
		SubscriptionID:  sub.ID,
		ItemType:        string(item.Type),
		ItemID:          item.ID,
		ProviderItemID:  added.ID,
		ProviderPriceID: price.ProviderPriceID,
		CreatedAt:       s.clock.Now(),
	}); err != nil {
		return nil, err
	}

	s.log.Info("line item charged",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("item", item.String()),
		zap.String("provider_item_id", added.ID),
	)
	return eval, nil
}

// idempotencyKey is stable for one charge of an item, so a retried attempt
// gets back the item the first attempt created. gen moves on every
// committed release so a later charge in the same period is a new request.
func idempotencyKey(sub *subdomain.InstanceSubscription, item domain.Item, gen int64) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", sub.ID, item.Type, item.ID, sub.CurrentPeriodStart.Unix(), gen)
}

func (s *service) Release(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item) (bool, error) {
	existing, err := s.subRepo.FindLineItem(ctx, tx, sub.ID, string(item.Type), item.ID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if existing.ProviderItemID != "" {
		if err := s.provider.RemoveLineItem(ctx, existing.ProviderItemID); err != nil {
			return false, err
		}
	}
	if err := s.subRepo.DeleteLineItem(ctx, tx, sub.ID, string(item.Type), item.ID); err != nil {
		return false, err
	}
	if err := s.subRepo.BumpChargeGeneration(ctx, tx, sub.ID, string(item.Type), item.ID, s.clock.Now()); err != nil {
		return false, err
	}
	s.log.Info("line item released",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("item", item.String()),
		zap.String("provider_item_id", existing.ProviderItemID),
	)
	return true, nil
}

func (s *service) SyncObserved(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, items []providerdomain.LineItem) (int, error) {
	recorded := 0
	now := s.clock.Now()
	for _, observed := range items {
		itemType := catalogdomain.ItemType(observed.ItemType)
		if itemType != catalogdomain.ItemModule && itemType != catalogdomain.ItemBundle {
			// tier and untagged items are billed by the provider on its own
			continue
		}
		itemID, err := snowflake.ParseString(observed.ItemID)
		if err != nil {
			s.log.Warn("observed line item has malformed item id",
				zap.String("provider_item_id", observed.ID),
				zap.String("item_id", observed.ItemID),
			)
			continue
		}
		if err := s.subRepo.UpsertLineItem(ctx, tx, &subdomain.LineItem{
			ID:              s.genID.Generate(),
			SubscriptionID:  sub.ID,
			ItemType:        observed.ItemType,
			ItemID:          itemID,
			ProviderItemID:  observed.ID,
			ProviderPriceID: observed.PriceID,
			CreatedAt:       now,
		}); err != nil {
			return recorded, err
		}
		recorded++
	}
	return recorded, nil
}

func (s *service) ReconcileAll(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription) (*domain.Summary, error) {
	bundles, err := s.subRepo.ListBundles(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	modules, err := s.subRepo.ListModules(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, len(bundles)+len(modules))
	for _, b := range bundles {
		if b.IsActive {
			items = append(items, domain.BundleItem(b.BundleID))
		}
	}
	for _, m := range modules {
		if m.IsEnabled {
			items = append(items, domain.ModuleItem(m.ModuleID))
		}
	}

	summary := &domain.Summary{}
	pending := &pendingItems{}
	for _, item := range items {
		eval, err := s.ensure(ctx, tx, sub, item, pending)
		if err != nil {
			return nil, err
		}
		if eval.Decision.Charges() {
			summary.Charged = append(summary.Charged, item)
		} else {
			summary.Skipped = append(summary.Skipped, item)
		}
	}

	// A module that was charged individually before a bundle covering it
	// was activated must not stay billed twice.
	lineItems, err := s.subRepo.ListLineItems(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, li := range lineItems {
		if li.ItemType != string(catalogdomain.ItemModule) {
			continue
		}
		covering, err := s.coveringBundles(ctx, tx, sub.ID, li.ItemID)
		if err != nil {
			return nil, err
		}
		if len(covering) == 0 {
			continue
		}
		item := domain.ModuleItem(li.ItemID)
		if _, err := s.Release(ctx, tx, sub, item); err != nil {
			return nil, err
		}
		summary.Released = append(summary.Released, item)
	}

	s.log.Info("entitlements reconciled",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("charged", len(summary.Charged)),
		zap.Int("skipped", len(summary.Skipped)),
		zap.Int("released", len(summary.Released)),
	)
	return summary, nil
}

func (s *service) Refund(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item domain.Item) (int64, error) {
	price, err := s.catalogRepo.FindPrice(ctx, tx, item.Type, item.ID, sub.RegistrationCurrency)
	if err != nil {
		return 0, err
	}
	if price == nil {
		return 0, billingerror.Validationf("price_not_configured",
			"%s has no price in %s", item, sub.RegistrationCurrency)
	}

	now := s.clock.Now()
	amount := Prorate(price.AmountMinor, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if amount <= 0 {
		return 0, nil
	}

	err = s.provider.CreditProration(ctx, providerdomain.ProrationCreditRequest{
		CustomerID:     sub.ProviderCustomerID,
		SubscriptionID: sub.ProviderSubscriptionID,
		Currency:       sub.RegistrationCurrency,
		AmountMinor:    amount,
		ItemType:       string(item.Type),
		ItemID:         item.ID.String(),
		Description:    fmt.Sprintf("Unused %s for current period", item.Type),
		IdempotencyKey: fmt.Sprintf("refund:%s:%s:%s:%d", sub.ID, item.Type, item.ID, sub.CurrentPeriodStart.Unix()),
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("proration credited",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("item", item.String()),
		zap.Int64("amount_minor", amount),
	)
	return amount, nil
}

// Prorate returns the share of amountMinor for the time left in
// [start, end) at now, rounded down to a whole minor unit.
func Prorate(amountMinor int64, start, end, now time.Time) int64 {
	period := end.Sub(start)
	if period <= 0 || !now.Before(end) {
		return 0
	}
	remaining := end.Sub(now)
	if remaining > period {
		remaining = period
	}
	share := decimal.NewFromInt(amountMinor).
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(decimal.NewFromInt(int64(period)))
	return share.Floor().IntPart()
}
