package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	entdomain "github.com/smallbiznis/inspectbill/internal/entitlement/domain"
	"github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *service) ToggleModule(ctx context.Context, req domain.ToggleModuleRequest) (*domain.EntitlementChange, error) {
	if req.OrgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if req.ModuleID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidModule)
	}

	var change *domain.EntitlementChange
	err := s.inTx(ctx, "toggle_module", func(tx *gorm.DB) error {
		sub, err := s.lockServiceable(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if err := s.requireModule(ctx, tx, req.ModuleID); err != nil {
			return err
		}
		change = &domain.EntitlementChange{
			SubscriptionID: sub.ID,
			ItemType:       string(catalogdomain.ItemModule),
			ItemID:         req.ModuleID,
			Enabled:        req.Enabled,
		}
		item := entdomain.ModuleItem(req.ModuleID)
		now := s.clock.Now()

		if req.Enabled {
			if err := s.setModule(ctx, tx, sub.ID, req.ModuleID, true, now); err != nil {
				return err
			}
			eval, err := s.reconciler.Ensure(ctx, tx, sub, item)
			if err != nil {
				return err
			}
			change.Decision = string(eval.Decision)
			if eval.Decision.Charges() {
				change.Charged = []snowflake.ID{req.ModuleID}
			}
			return nil
		}

		current, err := s.repo.FindModule(ctx, tx, sub.ID, req.ModuleID)
		if err != nil {
			return err
		}
		if current == nil || !current.IsEnabled {
			return nil
		}
		if err := s.setModule(ctx, tx, sub.ID, req.ModuleID, false, now); err != nil {
			return err
		}
		released, err := s.reconciler.Release(ctx, tx, sub, item)
		if err != nil {
			return err
		}
		if !released {
			return nil
		}
		change.Released = []snowflake.ID{req.ModuleID}
		if s.policy.Get().RefundOnModuleDisable {
			amount, err := s.reconciler.Refund(ctx, tx, sub, item)
			if err != nil {
				return err
			}
			change.RefundedMinor = amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("module toggled",
		zap.String("org_id", req.OrgID.String()),
		zap.String("module_id", req.ModuleID.String()),
		zap.Bool("enabled", req.Enabled),
		zap.String("decision", change.Decision),
		zap.Int64("refunded_minor", change.RefundedMinor),
	)
	return change, nil
}

func (s *service) ActivateBundle(ctx context.Context, orgID, bundleID snowflake.ID) (*domain.EntitlementChange, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if bundleID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidBundle)
	}

	var change *domain.EntitlementChange
	err := s.inTx(ctx, "activate_bundle", func(tx *gorm.DB) error {
		sub, err := s.lockServiceable(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if err := s.requireBundle(ctx, tx, bundleID); err != nil {
			return err
		}
		change = &domain.EntitlementChange{
			SubscriptionID: sub.ID,
			ItemType:       string(catalogdomain.ItemBundle),
			ItemID:         bundleID,
			Enabled:        true,
		}
		if err := s.setBundle(ctx, tx, sub.ID, bundleID, true, s.clock.Now()); err != nil {
			return err
		}
		eval, err := s.reconciler.Ensure(ctx, tx, sub, entdomain.BundleItem(bundleID))
		if err != nil {
			return err
		}
		change.Decision = string(eval.Decision)
		if eval.Decision.Charges() {
			change.Charged = []snowflake.ID{bundleID}
		}

		// modules now priced at 0 drop their individual line items
		members, err := s.catalogRepo.ListBundleModuleIDs(ctx, tx, bundleID)
		if err != nil {
			return err
		}
		for _, moduleID := range members {
			released, err := s.reconciler.Release(ctx, tx, sub, entdomain.ModuleItem(moduleID))
			if err != nil {
				return err
			}
			if released {
				change.Released = append(change.Released, moduleID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bundle activated",
		zap.String("org_id", orgID.String()),
		zap.String("bundle_id", bundleID.String()),
		zap.String("decision", change.Decision),
		zap.Int("modules_released", len(change.Released)),
	)
	return change, nil
}

func (s *service) DeactivateBundle(ctx context.Context, orgID, bundleID snowflake.ID) (*domain.EntitlementChange, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if bundleID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidBundle)
	}

	var change *domain.EntitlementChange
	err := s.inTx(ctx, "deactivate_bundle", func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, orgID)
		if err != nil {
			return err
		}
		change = &domain.EntitlementChange{
			SubscriptionID: sub.ID,
			ItemType:       string(catalogdomain.ItemBundle),
			ItemID:         bundleID,
		}
		current, err := s.repo.FindBundle(ctx, tx, sub.ID, bundleID)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive {
			return nil
		}
		if err := s.setBundle(ctx, tx, sub.ID, bundleID, false, s.clock.Now()); err != nil {
			return err
		}
		released, err := s.reconciler.Release(ctx, tx, sub, entdomain.BundleItem(bundleID))
		if err != nil {
			return err
		}
		if released {
			change.Released = []snowflake.ID{bundleID}
		}
		if !sub.Status.Serviceable() {
			return nil
		}

		charged, err := s.repriceMembers(ctx, tx, sub, bundleID)
		if err != nil {
			return err
		}
		change.Charged = charged
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bundle deactivated",
		zap.String("org_id", orgID.String()),
		zap.String("bundle_id", bundleID.String()),
		zap.Int("modules_repriced", len(change.Charged)),
	)
	return change, nil
}

// repriceMembers charges enabled modules of bundleID individually unless
// another active bundle still covers them.
func (s *service) repriceMembers(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, bundleID snowflake.ID) ([]snowflake.ID, error) {
	members, err := s.catalogRepo.ListBundleModuleIDs(ctx, tx, bundleID)
	if err != nil {
		return nil, err
	}
	var charged []snowflake.ID
	for _, moduleID := range members {
		charge, err := s.repriceModule(ctx, tx, sub, moduleID)
		if err != nil {
			return nil, err
		}
		if charge {
			charged = append(charged, moduleID)
		}
	}
	return charged, nil
}

func (s *service) repriceModule(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, moduleID snowflake.ID) (bool, error) {
	module, err := s.repo.FindModule(ctx, tx, sub.ID, moduleID)
	if err != nil {
		return false, err
	}
	if module == nil || !module.IsEnabled {
		return false, nil
	}
	eval, err := s.reconciler.Ensure(ctx, tx, sub, entdomain.ModuleItem(moduleID))
	if err != nil {
		return false, err
	}
	return eval.Decision.Charges(), nil
}

func (s *service) RemoveModuleFromBundle(ctx context.Context, bundleID, moduleID snowflake.ID) (*domain.BundleMembershipChange, error) {
	if bundleID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidBundle)
	}
	if moduleID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidModule)
	}

	var change *domain.BundleMembershipChange
	err := s.inTx(ctx, "remove_module_from_bundle", func(tx *gorm.DB) error {
		change = &domain.BundleMembershipChange{BundleID: bundleID, ModuleID: moduleID}
		left, err := s.catalog.RemoveModuleFromBundleTx(ctx, tx, bundleID, moduleID)
		if err != nil {
			return err
		}
		change.ModulesLeft = left

		instances, err := s.repo.ListActiveBundlesByCatalogBundle(ctx, tx, bundleID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, instance := range instances {
			sub, err := s.repo.FindByID(ctx, tx, instance.SubscriptionID)
			if err != nil {
				return err
			}
			if sub == nil {
				continue
			}
			sub, err = s.lockSubscription(ctx, tx, sub.OrgID)
			if err != nil {
				return err
			}
			if left == 0 {
				if err := s.setBundle(ctx, tx, sub.ID, bundleID, false, now); err != nil {
					return err
				}
				if _, err := s.reconciler.Release(ctx, tx, sub, entdomain.BundleItem(bundleID)); err != nil {
					return err
				}
				change.InstancesDeactivated++
			}
			if !sub.Status.Serviceable() {
				continue
			}
			charged, err := s.repriceModule(ctx, tx, sub, moduleID)
			if err != nil {
				return err
			}
			if charged {
				change.ModulesRepriced++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("module removed from bundle",
		zap.String("bundle_id", bundleID.String()),
		zap.String("module_id", moduleID.String()),
		zap.Int("modules_left", change.ModulesLeft),
		zap.Int("instances_deactivated", change.InstancesDeactivated),
		zap.Int("modules_repriced", change.ModulesRepriced),
	)
	return change, nil
}

func (s *service) lockServiceable(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*domain.InstanceSubscription, error) {
	sub, err := s.lockSubscription(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Serviceable() {
		return nil, billingerror.Validation(domain.ErrSubscriptionNotActive).
			With("status", string(sub.Status))
	}
	return sub, nil
}

func (s *service) requireModule(ctx context.Context, tx *gorm.DB, moduleID snowflake.ID) error {
	module, err := s.catalogRepo.FindModule(ctx, tx, moduleID)
	if err != nil {
		return err
	}
	if module == nil {
		return billingerror.NotFound(catalogdomain.ErrModuleNotFound.Error())
	}
	if !module.Active {
		return billingerror.Validation(domain.ErrInvalidModule)
	}
	return nil
}

func (s *service) requireBundle(ctx context.Context, tx *gorm.DB, bundleID snowflake.ID) error {
	bundle, err := s.catalogRepo.FindBundle(ctx, tx, bundleID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return billingerror.NotFound(catalogdomain.ErrBundleNotFound.Error())
	}
	if !bundle.Active {
		return billingerror.Validation(domain.ErrInvalidBundle)
	}
	return nil
}

func (s *service) setModule(ctx context.Context, tx *gorm.DB, subscriptionID, moduleID snowflake.ID, enabled bool, now time.Time) error {
	module, err := s.repo.FindModule(ctx, tx, subscriptionID, moduleID)
	if err != nil {
		return err
	}
	if module == nil {
		module = &domain.InstanceModule{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			ModuleID:       moduleID,
			CreatedAt:      now,
		}
	} else if module.IsEnabled == enabled {
		return nil
	}
	module.IsEnabled = enabled
	module.UpdatedAt = now
	if enabled {
		module.EnabledAt = &now
		module.DisabledAt = nil
	} else {
		module.DisabledAt = &now
	}
	return s.repo.SaveModule(ctx, tx, module)
}

func (s *service) setBundle(ctx context.Context, tx *gorm.DB, subscriptionID, bundleID snowflake.ID, active bool, now time.Time) error {
	bundle, err := s.repo.FindBundle(ctx, tx, subscriptionID, bundleID)
	if err != nil {
		return err
	}
	if bundle == nil {
		bundle = &domain.InstanceBundle{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			BundleID:       bundleID,
			CreatedAt:      now,
		}
	} else if bundle.IsActive == active {
		return nil
	}
	bundle.IsActive = active
	bundle.UpdatedAt = now
	if active {
		bundle.ActivatedAt = &now
		bundle.DeactivatedAt = nil
	} else {
		bundle.DeactivatedAt = &now
	}
	return s.repo.SaveBundle(ctx, tx, bundle)
}

// deactivateAll disables every module and bundle and drops their line
// items. While the provider subscription is live the items are released
// there too. Once it has ended the provider stops billing them on its own
// and only the local records are removed.
func (s *service) deactivateAll(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, providerLive bool, now time.Time) (int, int, error) {
	modules, err := s.repo.ListModules(ctx, tx, sub.ID)
	if err != nil {
		return 0, 0, err
	}
	bundles, err := s.repo.ListBundles(ctx, tx, sub.ID)
	if err != nil {
		return 0, 0, err
	}

	disabled := 0
	for _, m := range modules {
		if !m.IsEnabled {
			continue
		}
		if err := s.setModule(ctx, tx, sub.ID, m.ModuleID, false, now); err != nil {
			return 0, 0, err
		}
		disabled++
	}
	deactivated := 0
	for _, b := range bundles {
		if !b.IsActive {
			continue
		}
		if err := s.setBundle(ctx, tx, sub.ID, b.BundleID, false, now); err != nil {
			return 0, 0, err
		}
		deactivated++
	}
	if err := s.dropLineItems(ctx, tx, sub, providerLive, now); err != nil {
		return 0, 0, err
	}
	return disabled, deactivated, nil
}

func (s *service) dropLineItems(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, providerLive bool, now time.Time) error {
	items, err := s.repo.ListLineItems(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	for _, li := range items {
		if providerLive {
			item := entdomain.Item{Type: catalogdomain.ItemType(li.ItemType), ID: li.ItemID}
			if _, err := s.reconciler.Release(ctx, tx, sub, item); err != nil {
				return err
			}
			continue
		}
		// a later charge on a reactivated subscription must not replay this one
		if err := s.repo.BumpChargeGeneration(ctx, tx, sub.ID, li.ItemType, li.ItemID, now); err != nil {
			return err
		}
	}
	if providerLive {
		return nil
	}
	removed, err := s.repo.DeleteAllLineItems(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	s.log.Info("local line items dropped",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int64("removed", removed),
	)
	return nil
}

// enableListed turns on the modules and bundles named by an event. Unknown
// catalog ids reject the event.
func (s *service) enableListed(ctx context.Context, tx *gorm.DB, sub *domain.InstanceSubscription, moduleIDs, bundleIDs []snowflake.ID, now time.Time) error {
	for _, id := range moduleIDs {
		module, err := s.catalogRepo.FindModule(ctx, tx, id)
		if err != nil {
			return err
		}
		if module == nil {
			return billingerror.Validation(domain.ErrInvalidModule).With("module_id", id.String())
		}
		if err := s.setModule(ctx, tx, sub.ID, id, true, now); err != nil {
			return err
		}
	}
	for _, id := range bundleIDs {
		bundle, err := s.catalogRepo.FindBundle(ctx, tx, id)
		if err != nil {
			return err
		}
		if bundle == nil {
			return billingerror.Validation(domain.ErrInvalidBundle).With("bundle_id", id.String())
		}
		if err := s.setBundle(ctx, tx, sub.ID, id, true, now); err != nil {
			return err
		}
	}
	return nil
}
