package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/inspectbill/internal/catalog/repository"
	"gorm.io/gorm"
)

// Catalog is a small fixture catalog: three tiers, three modules, one
// bundle covering two of them and GBP addon packs of 20, 50 and 100.
type Catalog struct {
	Starter, Professional, Enterprise catalogdomain.Tier

	Photos, Signatures, Reports catalogdomain.Module
	Bundle                      catalogdomain.Bundle

	Pack20, Pack50, Pack100 catalogdomain.AddonPack
}

// SeedCatalog writes the fixture catalog into db. The db must have the
// catalog models migrated.
func SeedCatalog(t testing.TB, db *gorm.DB, node *snowflake.Node) *Catalog {
	t.Helper()
	ctx := context.Background()
	repo := catalogrepo.Provide()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := &Catalog{
		Starter:      catalogdomain.Tier{ID: node.Generate(), Code: "starter", Name: "Starter", Included: 10, Active: true, CreatedAt: now, UpdatedAt: now},
		Professional: catalogdomain.Tier{ID: node.Generate(), Code: "professional", Name: "Professional", Included: 100, Active: true, CreatedAt: now, UpdatedAt: now},
		Enterprise:   catalogdomain.Tier{ID: node.Generate(), Code: "enterprise", Name: "Enterprise", Included: 500, Active: true, CreatedAt: now, UpdatedAt: now},
		Photos:       catalogdomain.Module{ID: node.Generate(), Code: "photo-analysis", Name: "Photo analysis", Active: true, CreatedAt: now, UpdatedAt: now},
		Signatures:   catalogdomain.Module{ID: node.Generate(), Code: "e-signatures", Name: "E-signatures", Active: true, CreatedAt: now, UpdatedAt: now},
		Reports:      catalogdomain.Module{ID: node.Generate(), Code: "branded-reports", Name: "Branded reports", Active: true, CreatedAt: now, UpdatedAt: now},
		Bundle:       catalogdomain.Bundle{ID: node.Generate(), Code: "pro-bundle", Name: "Pro bundle", Active: true, CreatedAt: now, UpdatedAt: now},
	}
	c.Pack20 = catalogdomain.AddonPack{ID: node.Generate(), Code: "pack-20", Quantity: 20, Active: true, CreatedAt: now, UpdatedAt: now}
	c.Pack50 = catalogdomain.AddonPack{ID: node.Generate(), Code: "pack-50", Quantity: 50, Active: true, CreatedAt: now, UpdatedAt: now}
	c.Pack100 = catalogdomain.AddonPack{ID: node.Generate(), Code: "pack-100", Quantity: 100, Active: true, CreatedAt: now, UpdatedAt: now}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
	for _, tier := range []*catalogdomain.Tier{&c.Starter, &c.Professional, &c.Enterprise} {
		must(repo.UpsertTier(ctx, db, tier))
	}
	for _, m := range []*catalogdomain.Module{&c.Photos, &c.Signatures, &c.Reports} {
		must(repo.UpsertModule(ctx, db, m))
	}
	must(repo.UpsertBundle(ctx, db, &c.Bundle))
	must(repo.UpsertBundleModule(ctx, db, &catalogdomain.BundleModule{BundleID: c.Bundle.ID, ModuleID: c.Photos.ID}))
	must(repo.UpsertBundleModule(ctx, db, &catalogdomain.BundleModule{BundleID: c.Bundle.ID, ModuleID: c.Signatures.ID}))
	for _, p := range []*catalogdomain.AddonPack{&c.Pack20, &c.Pack50, &c.Pack100} {
		must(repo.UpsertAddonPack(ctx, db, p))
	}

	prices := []struct {
		itemType catalogdomain.ItemType
		id       snowflake.ID
		amount   int64
	}{
		{catalogdomain.ItemTier, c.Starter.ID, 2900},
		{catalogdomain.ItemTier, c.Professional.ID, 14900},
		{catalogdomain.ItemTier, c.Enterprise.ID, 49900},
		{catalogdomain.ItemModule, c.Photos.ID, 1500},
		{catalogdomain.ItemModule, c.Signatures.ID, 1000},
		{catalogdomain.ItemModule, c.Reports.ID, 800},
		{catalogdomain.ItemBundle, c.Bundle.ID, 2000},
		{catalogdomain.ItemAddonPack, c.Pack20.ID, 2400},
		{catalogdomain.ItemAddonPack, c.Pack50.ID, 5000},
		{catalogdomain.ItemAddonPack, c.Pack100.ID, 9000},
	}
	for _, p := range prices {
		must(repo.UpsertPrice(ctx, db, &catalogdomain.Price{
			ID:              node.Generate(),
			ItemType:        p.itemType,
			ItemID:          p.id,
			Currency:        "GBP",
			AmountMinor:     p.amount,
			ProviderPriceID: "price_" + p.id.String(),
			CreatedAt:       now,
			UpdatedAt:       now,
		}))
	}
	return c
}
