// Package seed loads a development catalog and organizations from YAML.
// Seeding is idempotent: rows are matched by code (or slug) and updated in
// place, so the same file can be applied repeatedly.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type File struct {
	Organizations []Organization `yaml:"organizations"`
	Tiers         []Tier         `yaml:"tiers"`
	Modules       []Module       `yaml:"modules"`
	Bundles       []Bundle       `yaml:"bundles"`
	AddonPacks    []AddonPack    `yaml:"addon_packs"`
}

type Organization struct {
	Name         string `yaml:"name"`
	Slug         string `yaml:"slug"`
	BillingEmail string `yaml:"billing_email"`
}

type Tier struct {
	Code     string           `yaml:"code"`
	Name     string           `yaml:"name"`
	Included int64            `yaml:"included"`
	Prices   map[string]int64 `yaml:"prices"`
}

type Module struct {
	Code        string           `yaml:"code"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Prices      map[string]int64 `yaml:"prices"`
}

type Bundle struct {
	Code    string           `yaml:"code"`
	Name    string           `yaml:"name"`
	Modules []string         `yaml:"modules"`
	Prices  map[string]int64 `yaml:"prices"`
}

type AddonPack struct {
	Code     string           `yaml:"code"`
	Quantity int64            `yaml:"quantity"`
	Tier     string           `yaml:"tier"`
	Prices   map[string]int64 `yaml:"prices"`
}

// Summary counts the rows written per kind.
type Summary struct {
	Organizations int `json:"organizations"`
	Tiers         int `json:"tiers"`
	Modules       int `json:"modules"`
	Bundles       int `json:"bundles"`
	AddonPacks    int `json:"addon_packs"`
	Prices        int `json:"prices"`
}

var ErrInvalidSeed = errors.New("invalid_seed_file")

// Default returns the embedded development catalog.
func Default() (*File, error) {
	return Parse(defaultCatalog)
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and normalizes a seed file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) normalize() error {
	for i := range f.Organizations {
		o := &f.Organizations[i]
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("%w: organization %d has no name", ErrInvalidSeed, i)
		}
		o.Slug = codeOf(o.Slug, o.Name)
	}
	for i := range f.Tiers {
		t := &f.Tiers[i]
		if t.Included <= 0 {
			return fmt.Errorf("%w: tier %q needs a positive included volume", ErrInvalidSeed, t.Name)
		}
		t.Code = codeOf(t.Code, t.Name)
	}
	for i := range f.Modules {
		m := &f.Modules[i]
		m.Code = codeOf(m.Code, m.Name)
	}
	for i := range f.Bundles {
		b := &f.Bundles[i]
		b.Code = codeOf(b.Code, b.Name)
		for j, ref := range b.Modules {
			b.Modules[j] = slug.Make(ref)
		}
	}
	for i := range f.AddonPacks {
		p := &f.AddonPacks[i]
		if p.Quantity <= 0 {
			return fmt.Errorf("%w: addon pack %d needs a positive quantity", ErrInvalidSeed, i)
		}
		if p.Tier != "" {
			p.Tier = slug.Make(p.Tier)
		}
		if p.Code == "" {
			name := fmt.Sprintf("pack %d", p.Quantity)
			if p.Tier != "" {
				name += " " + p.Tier
			}
			p.Code = slug.Make(name)
		}
	}
	return nil
}

func codeOf(code, name string) string {
	if code = strings.TrimSpace(code); code != "" {
		return slug.Make(code)
	}
	return slug.Make(name)
}

// Apply writes the file in one transaction.
func Apply(ctx context.Context, db *gorm.DB, node *snowflake.Node, f *File, now time.Time) (*Summary, error) {
	if db == nil || node == nil || f == nil {
		return nil, errors.New("seed database handle is required")
	}
	now = now.UTC()
	s := &seeder{node: node, now: now, summary: &Summary{}}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s.tx = tx
		return s.apply(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return s.summary, nil
}

type seeder struct {
	tx      *gorm.DB
	node    *snowflake.Node
	now     time.Time
	summary *Summary
}

func (s *seeder) apply(ctx context.Context, f *File) error {
	for _, o := range f.Organizations {
		if err := s.organization(ctx, o); err != nil {
			return err
		}
	}

	tiers := map[string]snowflake.ID{}
	for _, t := range f.Tiers {
		row := catalogdomain.Tier{Code: t.Code, Name: t.Name, Included: t.Included, Active: true}
		if err := s.upsertByCode(ctx, &row, &row.ID, &row.CreatedAt, &row.UpdatedAt, t.Code); err != nil {
			return err
		}
		tiers[t.Code] = row.ID
		s.summary.Tiers++
		if err := s.prices(ctx, catalogdomain.ItemTier, row.ID, t.Prices); err != nil {
			return err
		}
	}

	modules := map[string]snowflake.ID{}
	for _, m := range f.Modules {
		row := catalogdomain.Module{Code: m.Code, Name: m.Name, Description: m.Description, Active: true}
		if err := s.upsertByCode(ctx, &row, &row.ID, &row.CreatedAt, &row.UpdatedAt, m.Code); err != nil {
			return err
		}
		modules[m.Code] = row.ID
		s.summary.Modules++
		if err := s.prices(ctx, catalogdomain.ItemModule, row.ID, m.Prices); err != nil {
			return err
		}
	}

	for _, b := range f.Bundles {
		row := catalogdomain.Bundle{Code: b.Code, Name: b.Name, Active: true}
		if err := s.upsertByCode(ctx, &row, &row.ID, &row.CreatedAt, &row.UpdatedAt, b.Code); err != nil {
			return err
		}
		s.summary.Bundles++
		for _, code := range b.Modules {
			moduleID, ok := modules[code]
			if !ok {
				return fmt.Errorf("%w: bundle %q references unknown module %q", ErrInvalidSeed, b.Code, code)
			}
			link := catalogdomain.BundleModule{BundleID: row.ID, ModuleID: moduleID}
			if err := s.tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return err
			}
		}
		if err := s.prices(ctx, catalogdomain.ItemBundle, row.ID, b.Prices); err != nil {
			return err
		}
	}

	for _, p := range f.AddonPacks {
		row := catalogdomain.AddonPack{Code: p.Code, Quantity: p.Quantity, Active: true}
		if p.Tier != "" {
			tierID, ok := tiers[p.Tier]
			if !ok {
				return fmt.Errorf("%w: addon pack %q references unknown tier %q", ErrInvalidSeed, p.Code, p.Tier)
			}
			row.TierID = &tierID
		}
		if err := s.upsertByCode(ctx, &row, &row.ID, &row.CreatedAt, &row.UpdatedAt, p.Code); err != nil {
			return err
		}
		s.summary.AddonPacks++
		if err := s.prices(ctx, catalogdomain.ItemAddonPack, row.ID, p.Prices); err != nil {
			return err
		}
	}
	return nil
}

func (s *seeder) organization(ctx context.Context, o Organization) error {
	var existing orgdomain.Organization
	err := s.tx.WithContext(ctx).Where("slug = ?", o.Slug).Take(&existing).Error
	switch {
	case err == nil:
		err = s.tx.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"name":          o.Name,
			"billing_email": o.BillingEmail,
			"updated_at":    s.now,
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.tx.WithContext(ctx).Create(&orgdomain.Organization{
			ID:           s.node.Generate(),
			Name:         o.Name,
			Slug:         o.Slug,
			BillingEmail: o.BillingEmail,
			CreatedAt:    s.now,
			UpdatedAt:    s.now,
		}).Error
	}
	if err != nil {
		return err
	}
	s.summary.Organizations++
	return nil
}

// upsertByCode reuses the id of an existing row with the same code so
// references from prices and subscriptions stay valid across reseeds.
func (s *seeder) upsertByCode(ctx context.Context, row any, id *snowflake.ID, createdAt, updatedAt *time.Time, code string) error {
	var existing struct {
		ID        snowflake.ID
		CreatedAt time.Time
	}
	err := s.tx.WithContext(ctx).Model(row).Select("id", "created_at").Where("code = ?", code).Take(&existing).Error
	switch {
	case err == nil:
		*id = existing.ID
		*createdAt = existing.CreatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
		*id = s.node.Generate()
		*createdAt = s.now
	default:
		return err
	}
	*updatedAt = s.now
	return s.tx.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *seeder) prices(ctx context.Context, itemType catalogdomain.ItemType, itemID snowflake.ID, prices map[string]int64) error {
	for currency, amount := range prices {
		if amount < 0 {
			return fmt.Errorf("%w: negative %s price for %s %s", ErrInvalidSeed, currency, itemType, itemID)
		}
		price := catalogdomain.Price{
			ID:          s.node.Generate(),
			ItemType:    itemType,
			ItemID:      itemID,
			Currency:    exchangerate.NormalizeCurrency(currency),
			AmountMinor: amount,
			CreatedAt:   s.now,
			UpdatedAt:   s.now,
		}
		if err := s.tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_type"}, {Name: "item_id"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount_minor", "updated_at"}),
		}).Create(&price).Error; err != nil {
			return err
		}
		s.summary.Prices++
	}
	return nil
}
