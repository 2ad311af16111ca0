// Package domain describes the entitlement reconciler: the single place that
// decides whether enabling a module or bundle creates a new provider charge.
package domain

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"gorm.io/gorm"
)

// Item is a billable catalog entry on a subscription.
type Item struct {
	Type catalogdomain.ItemType `json:"item_type"`
	ID   snowflake.ID           `json:"item_id"`
}

func ModuleItem(id snowflake.ID) Item { return Item{Type: catalogdomain.ItemModule, ID: id} }
func BundleItem(id snowflake.ID) Item { return Item{Type: catalogdomain.ItemBundle, ID: id} }

func (i Item) String() string {
	return fmt.Sprintf("%s:%s", i.Type, i.ID)
}

// Decision is the outcome of evaluating one item. Checks run in the order
// the constants are declared and the first match wins.
type Decision string

const (
	DecisionSkipExisting    Decision = "skip_existing"
	DecisionCoveredByBundle Decision = "covered_by_bundle"
	DecisionSkipPending     Decision = "skip_pending"
	DecisionCharge          Decision = "charge"
)

// Charges reports whether the decision adds a provider line item.
func (d Decision) Charges() bool { return d == DecisionCharge }

type Evaluation struct {
	Item            Item                `json:"item"`
	Decision        Decision            `json:"decision"`
	Existing        *subdomain.LineItem `json:"existing,omitempty"`
	CoveringBundles []snowflake.ID      `json:"covering_bundles,omitempty"`
	PendingItemID   string              `json:"pending_item_id,omitempty"`
}

// Summary aggregates a full reconciliation pass.
type Summary struct {
	Charged  []Item `json:"charged,omitempty"`
	Skipped  []Item `json:"skipped,omitempty"`
	Released []Item `json:"released,omitempty"`
}

// Reconciler keeps provider line items in step with local entitlements.
// Every method joins the caller's transaction.
type Reconciler interface {
	// Evaluate decides without side effects.
	Evaluate(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item Item) (*Evaluation, error)
	// Ensure evaluates and, only on DecisionCharge, adds the provider line
	// item and records it locally.
	Ensure(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item Item) (*Evaluation, error)
	// Release removes the provider line item and the local record. It
	// reports false when nothing was recorded for the item.
	Release(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item Item) (bool, error)
	// SyncObserved records provider line items carried by a lifecycle event.
	SyncObserved(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, items []providerdomain.LineItem) (int, error)
	// ReconcileAll ensures every active bundle and enabled module, then
	// releases module items made redundant by an active bundle.
	ReconcileAll(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription) (*Summary, error)
	// Refund credits the unused share of the current period for item and
	// returns the amount in minor units.
	Refund(ctx context.Context, tx *gorm.DB, sub *subdomain.InstanceSubscription, item Item) (int64, error)
}
