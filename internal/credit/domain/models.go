package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Source string

const (
	SourcePlanInclusion Source = "plan_inclusion"
	SourceTopup         Source = "topup"
	SourceAdminGrant    Source = "admin_grant"
	SourceRefund        Source = "refund"

	// Entry-only sources.
	SourceConsumption Source = "consumption"
	SourceExpiry      Source = "expiry"
)

// IsGrantSource reports whether a batch may be created with this source.
func (s Source) IsGrantSource() bool {
	switch s {
	case SourcePlanInclusion, SourceTopup, SourceAdminGrant, SourceRefund:
		return true
	default:
		return false
	}
}

// CreditBatch is a discrete grant with its own expiry and remaining balance.
// Invariant: 0 <= RemainingQuantity <= GrantedQuantity.
type CreditBatch struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID   `gorm:"not null;index:idx_credit_batches_org" json:"organization_id"`
	GrantedQuantity   int64          `gorm:"not null" json:"granted_quantity"`
	RemainingQuantity int64          `gorm:"not null" json:"remaining_quantity"`
	Source            Source         `gorm:"type:text;not null" json:"source"`
	GrantedAt         time.Time      `gorm:"not null" json:"granted_at"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	UnitCost          *int64         `json:"unit_cost,omitempty"`
	UnitCostCurrency  string         `gorm:"type:text" json:"unit_cost_currency,omitempty"`
	Rolled            bool           `gorm:"not null;default:false" json:"rolled"`
	Metadata          datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

// Spendable reports whether the batch can fund a consumption at now.
func (b CreditBatch) Spendable(now time.Time) bool {
	if b.RemainingQuantity <= 0 {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// CreditLedgerEntry is an immutable signed record of one credit movement
// against one batch.
type CreditLedgerEntry struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID   `gorm:"not null;index:idx_credit_entries_org" json:"organization_id"`
	BatchID          snowflake.ID   `gorm:"not null;index:idx_credit_entries_batch" json:"batch_id"`
	Source           Source         `gorm:"type:text;not null" json:"source"`
	Quantity         int64          `gorm:"not null" json:"quantity"`
	LinkedEntityType string         `gorm:"type:text" json:"linked_entity_type,omitempty"`
	LinkedEntityID   string         `gorm:"type:text" json:"linked_entity_id,omitempty"`
	Metadata         datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }
