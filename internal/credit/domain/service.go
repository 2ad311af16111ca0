package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the credit ledger. The *Tx variants join the caller's
// transaction and take the organization row lock themselves.
type Service interface {
	GrantCredits(ctx context.Context, req GrantRequest) (*CreditBatch, error)
	GrantCreditsTx(ctx context.Context, tx *gorm.DB, req GrantRequest) (*CreditBatch, error)
	ConsumeCredits(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	ConsumeCreditsTx(ctx context.Context, tx *gorm.DB, req ConsumeRequest) (*ConsumeResult, error)

	ExpireTx(ctx context.Context, tx *gorm.DB, req ExpireRequest) (*ExpireResult, error)
	ExpireLapsed(ctx context.Context, orgID snowflake.ID) (*ExpireResult, error)

	Balance(ctx context.Context, orgID snowflake.ID) (*Balance, error)
	ListBatches(ctx context.Context, orgID snowflake.ID) ([]CreditBatch, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]CreditLedgerEntry, error)
	VerifyIntegrity(ctx context.Context, orgID snowflake.ID) error
	// RepairCounter resets the cached counter to the batch sum and returns
	// the applied adjustment.
	RepairCounter(ctx context.Context, orgID snowflake.ID) (int64, error)
	ListOrgsWithBatches(ctx context.Context) ([]snowflake.ID, error)
}

type GrantRequest struct {
	OrgID            snowflake.ID
	Quantity         int64
	Source           Source
	ExpiresAt        *time.Time
	Metadata         Metadata
	UnitCost         *int64
	UnitCostCurrency string
	LinkedEntityType string
	LinkedEntityID   string
}

type ConsumeRequest struct {
	OrgID      snowflake.ID
	Quantity   int64
	EntityType string
	EntityID   string
	Notes      string
}

type ConsumeResult struct {
	OrgID     snowflake.ID `json:"organization_id"`
	Quantity  int64        `json:"quantity"`
	Draws     []Draw       `json:"draws"`
	Remaining int64        `json:"credits_remaining"`
}

// ExpireScope selects which open batches an expiry sweep zeroes.
type ExpireScope string

const (
	// ExpirePlanInclusion zeroes plan_inclusion batches only. Surviving
	// batches are marked rolled.
	ExpirePlanInclusion ExpireScope = "plan_inclusion"
	// ExpireAll zeroes every open batch regardless of source.
	ExpireAll ExpireScope = "all"
	// ExpireLapsedOnly zeroes batches whose expiry has passed.
	ExpireLapsedOnly ExpireScope = "lapsed"
)

type ExpireRequest struct {
	OrgID            snowflake.ID
	Scope            ExpireScope
	Reason           ExpiryReason
	LinkedEntityType string
	LinkedEntityID   string
}

type ExpireResult struct {
	Batches  int   `json:"batches"`
	Quantity int64 `json:"quantity"`
}

type Balance struct {
	OrgID            snowflake.ID `json:"organization_id"`
	CreditsRemaining int64        `json:"credits_remaining"`
	Spendable        int64        `json:"spendable"`
	OpenBatches      int          `json:"open_batches"`
	NextExpiry       *time.Time   `json:"next_expiry,omitempty"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidExpiry       = errors.New("invalid_expiry")
	ErrInvalidEntity       = errors.New("invalid_entity")
	ErrInvalidMetadata     = errors.New("invalid_metadata")
	ErrInvalidScope        = errors.New("invalid_expire_scope")
	ErrOrganizationMissing = errors.New("organization_not_found")
)
