package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *CreditBatch) error
	InsertEntry(ctx context.Context, db *gorm.DB, entry *CreditLedgerEntry) error
	// ListOpenBatches returns batches with a positive remaining balance,
	// including ones whose expiry has passed but were not swept yet.
	ListOpenBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]CreditBatch, error)
	ListBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]CreditBatch, error)
	// UpdateRemaining is a compare-and-set on remaining_quantity. It returns
	// false if the stored value was not expected.
	UpdateRemaining(ctx context.Context, db *gorm.DB, batchID snowflake.ID, expected, next int64) (bool, error)
	MarkRolled(ctx context.Context, db *gorm.DB, batchIDs []snowflake.ID) error
	ListEntries(ctx context.Context, db *gorm.DB, filter EntryFilter) ([]CreditLedgerEntry, error)
	SumDebitsByBatch(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (map[snowflake.ID]int64, error)
	ListOrgsWithBatches(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}

type EntryFilter struct {
	OrgID   snowflake.ID
	BatchID snowflake.ID
	Source  Source
	Limit   int
}
