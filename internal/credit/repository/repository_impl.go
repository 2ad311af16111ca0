package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *domain.CreditBatch) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_batches (
			id, org_id, granted_quantity, remaining_quantity, source, granted_at, expires_at,
			unit_cost, unit_cost_currency, rolled, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.OrgID,
		batch.GrantedQuantity,
		batch.RemainingQuantity,
		batch.Source,
		batch.GrantedAt,
		batch.ExpiresAt,
		batch.UnitCost,
		batch.UnitCostCurrency,
		batch.Rolled,
		batch.Metadata,
		batch.CreatedAt,
		batch.UpdatedAt,
	).Error
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.CreditLedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger_entries (
			id, org_id, batch_id, source, quantity, linked_entity_type, linked_entity_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OrgID,
		entry.BatchID,
		entry.Source,
		entry.Quantity,
		entry.LinkedEntityType,
		entry.LinkedEntityID,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListOpenBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.CreditBatch, error) {
	var batches []domain.CreditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_batches
		 WHERE org_id = ? AND remaining_quantity > 0
		 ORDER BY granted_at ASC, id ASC`,
		orgID,
	).Scan(&batches).Error
	return batches, err
}

func (r *repo) ListBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.CreditBatch, error) {
	var batches []domain.CreditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_batches WHERE org_id = ? ORDER BY granted_at ASC, id ASC`,
		orgID,
	).Scan(&batches).Error
	return batches, err
}

func (r *repo) UpdateRemaining(ctx context.Context, db *gorm.DB, batchID snowflake.ID, expected, next int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_batches
		 SET remaining_quantity = ?, updated_at = ?
		 WHERE id = ? AND remaining_quantity = ?`,
		next,
		time.Now().UTC(),
		batchID,
		expected,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkRolled(ctx context.Context, db *gorm.DB, batchIDs []snowflake.ID) error {
	if len(batchIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE credit_batches SET rolled = ?, updated_at = ? WHERE id IN ?`,
		true,
		time.Now().UTC(),
		batchIDs,
	).Error
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, filter domain.EntryFilter) ([]domain.CreditLedgerEntry, error) {
	query := db.WithContext(ctx).Model(&domain.CreditLedgerEntry{}).Where("org_id = ?", filter.OrgID)
	if filter.BatchID != 0 {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []domain.CreditLedgerEntry
	err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *repo) SumDebitsByBatch(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (map[snowflake.ID]int64, error) {
	var rows []struct {
		BatchID snowflake.ID `gorm:"column:batch_id"`
		Total   int64        `gorm:"column:total"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT batch_id, COALESCE(SUM(quantity), 0) AS total
		 FROM credit_ledger_entries
		 WHERE org_id = ? AND quantity < 0
		 GROUP BY batch_id`,
		orgID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]int64, len(rows))
	for _, row := range rows {
		out[row.BatchID] = row.Total
	}
	return out, nil
}

func (r *repo) ListOrgsWithBatches(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id FROM credit_batches ORDER BY org_id`,
	).Scan(&ids).Error
	return ids, err
}
