package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultListLimit = 100

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ev *domain.ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (
			id, provider, event_id, event_type, kind, org_id, status, retry_count,
			last_error, payload, result_summary, received_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		ev.ID,
		ev.Provider,
		ev.EventID,
		ev.EventType,
		ev.Kind,
		ev.OrgID,
		ev.Status,
		ev.RetryCount,
		ev.LastError,
		ev.Payload,
		ev.ResultSummary,
		ev.ReceivedAt,
		ev.ProcessedAt,
		ev.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) LockByEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.ProcessedEvent, error) {
	return r.take(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), provider, eventID)
}

func (r *repo) FindByEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.ProcessedEvent, error) {
	return r.take(db.WithContext(ctx), provider, eventID)
}

func (r *repo) take(db *gorm.DB, provider, eventID string) (*domain.ProcessedEvent, error) {
	var ev domain.ProcessedEvent
	err := db.Where("provider = ? AND event_id = ?", provider, eventID).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID string) ([]domain.ProcessedEvent, error) {
	var items []domain.ProcessedEvent
	if err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("provider ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, ev *domain.ProcessedEvent) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET status = ?, kind = ?, org_id = ?, last_error = '', result_summary = ?,
			processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusProcessed,
		ev.Kind,
		ev.OrgID,
		ev.ResultSummary,
		ev.ProcessedAt,
		ev.UpdatedAt,
		ev.ID,
	).Error
}

func (r *repo) Park(ctx context.Context, db *gorm.DB, ev *domain.ProcessedEvent) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":      ev.Status,
			"kind":        ev.Kind,
			"retry_count": gorm.Expr("processed_events.retry_count + 1"),
			"last_error":  ev.LastError,
			"payload":     ev.Payload,
			"updated_at":  ev.UpdatedAt,
		}),
	}).Create(ev).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.ProcessedEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	q := db.WithContext(ctx).Model(&domain.ProcessedEvent{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.Before != nil {
		q = q.Where("updated_at < ?", *filter.Before)
	}

	var items []domain.ProcessedEvent
	if err := q.Order("updated_at ASC").Order("id ASC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountParked(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.ProcessedEvent{}).
		Where("status = ? AND updated_at < ?", domain.StatusError, before).
		Count(&count).Error
	return count, err
}
