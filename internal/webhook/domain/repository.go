package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	Status   Status
	Provider string
	Before   *time.Time
	Limit    int
}

type Repository interface {
	// Insert returns false when the provider event id already has a row.
	Insert(ctx context.Context, db *gorm.DB, ev *ProcessedEvent) (bool, error)
	LockByEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*ProcessedEvent, error)
	FindByEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*ProcessedEvent, error)
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) ([]ProcessedEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, ev *ProcessedEvent) error
	// Park upserts the row with a parked status and bumps retry_count.
	Park(ctx context.Context, db *gorm.DB, ev *ProcessedEvent) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]ProcessedEvent, error)
	CountParked(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)
}
