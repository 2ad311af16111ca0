package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, org *Organization) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	// LockByID reads the organization with a row lock held until the
	// enclosing transaction ends. Every ledger and subscription mutation for
	// an organization takes this lock first.
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	AdjustCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64) error
	SetCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, value int64) error
}
