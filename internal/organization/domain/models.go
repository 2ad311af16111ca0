package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization is the billing owner. CreditsRemaining mirrors the sum of
// live credit batch balances and is only written by the credit ledger.
type Organization struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Name             string       `gorm:"type:text;not null" json:"name"`
	Slug             string       `gorm:"type:text;not null;uniqueIndex" json:"slug"`
	BillingEmail     string       `gorm:"type:text" json:"billing_email"`
	CreditsRemaining int64        `gorm:"not null;default:0" json:"credits_remaining"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }
