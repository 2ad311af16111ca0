package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Draw is the quantity taken from one batch by a consumption.
type Draw struct {
	BatchID        snowflake.ID `json:"batch_id"`
	Quantity       int64        `json:"quantity"`
	BatchRemaining int64        `json:"batch_remaining"`
}

// OrderForConsumption sorts batches earliest-expiring first. Batches without
// an expiry sort last; ties break on grant time, then id.
func OrderForConsumption(batches []CreditBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.GrantedAt.Equal(b.GrantedAt) {
			return a.GrantedAt.Before(b.GrantedAt)
		}
		return a.ID < b.ID
	})
}

// PlanConsumption walks spendable batches in FIFO order and returns the
// draws that cover quantity along with the total spendable balance. When
// available < quantity the draws are nil and nothing should be written.
func PlanConsumption(batches []CreditBatch, quantity int64, now time.Time) (draws []Draw, available int64) {
	spendable := make([]CreditBatch, 0, len(batches))
	for _, b := range batches {
		if b.Spendable(now) {
			spendable = append(spendable, b)
			available += b.RemainingQuantity
		}
	}
	if available < quantity {
		return nil, available
	}

	OrderForConsumption(spendable)
	need := quantity
	for _, b := range spendable {
		if need == 0 {
			break
		}
		take := min(b.RemainingQuantity, need)
		draws = append(draws, Draw{
			BatchID:        b.ID,
			Quantity:       take,
			BatchRemaining: b.RemainingQuantity - take,
		})
		need -= take
	}
	return draws, available
}
