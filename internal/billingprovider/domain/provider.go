// Package domain defines the port to the external billing processor.
package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=../mocks/mock_provider.go -package=mocks github.com/smallbiznis/inspectbill/internal/billingprovider/domain Provider

// Metadata keys stamped on every line item and invoice item this service
// creates, so items can be matched back to catalog entries.
const (
	MetadataItemType     = "item_type"
	MetadataItemID       = "item_id"
	MetadataOrganization = "organization_id"
)

// LineItem is one billable item on the provider's subscription.
type LineItem struct {
	ID       string `json:"id"`
	PriceID  string `json:"price_id,omitempty"`
	ItemType string `json:"item_type,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Quantity int64  `json:"quantity"`
}

// PendingItem is an invoice item not yet attached to a finalized invoice.
type PendingItem struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ItemType       string    `json:"item_type,omitempty"`
	ItemID         string    `json:"item_id,omitempty"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
}

type AddLineItemRequest struct {
	SubscriptionID string
	PriceID        string
	ItemType       string
	ItemID         string
	OrgID          string
	// IdempotencyKey makes a retried add return the item created by the
	// first attempt.
	IdempotencyKey string
}

type ProrationCreditRequest struct {
	CustomerID     string
	SubscriptionID string
	Currency       string
	AmountMinor    int64
	ItemType       string
	ItemID         string
	Description    string
	IdempotencyKey string
}

// Provider is implemented by each processor adapter. Implementations
// return billingerror values: external_provider for transient failures,
// validation for requests the processor rejected.
type Provider interface {
	Name() string
	AddLineItem(ctx context.Context, req AddLineItemRequest) (*LineItem, error)
	RemoveLineItem(ctx context.Context, lineItemID string) error
	ListLineItems(ctx context.Context, subscriptionID string) ([]LineItem, error)
	ListPendingItems(ctx context.Context, customerID, subscriptionID string) ([]PendingItem, error)
	CreditProration(ctx context.Context, req ProrationCreditRequest) error
}
