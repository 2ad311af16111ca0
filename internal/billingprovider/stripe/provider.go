// Package stripe adapts the Stripe API to the billing provider port.
package stripe

import (
	"context"
	"strings"

	"github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

const (
	Name = "stripe"

	prorationCreate = "create_prorations"
	prorationNone   = "none"
)

type Provider struct {
	api     *client.API
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func New(secretKey string, log *zap.Logger, metrics *obsmetrics.Metrics) *Provider {
	api := &client.API{}
	api.Init(strings.TrimSpace(secretKey), nil)
	return NewWithClient(api, log, metrics)
}

// NewWithClient wraps a preconfigured client, for tests against a stub
// backend.
func NewWithClient(api *client.API, log *zap.Logger, metrics *obsmetrics.Metrics) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{api: api, log: log.Named("billingprovider.stripe"), metrics: metrics}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) AddLineItem(ctx context.Context, req domain.AddLineItemRequest) (*domain.LineItem, error) {
	params := &stripego.SubscriptionItemParams{
		Subscription:      stripego.String(req.SubscriptionID),
		Price:             stripego.String(req.PriceID),
		Quantity:          stripego.Int64(1),
		ProrationBehavior: stripego.String(prorationCreate),
	}
	params.Context = ctx
	params.AddMetadata(domain.MetadataItemType, req.ItemType)
	params.AddMetadata(domain.MetadataItemID, req.ItemID)
	if req.OrgID != "" {
		params.AddMetadata(domain.MetadataOrganization, req.OrgID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	si, err := p.api.SubscriptionItems.New(params)
	if err != nil {
		return nil, p.fail(ctx, "add_line_item", err)
	}
	p.metrics.RecordProviderCall(ctx, Name, "add_line_item", "success")
	item := toLineItem(si)
	return &item, nil
}

func (p *Provider) RemoveLineItem(ctx context.Context, lineItemID string) error {
	params := &stripego.SubscriptionItemParams{
		ProrationBehavior: stripego.String(prorationNone),
	}
	params.Context = ctx

	if _, err := p.api.SubscriptionItems.Del(lineItemID, params); err != nil {
		var se *stripego.Error
		if asStripe(err, &se) && se.Code == stripego.ErrorCodeResourceMissing {
			p.log.Info("line item already removed", zap.String("line_item_id", lineItemID))
			return nil
		}
		return p.fail(ctx, "remove_line_item", err)
	}
	p.metrics.RecordProviderCall(ctx, Name, "remove_line_item", "success")
	return nil
}

func (p *Provider) ListLineItems(ctx context.Context, subscriptionID string) ([]domain.LineItem, error) {
	params := &stripego.SubscriptionItemListParams{Subscription: stripego.String(subscriptionID)}
	params.Context = ctx

	var out []domain.LineItem
	iter := p.api.SubscriptionItems.List(params)
	for iter.Next() {
		out = append(out, toLineItem(iter.SubscriptionItem()))
	}
	if err := iter.Err(); err != nil {
		return nil, p.fail(ctx, "list_line_items", err)
	}
	p.metrics.RecordProviderCall(ctx, Name, "list_line_items", "success")
	return out, nil
}

func (p *Provider) ListPendingItems(ctx context.Context, customerID, subscriptionID string) ([]domain.PendingItem, error) {
	params := &stripego.InvoiceItemListParams{
		Customer: stripego.String(customerID),
		Pending:  stripego.Bool(true),
	}
	params.Context = ctx

	var out []domain.PendingItem
	iter := p.api.InvoiceItems.List(params)
	for iter.Next() {
		ii := iter.InvoiceItem()
		pending := domain.PendingItem{
			ID:          ii.ID,
			ItemType:    ii.Metadata[domain.MetadataItemType],
			ItemID:      ii.Metadata[domain.MetadataItemID],
			AmountMinor: ii.Amount,
			Currency:    strings.ToUpper(string(ii.Currency)),
		}
		if ii.Subscription != nil {
			pending.SubscriptionID = ii.Subscription.ID
		}
		if subscriptionID != "" && pending.SubscriptionID != "" && pending.SubscriptionID != subscriptionID {
			continue
		}
		out = append(out, pending)
	}
	if err := iter.Err(); err != nil {
		return nil, p.fail(ctx, "list_pending_items", err)
	}
	p.metrics.RecordProviderCall(ctx, Name, "list_pending_items", "success")
	return out, nil
}

// CreditProration posts a negative invoice item that the next invoice
// absorbs.
func (p *Provider) CreditProration(ctx context.Context, req domain.ProrationCreditRequest) error {
	params := &stripego.InvoiceItemParams{
		Customer: stripego.String(req.CustomerID),
		Amount:   stripego.Int64(-req.AmountMinor),
		Currency: stripego.String(strings.ToLower(req.Currency)),
	}
	if req.SubscriptionID != "" {
		params.Subscription = stripego.String(req.SubscriptionID)
	}
	if req.Description != "" {
		params.Description = stripego.String(req.Description)
	}
	params.Context = ctx
	params.AddMetadata(domain.MetadataItemType, req.ItemType)
	params.AddMetadata(domain.MetadataItemID, req.ItemID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	if _, err := p.api.InvoiceItems.New(params); err != nil {
		return p.fail(ctx, "credit_proration", err)
	}
	p.metrics.RecordProviderCall(ctx, Name, "credit_proration", "success")
	return nil
}

func (p *Provider) fail(ctx context.Context, operation string, err error) error {
	classified := classify(operation, err)
	outcome := "rejected"
	if transient(err) {
		outcome = "transient"
	}
	p.metrics.RecordProviderCall(ctx, Name, operation, outcome)
	p.log.Warn("stripe call failed",
		zap.String("operation", operation),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	return classified
}

func toLineItem(si *stripego.SubscriptionItem) domain.LineItem {
	item := domain.LineItem{
		ID:       si.ID,
		Quantity: si.Quantity,
		ItemType: si.Metadata[domain.MetadataItemType],
		ItemID:   si.Metadata[domain.MetadataItemID],
	}
	if si.Price != nil {
		item.PriceID = si.Price.ID
	}
	return item
}
