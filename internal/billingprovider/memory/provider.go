// Package memory is an in-process billing provider for development and
// tests. It keeps line items and pending invoice items in maps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
)

const Name = "memory"

type Provider struct {
	mu          sync.Mutex
	seq         int
	items       map[string]lineItem
	pending     map[string]domain.PendingItem
	idempotency map[string]string
	credits     []domain.ProrationCreditRequest
	failures    []error
}

type lineItem struct {
	subscriptionID string
	item           domain.LineItem
}

func New() *Provider {
	return &Provider{
		items:       map[string]lineItem{},
		pending:     map[string]domain.PendingItem{},
		idempotency: map[string]string{},
	}
}

func (p *Provider) Name() string { return Name }

// FailNext makes the next calls return errs in order, one per call.
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Transient is a ready-made retryable failure for FailNext.
func Transient(op string) error {
	return billingerror.ExternalProvider(op, fmt.Errorf("memory provider unavailable"))
}

func (p *Provider) AddLineItem(_ context.Context, req domain.AddLineItemRequest) (*domain.LineItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return nil, err
	}
	if req.SubscriptionID == "" || req.PriceID == "" {
		return nil, billingerror.Validationf("provider_rejected", "subscription and price are required")
	}
	if id, ok := p.idempotency[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		item := p.items[id].item
		return &item, nil
	}

	p.seq++
	item := domain.LineItem{
		ID:       fmt.Sprintf("si_mem_%d", p.seq),
		PriceID:  req.PriceID,
		ItemType: req.ItemType,
		ItemID:   req.ItemID,
		Quantity: 1,
	}
	p.items[item.ID] = lineItem{subscriptionID: req.SubscriptionID, item: item}
	if req.IdempotencyKey != "" {
		p.idempotency[req.IdempotencyKey] = item.ID
	}
	return &item, nil
}

func (p *Provider) RemoveLineItem(_ context.Context, lineItemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return err
	}
	delete(p.items, lineItemID)
	return nil
}

func (p *Provider) ListLineItems(_ context.Context, subscriptionID string) ([]domain.LineItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return nil, err
	}
	return p.list(subscriptionID), nil
}

func (p *Provider) list(subscriptionID string) []domain.LineItem {
	out := make([]domain.LineItem, 0)
	for _, li := range p.items {
		if li.subscriptionID == subscriptionID {
			out = append(out, li.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Provider) ListPendingItems(_ context.Context, _ string, subscriptionID string) ([]domain.PendingItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.PendingItem, 0)
	for _, item := range p.pending {
		if subscriptionID == "" || item.SubscriptionID == subscriptionID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) CreditProration(_ context.Context, req domain.ProrationCreditRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return err
	}
	p.credits = append(p.credits, req)
	return nil
}

// AddPending seeds an uninvoiced item, as if created out of band.
func (p *Provider) AddPending(item domain.PendingItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	p.pending[item.ID] = item
}

// LineItems returns every line item on subscriptionID.
func (p *Provider) LineItems(subscriptionID string) []domain.LineItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(subscriptionID)
}

func (p *Provider) Credits() []domain.ProrationCreditRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProrationCreditRequest(nil), p.credits...)
}

func (p *Provider) nextFailure() error {
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}
