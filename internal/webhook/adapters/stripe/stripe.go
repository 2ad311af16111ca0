// Package stripe normalizes Stripe webhook deliveries. Signatures are
// checked with stripe-go; objects are decoded into local structs that
// tolerate both collapsed and expanded references.
package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	Name = "stripe"

	signatureHeader = "Stripe-Signature"

	billingReasonCycle = "subscription_cycle"
	checkoutModeSub    = "subscription"
	lineTypeSub        = "subscription"
)

type Adapter struct {
	secret    string
	tolerance time.Duration
}

func New(secret string) *Adapter {
	return &Adapter{secret: strings.TrimSpace(secret), tolerance: webhook.DefaultTolerance}
}

func (a *Adapter) Provider() string { return Name }

func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	sig := strings.TrimSpace(headers.Get(signatureHeader))
	if sig == "" || a.secret == "" {
		return domain.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sig, a.secret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*domain.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, domain.ErrInvalidEvent
	}

	base := &domain.Event{
		Provider:   Name,
		ID:         event.ID,
		Type:       string(event.Type),
		OccurredAt: unix(event.Created),
		Payload:    payload,
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		return parseCheckout(base, event.Data.Raw)
	case "invoice.paid":
		return parseInvoice(base, event.Data.Raw, true)
	case "invoice.payment_succeeded":
		base.Kind = subdomain.LifecyclePaymentSucceeded
		return parseInvoice(base, event.Data.Raw, false)
	case "invoice.payment_failed":
		base.Kind = subdomain.LifecyclePaymentFailed
		return parseInvoice(base, event.Data.Raw, false)
	case "customer.subscription.updated":
		base.Kind = subdomain.LifecycleSubscriptionUpdated
		return parseSubscriptionEvent(base, event.Data.Raw)
	case "customer.subscription.deleted":
		base.Kind = subdomain.LifecycleSubscriptionDeleted
		return parseSubscriptionEvent(base, event.Data.Raw)
	default:
		return nil, domain.ErrEventIgnored
	}
}

// ref is a field Stripe sends either as an id or as the expanded object.
type ref struct {
	ID  string
	Raw json.RawMessage
}

func (r *ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type checkoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     ref               `json:"customer"`
	Subscription ref               `json:"subscription"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

type subscription struct {
	ID                 string            `json:"id"`
	Customer           ref               `json:"customer"`
	Status             string            `json:"status"`
	Currency           string            `json:"currency"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	ID       string            `json:"id"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
	Price    price             `json:"price"`
}

type price struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type invoice struct {
	ID                  string            `json:"id"`
	Customer            ref               `json:"customer"`
	Subscription        ref               `json:"subscription"`
	BillingReason       string            `json:"billing_reason"`
	Currency            string            `json:"currency"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type invoiceLine struct {
	Type             string            `json:"type"`
	SubscriptionItem ref               `json:"subscription_item"`
	Quantity         int64             `json:"quantity"`
	Metadata         map[string]string `json:"metadata"`
	Price            *price            `json:"price"`
	Period           struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

func parseCheckout(ev *domain.Event, raw json.RawMessage) (*domain.Event, error) {
	var session checkoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if session.Mode != "" && session.Mode != checkoutModeSub {
		return nil, domain.ErrEventIgnored
	}
	md, err := domain.ParseMetadata(session.Metadata)
	if err != nil {
		return nil, err
	}

	ev.Kind = subdomain.LifecycleCheckoutCompleted
	ev.Subscription = domain.SubscriptionRef{
		ID:         session.Subscription.ID,
		CustomerID: session.Customer.ID,
		Status:     subdomain.ProviderStatusActive,
		Currency:   currency(session.Currency),
	}

	if len(session.Subscription.Raw) > 0 {
		var sub subscription
		if err := json.Unmarshal(session.Subscription.Raw, &sub); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		subMD, err := domain.ParseMetadata(sub.Metadata)
		if err != nil {
			return nil, err
		}
		md = md.Merge(subMD)
		applySubscription(ev, sub)
	}
	if ev.Subscription.PeriodStart == nil {
		start := ev.OccurredAt
		end := start.AddDate(0, 1, 0)
		ev.Subscription.PeriodStart = &start
		ev.Subscription.PeriodEnd = &end
	}
	ev.Metadata = md
	return ev, nil
}

// parseInvoice reads the service period from the subscription lines. The
// invoice's own period fields describe the previous cycle.
func parseInvoice(ev *domain.Event, raw json.RawMessage, paid bool) (*domain.Event, error) {
	var inv invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if inv.Subscription.ID == "" {
		return nil, domain.ErrEventIgnored
	}
	// Only cycle invoices open a new period. Paid create and update
	// invoices just confirm payment.
	if paid {
		ev.Kind = subdomain.LifecyclePaymentSucceeded
		if inv.BillingReason == billingReasonCycle {
			ev.Kind = subdomain.LifecycleRenewalPaid
		}
	}

	md, err := domain.ParseMetadata(inv.Metadata)
	if err != nil {
		return nil, err
	}
	if inv.SubscriptionDetails != nil {
		subMD, err := domain.ParseMetadata(inv.SubscriptionDetails.Metadata)
		if err != nil {
			return nil, err
		}
		md = subMD.Merge(md)
	}
	ev.Metadata = md
	ev.Subscription = domain.SubscriptionRef{
		ID:         inv.Subscription.ID,
		CustomerID: inv.Customer.ID,
		Currency:   currency(inv.Currency),
	}

	var start, end int64
	for _, line := range inv.Lines.Data {
		if line.Type != lineTypeSub || line.SubscriptionItem.ID == "" {
			continue
		}
		ev.LineItems = append(ev.LineItems, toLineItem(line.SubscriptionItem.ID, line.Quantity, line.Metadata, line.Price))
		if line.Period.End > end {
			start, end = line.Period.Start, line.Period.End
		}
	}
	if end > 0 {
		ps, pe := unix(start), unix(end)
		ev.Subscription.PeriodStart = &ps
		ev.Subscription.PeriodEnd = &pe
	}
	return ev, nil
}

func parseSubscriptionEvent(ev *domain.Event, raw json.RawMessage) (*domain.Event, error) {
	var sub subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if sub.ID == "" {
		return nil, domain.ErrInvalidEvent
	}
	md, err := domain.ParseMetadata(sub.Metadata)
	if err != nil {
		return nil, err
	}
	ev.Metadata = md
	applySubscription(ev, sub)
	return ev, nil
}

func applySubscription(ev *domain.Event, sub subscription) {
	cancel := sub.CancelAtPeriodEnd
	ev.Subscription.ID = sub.ID
	ev.Subscription.CancelAtPeriodEnd = &cancel
	if sub.Customer.ID != "" {
		ev.Subscription.CustomerID = sub.Customer.ID
	}
	if sub.Status != "" {
		ev.Subscription.Status = sub.Status
	}
	if sub.Currency != "" {
		ev.Subscription.Currency = currency(sub.Currency)
	}
	if sub.CurrentPeriodStart > 0 && sub.CurrentPeriodEnd > 0 {
		start, end := unix(sub.CurrentPeriodStart), unix(sub.CurrentPeriodEnd)
		ev.Subscription.PeriodStart = &start
		ev.Subscription.PeriodEnd = &end
	}
	ev.LineItems = ev.LineItems[:0]
	for _, item := range sub.Items.Data {
		p := item.Price
		ev.LineItems = append(ev.LineItems, toLineItem(item.ID, item.Quantity, item.Metadata, &p))
	}
}

// toLineItem prefers item-level metadata and falls back to the price's.
func toLineItem(id string, quantity int64, md map[string]string, p *price) providerdomain.LineItem {
	item := providerdomain.LineItem{
		ID:       id,
		Quantity: quantity,
		ItemType: md[providerdomain.MetadataItemType],
		ItemID:   md[providerdomain.MetadataItemID],
	}
	if p != nil {
		item.PriceID = p.ID
		if item.ItemType == "" {
			item.ItemType = p.Metadata[providerdomain.MetadataItemType]
			item.ItemID = p.Metadata[providerdomain.MetadataItemID]
		}
	}
	return item
}

func currency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func unix(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
