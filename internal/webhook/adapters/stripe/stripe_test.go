package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

func signedHeader(payload []byte, ts time.Time) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	headers := http.Header{}
	headers.Set(signatureHeader, fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestVerify(t *testing.T) {
	a := New(secret)
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	assert.NoError(t, a.Verify(context.Background(), payload, signedHeader(payload, time.Now())))
	assert.ErrorIs(t, a.Verify(context.Background(), payload, signedHeader(payload, time.Now().Add(-time.Hour))), domain.ErrInvalidSignature)
	assert.ErrorIs(t, a.Verify(context.Background(), []byte(`{"id":"evt_2"}`), signedHeader(payload, time.Now())), domain.ErrInvalidSignature)
	assert.ErrorIs(t, a.Verify(context.Background(), payload, http.Header{}), domain.ErrInvalidSignature)
}

func TestParseCheckoutWithExpandedSubscription(t *testing.T) {
	payload := []byte(`{
		"id": "evt_checkout",
		"type": "checkout.session.completed",
		"created": 1772355600,
		"data": {"object": {
			"id": "cs_1",
			"mode": "subscription",
			"customer": "cus_1",
			"currency": "gbp",
			"metadata": {"organization_id": "11", "tier_id": "22", "module_ids": "33,34"},
			"subscription": {
				"id": "sub_1",
				"customer": {"id": "cus_1", "object": "customer"},
				"status": "active",
				"cancel_at_period_end": false,
				"current_period_start": 1772355600,
				"current_period_end": 1775034000,
				"metadata": {"bundle_ids": "44"},
				"items": {"data": [
					{"id": "si_tier", "quantity": 1, "price": {"id": "price_pro", "metadata": {}}},
					{"id": "si_reports", "quantity": 1, "metadata": {"item_type": "module", "item_id": "33"}, "price": {"id": "price_reports"}},
					{"id": "si_bundle", "quantity": 1, "price": {"id": "price_bundle", "metadata": {"item_type": "bundle", "item_id": "44"}}}
				]}
			}
		}}
	}`)

	ev, err := New(secret).Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, subdomain.LifecycleCheckoutCompleted, ev.Kind)
	assert.Equal(t, "sub_1", ev.Subscription.ID)
	assert.Equal(t, "cus_1", ev.Subscription.CustomerID)
	assert.Equal(t, "GBP", ev.Subscription.Currency)
	assert.Equal(t, time.Unix(1772355600, 0).UTC(), *ev.Subscription.PeriodStart)
	assert.Equal(t, time.Unix(1775034000, 0).UTC(), *ev.Subscription.PeriodEnd)

	assert.Equal(t, "11", ev.Metadata.OrgID.String())
	assert.Equal(t, "22", ev.Metadata.TierID.String())
	assert.Len(t, ev.Metadata.ModuleIDs, 2)
	require.Len(t, ev.Metadata.BundleIDs, 1)
	assert.Equal(t, "44", ev.Metadata.BundleIDs[0].String())

	require.Len(t, ev.LineItems, 3)
	assert.Empty(t, ev.LineItems[0].ItemType)
	assert.Equal(t, "module", ev.LineItems[1].ItemType)
	assert.Equal(t, "price_reports", ev.LineItems[1].PriceID)
	assert.Equal(t, "bundle", ev.LineItems[2].ItemType)
	assert.Equal(t, "44", ev.LineItems[2].ItemID)
}

func TestParseCheckoutCollapsedSubscriptionFallsBackToOneMonth(t *testing.T) {
	payload := []byte(`{"id":"evt_c2","type":"checkout.session.completed","created":1772355600,
		"data":{"object":{"id":"cs_2","mode":"subscription","customer":"cus_2","subscription":"sub_2","currency":"eur",
		"metadata":{"organization_id":"11","tier_id":"22"}}}}`)

	ev, err := New(secret).Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "sub_2", ev.Subscription.ID)
	assert.Equal(t, "EUR", ev.Subscription.Currency)
	start := time.Unix(1772355600, 0).UTC()
	assert.Equal(t, start, *ev.Subscription.PeriodStart)
	assert.Equal(t, start.AddDate(0, 1, 0), *ev.Subscription.PeriodEnd)
}

func TestParseCheckoutPaymentModeIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_c3","type":"checkout.session.completed","data":{"object":{"id":"cs_3","mode":"payment"}}}`)
	_, err := New(secret).Parse(context.Background(), payload)
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
}

func invoicePayload(eventType, reason string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_inv","type":%q,"created":1775034000,"data":{"object":{
		"id":"in_1","customer":"cus_1","subscription":"sub_1","billing_reason":%q,"currency":"gbp",
		"subscription_details":{"metadata":{"tier_id":"22"}},
		"lines":{"data":[
			{"type":"subscription","subscription_item":"si_tier","quantity":1,"price":{"id":"price_pro"},"period":{"start":1775034000,"end":1777626000}},
			{"type":"subscription","subscription_item":"si_reports","quantity":1,"metadata":{"item_type":"module","item_id":"33"},"price":{"id":"price_reports"},"period":{"start":1775034000,"end":1777626000}},
			{"type":"invoiceitem","quantity":1,"period":{"start":1772355600,"end":1772355600}}
		]}}}}`, eventType, reason))
}

func TestParseInvoiceKinds(t *testing.T) {
	cases := []struct {
		eventType string
		reason    string
		want      subdomain.LifecycleKind
	}{
		{"invoice.paid", "subscription_cycle", subdomain.LifecycleRenewalPaid},
		{"invoice.paid", "subscription_create", subdomain.LifecyclePaymentSucceeded},
		{"invoice.paid", "subscription_update", subdomain.LifecyclePaymentSucceeded},
		{"invoice.payment_succeeded", "subscription_cycle", subdomain.LifecyclePaymentSucceeded},
		{"invoice.payment_failed", "subscription_cycle", subdomain.LifecyclePaymentFailed},
	}
	for _, tc := range cases {
		ev, err := New(secret).Parse(context.Background(), invoicePayload(tc.eventType, tc.reason))
		require.NoError(t, err, tc.eventType)
		assert.Equal(t, tc.want, ev.Kind, "%s/%s", tc.eventType, tc.reason)
	}
}

func TestParseInvoiceUsesSubscriptionLinePeriod(t *testing.T) {
	ev, err := New(secret).Parse(context.Background(), invoicePayload("invoice.paid", "subscription_cycle"))
	require.NoError(t, err)
	assert.Equal(t, "sub_1", ev.Subscription.ID)
	assert.Equal(t, "22", ev.Metadata.TierID.String())
	assert.Equal(t, time.Unix(1775034000, 0).UTC(), *ev.Subscription.PeriodStart)
	assert.Equal(t, time.Unix(1777626000, 0).UTC(), *ev.Subscription.PeriodEnd)
	require.Len(t, ev.LineItems, 2)
	assert.Equal(t, "si_reports", ev.LineItems[1].ID)
	assert.Equal(t, "33", ev.LineItems[1].ItemID)
}

func TestParseInvoiceWithoutSubscriptionIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{"id":"in_2","billing_reason":"manual"}}}`)
	_, err := New(secret).Parse(context.Background(), payload)
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
}

func TestParseSubscriptionEvents(t *testing.T) {
	payload := []byte(`{"id":"evt_s","type":"customer.subscription.updated","created":1772355600,"data":{"object":{
		"id":"sub_1","customer":"cus_1","status":"active","cancel_at_period_end":true,"currency":"gbp",
		"current_period_start":1772355600,"current_period_end":1775034000,
		"metadata":{"tier_id":"23"},
		"items":{"data":[{"id":"si_reports","metadata":{"item_type":"module","item_id":"33"},"price":{"id":"price_reports"}}]}}}}`)

	ev, err := New(secret).Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, subdomain.LifecycleSubscriptionUpdated, ev.Kind)
	require.NotNil(t, ev.Subscription.CancelAtPeriodEnd)
	assert.True(t, *ev.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, "23", ev.Metadata.TierID.String())
	require.Len(t, ev.LineItems, 1)

	deleted := []byte(`{"id":"evt_d","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","status":"canceled"}}}`)
	ev, err = New(secret).Parse(context.Background(), deleted)
	require.NoError(t, err)
	assert.Equal(t, subdomain.LifecycleSubscriptionDeleted, ev.Kind)
	assert.Equal(t, subdomain.ProviderStatusCanceled, ev.Subscription.Status)
	assert.True(t, ev.Lifecycle().HardDelete())
}

func TestParseRejects(t *testing.T) {
	a := New(secret)
	_, err := a.Parse(context.Background(), []byte(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = a.Parse(context.Background(), []byte(`{"type":"invoice.paid","data":{"object":{}}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = a.Parse(context.Background(), []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = a.Parse(context.Background(), []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","metadata":{"tier_id":"pro"}}}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}
