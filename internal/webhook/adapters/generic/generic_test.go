package generic

import (
	"context"
	"net/http"
	"testing"
	"time"

	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	a := New("secret")
	payload := []byte(`{"id":"evt_1"}`)

	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("secret", payload))
	assert.NoError(t, a.Verify(context.Background(), payload, headers))

	headers.Set(SignatureHeader, Sign("secret", []byte(`{"id":"evt_2"}`)))
	assert.ErrorIs(t, a.Verify(context.Background(), payload, headers), domain.ErrInvalidSignature)

	headers.Set(SignatureHeader, "sha256=zz")
	assert.ErrorIs(t, a.Verify(context.Background(), payload, headers), domain.ErrInvalidSignature)

	assert.ErrorIs(t, New("").Verify(context.Background(), payload, http.Header{}), domain.ErrInvalidSignature)
}

func TestParseToleratesKeyCasing(t *testing.T) {
	payloads := map[string]string{
		"camel": `{"id":"evt_1","type":"renewalPaid","occurredAt":1772355600,
			"subscription":{"id":"sub_1","customerId":"cus_1","currency":"gbp","periodStart":"2026-04-01T00:00:00Z","periodEnd":"2026-05-01T00:00:00Z","cancelAtPeriodEnd":false},
			"lineItems":[{"id":"si_1","priceId":"price_reports","itemType":"MODULE","itemId":"1801"}],
			"metadata":{"tierId":1802,"moduleIds":["1801","1803"]}}`,
		"snake": `{"id":"evt_1","type":"renewal_paid","occurred_at":"1772355600",
			"subscription":{"id":"sub_1","customer_id":"cus_1","currency":"GBP","current_period_start":1775001600,"current_period_end":1777593600,"cancel_at_period_end":false},
			"line_items":[{"id":"si_1","price_id":"price_reports","item_type":"module","item_id":"1801"}],
			"metadata":{"tier_id":"1802","module_ids":"1801,1803"}}`,
		"kebab": `{"ID":"evt_1","Type":"RENEWAL-PAID","Occurred-At":1772355600,
			"Subscription-Id":"sub_1","Customer-Id":"cus_1",
			"subscription":{"currency":"gbp","period-start":"2026-04-01T00:00:00Z","period-end":"2026-05-01T00:00:00Z","cancel-at-period-end":false},
			"items":[{"ID":"si_1","Price-Id":"price_reports","Item-Type":"module","Item-Id":"1801"}],
			"Metadata":{"Tier-Id":"1802","Module-Ids":["1801",1803]}}`,
	}

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			ev, err := New("k").Parse(context.Background(), []byte(payload))
			require.NoError(t, err)

			assert.Equal(t, Name, ev.Provider)
			assert.Equal(t, "evt_1", ev.ID)
			assert.Equal(t, subdomain.LifecycleRenewalPaid, ev.Kind)
			assert.Equal(t, time.Unix(1772355600, 0).UTC(), ev.OccurredAt)
			assert.Equal(t, "sub_1", ev.Subscription.ID)
			assert.Equal(t, "cus_1", ev.Subscription.CustomerID)
			assert.Equal(t, "GBP", ev.Subscription.Currency)
			require.NotNil(t, ev.Subscription.PeriodStart)
			require.NotNil(t, ev.Subscription.PeriodEnd)
			assert.True(t, start.Equal(*ev.Subscription.PeriodStart))
			assert.True(t, end.Equal(*ev.Subscription.PeriodEnd))
			require.NotNil(t, ev.Subscription.CancelAtPeriodEnd)
			assert.False(t, *ev.Subscription.CancelAtPeriodEnd)

			require.Len(t, ev.LineItems, 1)
			assert.Equal(t, "si_1", ev.LineItems[0].ID)
			assert.Equal(t, "price_reports", ev.LineItems[0].PriceID)
			assert.Equal(t, "module", ev.LineItems[0].ItemType)
			assert.Equal(t, "1801", ev.LineItems[0].ItemID)

			assert.Equal(t, "1802", ev.Metadata.TierID.String())
			require.Len(t, ev.Metadata.ModuleIDs, 2)
			assert.Equal(t, "1803", ev.Metadata.ModuleIDs[1].String())
		})
	}
}

func TestParseKeepsLargeIDs(t *testing.T) {
	payload := `{"id":"evt_9","type":"checkout_completed","metadata":{"organization_id":1890158996666740736}}`
	ev, err := New("k").Parse(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "1890158996666740736", ev.Metadata.OrgID.String())
}

func TestParseLifecycleTypes(t *testing.T) {
	cases := map[string]subdomain.LifecycleKind{
		"checkout.completed":   subdomain.LifecycleCheckoutCompleted,
		"payment-succeeded":    subdomain.LifecyclePaymentSucceeded,
		"PaymentFailed":        subdomain.LifecyclePaymentFailed,
		"subscription_updated": subdomain.LifecycleSubscriptionUpdated,
		"SUBSCRIPTION_DELETED": subdomain.LifecycleSubscriptionDeleted,
	}
	for typ, want := range cases {
		ev, err := New("k").Parse(context.Background(), []byte(`{"id":"evt_1","type":"`+typ+`"}`))
		require.NoError(t, err, typ)
		assert.Equal(t, want, ev.Kind, typ)
	}
}

func TestParseErrors(t *testing.T) {
	a := New("k")
	_, err := a.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = a.Parse(context.Background(), []byte(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = a.Parse(context.Background(), []byte(`{"type":"renewal_paid"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = a.Parse(context.Background(), []byte(`{"id":"evt_1","type":"invoice.created"}`))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = a.Parse(context.Background(), []byte(`{"id":"evt_1","type":"renewal_paid","metadata":{"bundle_ids":"12,abc"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}
