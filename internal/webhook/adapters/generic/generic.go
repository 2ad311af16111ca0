// Package generic accepts lifecycle events from processors without a
// dedicated adapter. Bodies are signed with HMAC-SHA256 and may use any key
// casing: subscriptionId, subscription_id and SUBSCRIPTION-ID are the same
// field.
package generic

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
)

const (
	Name = "generic"

	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
)

var kinds = map[string]subdomain.LifecycleKind{
	"checkoutcompleted":   subdomain.LifecycleCheckoutCompleted,
	"renewalpaid":         subdomain.LifecycleRenewalPaid,
	"paymentsucceeded":    subdomain.LifecyclePaymentSucceeded,
	"paymentfailed":       subdomain.LifecyclePaymentFailed,
	"subscriptionupdated": subdomain.LifecycleSubscriptionUpdated,
	"subscriptiondeleted": subdomain.LifecycleSubscriptionDeleted,
}

var metadataKeys = []string{
	domain.MetadataOrganization,
	domain.MetadataTier,
	domain.MetadataModules,
	domain.MetadataBundles,
}

type Adapter struct {
	key []byte
}

func New(key string) *Adapter {
	return &Adapter{key: []byte(strings.TrimSpace(key))}
}

func (a *Adapter) Provider() string { return Name }

func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if len(a.key) == 0 || !strings.HasPrefix(header, signaturePrefix) {
		return domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal(got, sign(a.key, payload)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value for payload under key.
func Sign(key string, payload []byte) string {
	return signaturePrefix + hex.EncodeToString(sign([]byte(key), payload))
}

func sign(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

type envelope struct {
	ID             string                `json:"id"`
	Type           string                `json:"type"`
	CreatedAt      flexTime              `json:"createdat"`
	OccurredAt     flexTime              `json:"occurredat"`
	SubscriptionID string                `json:"subscriptionid"`
	CustomerID     string                `json:"customerid"`
	Subscription   *subscription         `json:"subscription"`
	LineItems      []lineItem            `json:"lineitems"`
	Items          []lineItem            `json:"items"`
	Metadata       map[string]flexString `json:"metadata"`
}

type subscription struct {
	ID                 string                `json:"id"`
	Customer           string                `json:"customer"`
	CustomerID         string                `json:"customerid"`
	Status             string                `json:"status"`
	Currency           string                `json:"currency"`
	PeriodStart        flexTime              `json:"periodstart"`
	PeriodEnd          flexTime              `json:"periodend"`
	CurrentPeriodStart flexTime              `json:"currentperiodstart"`
	CurrentPeriodEnd   flexTime              `json:"currentperiodend"`
	CancelAtPeriodEnd  *bool                 `json:"cancelatperiodend"`
	Metadata           map[string]flexString `json:"metadata"`
}

type lineItem struct {
	ID       string `json:"id"`
	PriceID  string `json:"priceid"`
	ItemType string `json:"itemtype"`
	ItemID   string `json:"itemid"`
	Quantity int64  `json:"quantity"`
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*domain.Event, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}
	var env envelope
	if err := json.Unmarshal(normalized, &env); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	kind, ok := kinds[foldKey(env.Type)]
	if !ok {
		return nil, domain.ErrEventIgnored
	}

	md := metadata(env.Metadata)
	ref := domain.SubscriptionRef{ID: env.SubscriptionID, CustomerID: env.CustomerID}
	if sub := env.Subscription; sub != nil {
		for key, value := range metadata(sub.Metadata) {
			if _, set := md[key]; !set {
				md[key] = value
			}
		}
		ref.ID = firstNonEmpty(sub.ID, ref.ID)
		ref.CustomerID = firstNonEmpty(sub.CustomerID, sub.Customer, ref.CustomerID)
		ref.Status = strings.ToLower(strings.TrimSpace(sub.Status))
		ref.Currency = strings.ToUpper(strings.TrimSpace(sub.Currency))
		ref.PeriodStart = sub.PeriodStart.or(sub.CurrentPeriodStart).ptr()
		ref.PeriodEnd = sub.PeriodEnd.or(sub.CurrentPeriodEnd).ptr()
		ref.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	parsed, err := domain.ParseMetadata(md)
	if err != nil {
		return nil, err
	}

	occurred := env.OccurredAt.or(env.CreatedAt)
	if occurred.IsZero() {
		occurred = flexTime(time.Now().UTC())
	}
	ev := &domain.Event{
		Provider:     Name,
		ID:           strings.TrimSpace(env.ID),
		Type:         env.Type,
		Kind:         kind,
		OccurredAt:   time.Time(occurred),
		Subscription: ref,
		Metadata:     parsed,
		Payload:      payload,
	}
	items := env.LineItems
	if len(items) == 0 {
		items = env.Items
	}
	for _, item := range items {
		ev.LineItems = append(ev.LineItems, providerdomain.LineItem{
			ID:       item.ID,
			PriceID:  item.PriceID,
			ItemType: strings.ToLower(item.ItemType),
			ItemID:   item.ItemID,
			Quantity: item.Quantity,
		})
	}
	return ev, nil
}

// normalize rewrites every object key to its folded form. Numbers are kept
// as written so snowflake ids survive the round trip.
func normalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, domain.ErrInvalidPayload
	}
	return json.Marshal(foldKeys(v))
}

func foldKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[foldKey(k)] = foldKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = foldKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func foldKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, k)
}

func metadata(raw map[string]flexString) map[string]string {
	out := map[string]string{}
	for _, key := range metadataKeys {
		if v, ok := raw[foldKey(key)]; ok {
			out[key] = string(v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// flexString accepts strings, numbers and arrays of either. Arrays are
// joined with commas.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*f = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case data[0] == '[':
		var parts []flexString
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			values = append(values, string(p))
		}
		*f = flexString(strings.Join(values, ","))
	default:
		*f = flexString(data)
	}
	return nil
}

// flexTime accepts unix seconds or RFC 3339.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			*f = flexTime(time.Unix(secs, 0).UTC())
			return nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*f = flexTime(t.UTC())
		return nil
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexTime(time.Unix(secs, 0).UTC())
	return nil
}

func (f flexTime) IsZero() bool { return time.Time(f).IsZero() }

func (f flexTime) or(other flexTime) flexTime {
	if f.IsZero() {
		return other
	}
	return f
}

func (f flexTime) ptr() *time.Time {
	if f.IsZero() {
		return nil
	}
	t := time.Time(f)
	return &t
}
