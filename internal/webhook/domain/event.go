package domain

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	providerdomain "github.com/smallbiznis/inspectbill/internal/billingprovider/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
)

// Metadata keys read from provider objects.
const (
	MetadataOrganization = "organization_id"
	MetadataTier         = "tier_id"
	MetadataModules      = "module_ids"
	MetadataBundles      = "bundle_ids"
)

// Event is the canonical shape every provider payload is normalized into
// before any state machine logic runs.
type Event struct {
	Provider     string
	ID           string
	Type         string
	Kind         subdomain.LifecycleKind
	OccurredAt   time.Time
	Subscription SubscriptionRef
	Metadata     Metadata
	LineItems    []providerdomain.LineItem
	Payload      []byte
}

// SubscriptionRef is the provider subscription as seen by one event.
type SubscriptionRef struct {
	ID                string
	CustomerID        string
	Status            string
	Currency          string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd *bool
}

// Metadata is the typed form of the free-form metadata the checkout flow
// stamps on provider objects.
type Metadata struct {
	OrgID     snowflake.ID
	TierID    snowflake.ID
	ModuleIDs []snowflake.ID
	BundleIDs []snowflake.ID
}

// ParseMetadata reads the known keys and ignores the rest. A present but
// malformed id is a validation error.
func ParseMetadata(raw map[string]string) (Metadata, error) {
	var md Metadata
	var err error
	if md.OrgID, err = parseID(raw, MetadataOrganization); err != nil {
		return Metadata{}, err
	}
	if md.TierID, err = parseID(raw, MetadataTier); err != nil {
		return Metadata{}, err
	}
	if md.ModuleIDs, err = parseIDList(raw, MetadataModules); err != nil {
		return Metadata{}, err
	}
	if md.BundleIDs, err = parseIDList(raw, MetadataBundles); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// Merge fills fields left empty in md from other.
func (md Metadata) Merge(other Metadata) Metadata {
	if md.OrgID == 0 {
		md.OrgID = other.OrgID
	}
	if md.TierID == 0 {
		md.TierID = other.TierID
	}
	if len(md.ModuleIDs) == 0 {
		md.ModuleIDs = other.ModuleIDs
	}
	if len(md.BundleIDs) == 0 {
		md.BundleIDs = other.BundleIDs
	}
	return md
}

func parseID(raw map[string]string, key string) (snowflake.ID, error) {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return 0, nil
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id <= 0 {
		return 0, billingerror.Validation(ErrInvalidMetadata).With("key", key)
	}
	return id, nil
}

func parseIDList(raw map[string]string, key string) ([]snowflake.ID, error) {
	value := strings.TrimSpace(raw[key])
	if value == "" {
		return nil, nil
	}
	var ids []snowflake.ID
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := snowflake.ParseString(part)
		if err != nil || id <= 0 {
			return nil, billingerror.Validation(ErrInvalidMetadata).With("key", key)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Lifecycle converts the event into state machine input.
func (e *Event) Lifecycle() subdomain.LifecycleInput {
	return subdomain.LifecycleInput{
		EventID:                e.ID,
		Kind:                   e.Kind,
		Provider:               e.Provider,
		ProviderSubscriptionID: e.Subscription.ID,
		ProviderCustomerID:     e.Subscription.CustomerID,
		ProviderStatus:         e.Subscription.Status,
		OrgID:                  e.Metadata.OrgID,
		TierID:                 e.Metadata.TierID,
		ModuleIDs:              e.Metadata.ModuleIDs,
		BundleIDs:              e.Metadata.BundleIDs,
		Currency:               e.Subscription.Currency,
		PeriodStart:            e.Subscription.PeriodStart,
		PeriodEnd:              e.Subscription.PeriodEnd,
		CancelAtPeriodEnd:      e.Subscription.CancelAtPeriodEnd,
		LineItems:              e.LineItems,
		OccurredAt:             e.OccurredAt,
	}
}

// Adapter verifies and normalizes one provider's webhook payloads.
// Parse returns ErrEventIgnored for event types that drive no transition.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

var (
	ErrProviderNotFound = errors.New("webhook_provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidMetadata  = errors.New("invalid_metadata")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrEventNotParked   = errors.New("event_not_parked")
	ErrEventNotFound    = errors.New("event_not_found")
	ErrEventInFlight    = errors.New("event_in_flight")
)
