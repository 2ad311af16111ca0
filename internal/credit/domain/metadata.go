package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type MetadataKind string

const (
	MetadataPlanInclusion MetadataKind = "plan_inclusion"
	MetadataTopup         MetadataKind = "topup"
	MetadataAdminGrant    MetadataKind = "admin_grant"
	MetadataRefund        MetadataKind = "refund"
	MetadataConsumption   MetadataKind = "consumption"
	MetadataExpiry        MetadataKind = "expiry"
)

// Metadata is the closed set of payloads stored on batches and entries.
// Each variant is keyed by the source that produced it.
type Metadata interface {
	Kind() MetadataKind
}

type PlanInclusionMetadata struct {
	TierID      snowflake.ID `json:"tier_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	EventID     string       `json:"event_id,omitempty"`
}

func (PlanInclusionMetadata) Kind() MetadataKind { return MetadataPlanInclusion }

type TopupMetadata struct {
	PackID      snowflake.ID `json:"pack_id"`
	InvoiceID   string       `json:"invoice_id,omitempty"`
	Currency    string       `json:"currency"`
	AmountMinor int64        `json:"amount_minor"`
}

func (TopupMetadata) Kind() MetadataKind { return MetadataTopup }

type AdminGrantMetadata struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (AdminGrantMetadata) Kind() MetadataKind { return MetadataAdminGrant }

type RefundMetadata struct {
	InspectionID string `json:"inspection_id"`
	Reason       string `json:"reason,omitempty"`
}

func (RefundMetadata) Kind() MetadataKind { return MetadataRefund }

type ConsumptionMetadata struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Notes      string `json:"notes,omitempty"`
}

func (ConsumptionMetadata) Kind() MetadataKind { return MetadataConsumption }

type ExpiryReason string

const (
	ExpiryReasonRenewal        ExpiryReason = "renewal"
	ExpiryReasonPaymentFailure ExpiryReason = "payment_failure"
	ExpiryReasonLapsed         ExpiryReason = "lapsed"
)

type ExpiryMetadata struct {
	Reason ExpiryReason `json:"reason"`
}

func (ExpiryMetadata) Kind() MetadataKind { return MetadataExpiry }

type metadataEnvelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodeMetadata(m Metadata) (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func DecodeMetadata(raw datatypes.JSON) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var target Metadata
	switch env.Kind {
	case MetadataPlanInclusion:
		target = &PlanInclusionMetadata{}
	case MetadataTopup:
		target = &TopupMetadata{}
	case MetadataAdminGrant:
		target = &AdminGrantMetadata{}
	case MetadataRefund:
		target = &RefundMetadata{}
	case MetadataConsumption:
		target = &ConsumptionMetadata{}
	case MetadataExpiry:
		target = &ExpiryMetadata{}
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, err
	}
	return deref(target), nil
}

func deref(m Metadata) Metadata {
	switch v := m.(type) {
	case *PlanInclusionMetadata:
		return *v
	case *TopupMetadata:
		return *v
	case *AdminGrantMetadata:
		return *v
	case *RefundMetadata:
		return *v
	case *ConsumptionMetadata:
		return *v
	case *ExpiryMetadata:
		return *v
	}
	return m
}

// MetadataMatchesSource reports whether m is an allowed payload for a grant
// with the given source. A nil payload is always allowed.
func MetadataMatchesSource(source Source, m Metadata) bool {
	if m == nil {
		return true
	}
	return string(m.Kind()) == string(source)
}
