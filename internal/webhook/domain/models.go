package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
	StatusRejected  Status = "rejected"
)

// ProcessedEvent is the idempotency guard for provider deliveries. A row
// with status processed short-circuits redelivery; error and rejected rows
// are parked for replay.
type ProcessedEvent struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider      string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:1"`
	EventID       string         `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:2;index"`
	EventType     string         `json:"event_type" gorm:"type:text;not null"`
	Kind          string         `json:"kind" gorm:"type:text"`
	OrgID         *snowflake.ID  `json:"organization_id,omitempty" gorm:"index"`
	Status        Status         `json:"status" gorm:"type:text;not null;index"`
	RetryCount    int            `json:"retry_count" gorm:"not null;default:0"`
	LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
	Payload       []byte         `json:"-"`
	ResultSummary datatypes.JSON `json:"result_summary,omitempty"`
	ReceivedAt    time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// Parked reports whether the row waits for redelivery or operator replay.
func (e *ProcessedEvent) Parked() bool {
	return e.Status == StatusError || e.Status == StatusRejected
}

// CompressPayload snappy-encodes a raw delivery body for storage.
func CompressPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return snappy.Encode(nil, raw)
}

// RawPayload returns the delivery body stored with the row.
func (e *ProcessedEvent) RawPayload() ([]byte, error) {
	if len(e.Payload) == 0 {
		return nil, ErrInvalidPayload
	}
	return snappy.Decode(nil, e.Payload)
}
