package domain

import (
	"context"
	"net/http"
	"time"

	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeParked    Outcome = "parked"
	OutcomeRejected  Outcome = "rejected"
)

// Result is what one delivery did. Duplicates carry the transition stored
// by the first successful delivery.
type Result struct {
	Provider   string                `json:"provider"`
	EventID    string                `json:"event_id"`
	EventType  string                `json:"event_type,omitempty"`
	Outcome    Outcome               `json:"outcome"`
	Attempts   int                   `json:"attempts,omitempty"`
	RetryCount int                   `json:"retry_count,omitempty"`
	Error      string                `json:"error,omitempty"`
	Transition *subdomain.Transition `json:"transition,omitempty"`
}

type ReplayRequest struct {
	Provider string
	EventID  string
}

type Service interface {
	// Ingest verifies, normalizes and processes one delivery.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error)
	// Process runs an already normalized event.
	Process(ctx context.Context, ev *Event) (*Result, error)
	// Replay re-runs a parked event from its stored payload.
	Replay(ctx context.Context, req ReplayRequest) (*Result, error)
	ListEvents(ctx context.Context, filter ListFilter) ([]ProcessedEvent, error)
	CountParked(ctx context.Context, olderThan time.Duration) (int64, error)
}
