package streaming

import (
	"context"

	"github.com/rendis/defiflow/internal/store"
)

// StreamEvent is a real-time event emitted while an execution progresses.
// Execution-level events carry the committed snapshot; stage events may not.
type StreamEvent struct {
	ExecutionID string           `json:"execution_id"`
	Stage       string           `json:"stage,omitempty"`
	EventType   string           `json:"event_type"`
	Version     int64            `json:"version,omitempty"`
	Snapshot    *store.Execution `json:"snapshot,omitempty"`
	Payload     any              `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
