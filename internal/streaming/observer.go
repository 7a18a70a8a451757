package streaming

import (
	"context"
	"log/slog"
	"os"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// StoreObserver publishes every committed store change to a hub.
type StoreObserver struct {
	hub    EventHub
	logger *slog.Logger
}

// NewStoreObserver returns an observer that feeds hub. logger may be nil.
func NewStoreObserver(hub EventHub, logger *slog.Logger) *StoreObserver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &StoreObserver{hub: hub, logger: logger}
}

// ExecutionChanged implements store.Observer.
func (o *StoreObserver) ExecutionChanged(ctx context.Context, change store.Change) {
	snap := change.Snapshot
	if snap == nil {
		return
	}
	from := change.PreviousStatus
	if change.Created() {
		from = ""
	}
	eventType := schema.ExecutionEventType(from, snap.Status)
	err := o.hub.Publish(context.WithoutCancel(ctx), StreamEvent{
		ExecutionID: snap.ID,
		Stage:       string(snap.CurrentAgent),
		EventType:   eventType,
		Version:     snap.Version,
		Snapshot:    snap,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "publish execution event failed",
			slog.String("execution_id", snap.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

var _ store.Observer = (*StoreObserver)(nil)
