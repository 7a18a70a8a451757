package store

import "context"

// UpdateFunc describes one atomic state transition. It receives a private
// copy of the current record; returning an error discards the copy.
type UpdateFunc func(e *Execution) error

// Store defines the authoritative execution table.
// All implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a PENDING record. Fails with DUPLICATE_ID if id exists.
	Create(ctx context.Context, id string, meta Metadata) (*Execution, error)

	// Mutate applies fn atomically. Readers observe the record either entirely
	// before or entirely after the mutation. Fails with NOT_FOUND for unknown
	// ids and TERMINAL for records that already reached a terminal status.
	Mutate(ctx context.Context, id string, fn UpdateFunc) (*Execution, error)

	// Snapshot returns a point-in-time copy of one record.
	Snapshot(ctx context.Context, id string) (*Execution, error)

	// ListSnapshots returns copies of every matching record in creation order.
	ListSnapshots(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// Observer is notified after every committed create or mutation, outside of
// any store lock. Each observer receives its own copy of the snapshot.
type Observer interface {
	ExecutionChanged(ctx context.Context, change Change)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) ExecutionChanged(ctx context.Context, change Change) {
	f(ctx, change)
}
