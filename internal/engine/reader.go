package engine

import (
	"context"
	"time"

	"github.com/rendis/defiflow/internal/expressions"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/internal/streaming"
)

const (
	subscriptionBuffer = 16
	resyncInterval     = time.Second
)

// StatusReader is the read-only query surface for pollers and subscribers.
type StatusReader struct {
	store store.Store
	hub   streaming.EventHub
	jq    *expressions.GoJQEngine
}

// NewStatusReader creates a reader. hub may be nil, in which case Subscribe
// falls back to periodic snapshots.
func NewStatusReader(s store.Store, hub streaming.EventHub) *StatusReader {
	return &StatusReader{store: s, hub: hub, jq: expressions.NewGoJQEngine()}
}

// Get returns a snapshot of one execution.
func (r *StatusReader) Get(ctx context.Context, id string) (*store.Execution, error) {
	return r.store.Snapshot(ctx, id)
}

// List returns snapshots of all matching executions in creation order.
func (r *StatusReader) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return r.store.ListSnapshots(ctx, filter)
}

// Query runs a jq expression over {"executions": [...]} built from List.
func (r *StatusReader) Query(ctx context.Context, filter store.ExecutionFilter, expression string) (any, error) {
	list, err := r.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*store.Execution{}
	}
	return r.jq.Run(ctx, expression, map[string]any{"executions": list})
}

// Subscribe streams snapshots of id: the current one first, then every newer
// version, closing the channel after a terminal snapshot or when ctx ends.
// Versions are strictly increasing; intermediate versions may be skipped.
func (r *StatusReader) Subscribe(ctx context.Context, id string) (<-chan *store.Execution, error) {
	var (
		events <-chan streaming.StreamEvent
		cancel = func() {}
	)
	if r.hub != nil {
		// Subscribe before the first snapshot so no commit falls in between.
		ch, c, err := r.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
		if err != nil {
			return nil, err
		}
		events, cancel = ch, c
	}

	first, err := r.store.Snapshot(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *store.Execution, subscriptionBuffer)
	go func() {
		defer close(out)
		defer cancel()

		last := int64(0)
		deliver := func(snap *store.Execution) bool {
			if snap == nil || snap.Version <= last {
				return true
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return false
			}
			last = snap.Version
			return !snap.Status.IsTerminal()
		}

		if !deliver(first) {
			return
		}

		// Hub events may be dropped for slow consumers; the ticker resyncs.
		ticker := time.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.Snapshot == nil {
					continue
				}
				// Hub events are shared between subscribers.
				if !deliver(evt.Snapshot.Clone()) {
					return
				}
			case <-ticker.C:
				snap, err := r.store.Snapshot(ctx, id)
				if err != nil {
					return
				}
				if !deliver(snap) {
					return
				}
			}
		}
	}()
	return out, nil
}
