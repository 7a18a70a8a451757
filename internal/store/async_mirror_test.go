package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/pkg/schema"
)

type recordingMirror struct {
	mu    sync.Mutex
	saved []*Execution
	err   error
	block chan struct{}
}

func (r *recordingMirror) SaveExecution(_ context.Context, snap *Execution) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, snap)
	return nil
}

func TestAsyncMirror_ForwardsCommittedSnapshots(t *testing.T) {
	rec := &recordingMirror{}
	am := NewAsyncMirror(rec, 16, nil)
	s := NewMemoryStore(WithObserver(am))
	ctx := context.Background()

	_, err := s.Create(ctx, "e1", Metadata{})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, "e1", appendStep(schema.StageOrchestrator, "a"))
	require.NoError(t, err)
	am.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.saved, 2)
	assert.Equal(t, int64(1), rec.saved[0].Version)
	assert.Equal(t, int64(2), rec.saved[1].Version)
	assert.Equal(t, MirrorMetrics{Saved: 2}, am.Metrics())
}

func TestAsyncMirror_FailuresDoNotAffectStore(t *testing.T) {
	rec := &recordingMirror{err: errors.New("disk full")}
	am := NewAsyncMirror(rec, 16, nil)
	s := NewMemoryStore(WithObserver(am))
	ctx := context.Background()

	_, err := s.Create(ctx, "e1", Metadata{})
	require.NoError(t, err)
	am.Close()

	snap, err := s.Snapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, snap.Status)
	assert.Equal(t, int64(1), am.Metrics().Failed)
}

func TestAsyncMirror_DropsWhenFull(t *testing.T) {
	rec := &recordingMirror{block: make(chan struct{})}
	am := NewAsyncMirror(rec, 1, nil)

	// The loop takes the first snapshot and blocks; the second fills the
	// queue; the rest are dropped without blocking the caller.
	for i := 0; i < 10; i++ {
		am.ExecutionChanged(context.Background(), Change{Snapshot: &Execution{ID: "e1", Version: int64(i + 1)}})
	}
	close(rec.block)
	am.Close()

	m := am.Metrics()
	assert.Equal(t, int64(10), m.Saved+m.Dropped)
	assert.GreaterOrEqual(t, m.Dropped, int64(8))
}

func TestAsyncMirror_CloseIsIdempotent(t *testing.T) {
	am := NewAsyncMirror(&recordingMirror{}, 0, nil)
	am.Close()
	am.Close()
	am.ExecutionChanged(context.Background(), Change{Snapshot: &Execution{ID: "late"}})
	assert.Equal(t, MirrorMetrics{}, am.Metrics())
}
