package streaming

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ExecutionID: "exec-1",
		Stage:       string(schema.StageDeFi),
		EventType:   schema.EventStageCompleted,
		Payload:     map[string]any{"steps": 1},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.ExecutionID, got.ExecutionID)
	assert.Equal(t, event.Stage, got.Stage)
	assert.Equal(t, event.EventType, got.EventType)
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStageStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: schema.EventStageStarted}))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventStageCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStageCompleted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStageStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventExecutionFailed}))

	received := []string{receive(t, ch).EventType, receive(t, ch).EventType}
	assert.Equal(t, []string{schema.EventStageCompleted, schema.EventExecutionFailed}, received)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStageCompleted}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "exec-1", got.ExecutionID)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStageCompleted}))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// None of these should block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "exec-concurrent", EventType: "tick"})
			}
		}()
	}

	// Subscribers added and removed while publishing.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
			cancels[i]()
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreObserver(t *testing.T) {
	hub := NewMemoryHub()
	s := store.NewMemoryStore(store.WithObserver(NewStoreObserver(hub, nil)))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	_, err = s.Create(ctx, "exec-1", store.Metadata{})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, "exec-1", func(e *store.Execution) error {
		e.Status = schema.StatusRunning
		e.CurrentAgent = schema.StageOrchestrator
		return nil
	})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, "exec-1", func(e *store.Execution) error {
		e.CurrentAgent = schema.StageDeFi
		return nil
	})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, "exec-1", func(e *store.Execution) error {
		e.Status = schema.StatusFailed
		e.ErrorMessages = append(e.ErrorMessages, "insufficient liquidity data")
		return nil
	})
	require.NoError(t, err)

	want := []string{
		schema.EventExecutionCreated,
		schema.EventExecutionStarted,
		schema.EventExecutionUpdated,
		schema.EventExecutionFailed,
	}
	for i, wantType := range want {
		got := receive(t, ch)
		assert.Equal(t, wantType, got.EventType)
		assert.Equal(t, int64(i+1), got.Version)
		require.NotNil(t, got.Snapshot)
		assert.Equal(t, got.Version, got.Snapshot.Version)
	}
}

type closedHub struct{}

func (closedHub) Publish(context.Context, StreamEvent) error {
	return errors.New("hub closed")
}

func (closedHub) Subscribe(context.Context, EventFilter) (<-chan StreamEvent, func(), error) {
	return nil, func() {}, errors.New("hub closed")
}

func TestStoreObserver_LogsPublishFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := store.NewMemoryStore(store.WithObserver(NewStoreObserver(closedHub{}, logger)))

	_, err := s.Create(context.Background(), "exec-1", store.Metadata{})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "publish execution event failed")
	assert.Contains(t, out, "execution_id=exec-1")
	assert.Contains(t, out, "error=\"hub closed\"")
}
