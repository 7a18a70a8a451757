package store

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMirrorBuffer = 256

// MirrorMetrics tracks AsyncMirror throughput.
type MirrorMetrics struct {
	Saved   int64 `json:"saved"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// AsyncMirror forwards committed snapshots to a Mirror from a single
// background goroutine. Enqueueing never blocks: when the queue is full the
// snapshot is dropped, since a later snapshot of the same execution supersedes it.
type AsyncMirror struct {
	mirror  Mirror
	logger  *slog.Logger
	timeout time.Duration
	queue   chan *Execution
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	saved   atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewAsyncMirror starts the background writer.
func NewAsyncMirror(m Mirror, buffer int, logger *slog.Logger) *AsyncMirror {
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	a := &AsyncMirror{
		mirror:  m,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan *Execution, buffer),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// ExecutionChanged implements Observer.
func (a *AsyncMirror) ExecutionChanged(_ context.Context, change Change) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- change.Snapshot:
	default:
		a.dropped.Add(1)
		a.logger.Warn("mirror queue full, dropping snapshot",
			slog.String("execution_id", change.Snapshot.ID),
			slog.Int64("version", change.Snapshot.Version),
		)
	}
}

func (a *AsyncMirror) loop() {
	defer close(a.done)
	for snap := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.mirror.SaveExecution(ctx, snap)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("mirror write failed",
				slog.String("execution_id", snap.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.saved.Add(1)
	}
}

// Close stops accepting snapshots and waits until the queue is drained.
func (a *AsyncMirror) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

// Metrics returns a snapshot of the mirror counters.
func (a *AsyncMirror) Metrics() MirrorMetrics {
	return MirrorMetrics{
		Saved:   a.saved.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}

var _ Observer = (*AsyncMirror)(nil)
