package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

const defaultMaxIDAttempts = 5

// Dispatcher turns requests into independently scheduled executions.
type Dispatcher struct {
	store  store.Store
	runner *Runner
	pool   *WorkerPool
	fsm    *ExecutionFSM
	logger *slog.Logger

	newID       func() string
	maxAttempts int

	// base is the parent of every run context; it outlives the requests
	// that submit work.
	base     context.Context
	stopBase context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIDGenerator overrides identifier allocation (tests).
func WithIDGenerator(gen func() string) DispatcherOption {
	return func(d *Dispatcher) { d.newID = gen }
}

// WithMaxIDAttempts bounds identifier allocation retries.
func WithMaxIDAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher launching runs of runner on pool.
func NewDispatcher(s store.Store, runner *Runner, pool *WorkerPool, opts ...DispatcherOption) *Dispatcher {
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:       s,
		runner:      runner,
		pool:        pool,
		fsm:         runner.fsm,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxIDAttempts,
		base:        base,
		stopBase:    stop,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return d
}

// Submit registers a new PENDING execution and launches its runner without
// waiting for any stage. The returned snapshot is the initial state.
// Identifier collisions are retried; nothing else is.
func (d *Dispatcher) Submit(ctx context.Context, meta store.Metadata) (*store.Execution, error) {
	var (
		snap *store.Execution
		err  error
	)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		snap, err = d.store.Create(ctx, d.newID(), meta)
		if err == nil {
			break
		}
		if !schema.IsCode(err, schema.ErrCodeDuplicateID) {
			return nil, err
		}
		d.logger.WarnContext(ctx, "execution id collision, retrying", slog.Int("attempt", attempt))
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDuplicateID,
			"could not allocate a unique execution id after %d attempts", d.maxAttempts).WithCause(err)
	}

	id := snap.ID
	runCtx, cancel := context.WithCancel(d.base)
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()

	err = d.pool.Go(runCtx, func(ctx context.Context) error {
		defer d.release(id)
		return d.runner.Run(ctx, id)
	})
	if err != nil {
		d.release(id)
		if _, ferr := d.fsm.Fail(ctx, id, schema.StageNone, "dispatcher is shut down"); ferr != nil {
			d.logger.ErrorContext(ctx, "could not fail rejected execution", slog.String("error", ferr.Error()))
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "dispatcher is shut down").WithCause(err)
	}

	d.logger.InfoContext(ctx, "execution submitted",
		slog.String("execution_id", id),
		slog.String("user_id", meta.UserID),
	)
	return snap, nil
}

// Cancel asks the runner of id to stop at the next stage boundary. The
// execution then fails with "execution cancelled".
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	snap, err := d.store.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return terminalError(snap)
	}

	d.mu.Lock()
	cancel, ok := d.cancels[id]
	d.mu.Unlock()
	if !ok {
		// The runner finished between the snapshot and the lookup.
		if snap, err = d.store.Snapshot(ctx, id); err == nil && snap.Status.IsTerminal() {
			return terminalError(snap)
		}
		return err
	}
	cancel()
	d.logger.InfoContext(ctx, "cancellation requested", slog.String("execution_id", id))
	return nil
}

// Shutdown stops accepting work, cancels every in-flight run (each fails at
// its next stage boundary) and waits for the runners to exit.
func (d *Dispatcher) Shutdown() {
	d.stopBase()
	d.pool.Shutdown()
}

// Wait blocks until every launched runner has exited.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

// Metrics exposes the pool counters.
func (d *Dispatcher) Metrics() PoolMetrics {
	return d.pool.Metrics()
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	cancel, ok := d.cancels[id]
	delete(d.cancels, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func terminalError(snap *store.Execution) error {
	return schema.NewErrorf(schema.ErrCodeTerminal, "execution %q is already %s", snap.ID, snap.Status).
		WithDetails(map[string]any{"execution_id": snap.ID, "status": string(snap.Status)})
}
