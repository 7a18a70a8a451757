package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// DefaultSchedule runs a sweep every ten seconds.
const DefaultSchedule = "@every 10s"

// Failer records a stall. Satisfied by the engine's ExecutionFSM
// (avoids an import cycle).
type Failer interface {
	FailAt(ctx context.Context, id string, version int64, stage schema.Stage, messages ...string) (*store.Execution, error)
}

// Config controls the watchdog.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 10s".
	Schedule string
	// StallAfter is how long a non-terminal execution may go without an
	// update before it is failed. Zero disables the watchdog.
	StallAfter time.Duration
}

// Metrics counts sweep outcomes.
type Metrics struct {
	Sweeps  int64 `json:"sweeps"`
	Stalled int64 `json:"stalled"`
}

// Watchdog periodically fails executions whose updatedAt stopped advancing.
type Watchdog struct {
	store    store.Store
	failer   Failer
	schedule cron.Schedule
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution IDs being failed (dedup)

	sweeps  atomic.Int64
	stalled atomic.Int64
}

// New creates a Watchdog. It returns an error for an unparsable schedule.
func New(s store.Store, failer Failer, cfg Config, logger *slog.Logger) (*Watchdog, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse watchdog schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Watchdog{
		store:    s,
		failer:   failer,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

// Enabled reports whether a stall window is configured.
func (w *Watchdog) Enabled() bool {
	return w.cfg.StallAfter > 0
}

// Start launches the background sweep loop. It is a no-op when disabled.
func (w *Watchdog) Start(ctx context.Context) error {
	if !w.Enabled() {
		w.logger.Info("watchdog disabled")
		return nil
	}
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("watchdog started",
		slog.String("schedule", w.cfg.Schedule),
		slog.Duration("stall_after", w.cfg.StallAfter),
	)
	return nil
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	for {
		now := w.now()
		timer := time.NewTimer(w.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep fails every non-terminal execution idle for longer than StallAfter
// and returns their identifiers.
func (w *Watchdog) Sweep(ctx context.Context) []string {
	if !w.Enabled() {
		return nil
	}
	w.sweeps.Add(1)

	list, err := w.store.ListSnapshots(ctx, store.ExecutionFilter{})
	if err != nil {
		w.logger.Error("failed to list executions", slog.String("error", err.Error()))
		return nil
	}

	now := w.now()
	var failed []string
	for _, snap := range list {
		if snap.Status.IsTerminal() || now.Sub(snap.UpdatedAt) <= w.cfg.StallAfter {
			continue
		}
		if !w.tryAcquire(snap.ID) {
			continue // already being failed
		}
		if w.failStalled(ctx, snap, now) {
			failed = append(failed, snap.ID)
		}
		w.release(snap.ID)
	}
	return failed
}

func (w *Watchdog) failStalled(ctx context.Context, snap *store.Execution, now time.Time) bool {
	idle := now.Sub(snap.UpdatedAt).Truncate(time.Second)
	msg := fmt.Sprintf("execution stalled: no progress for %s", idle)
	_, err := w.failer.FailAt(ctx, snap.ID, snap.Version, snap.CurrentAgent, msg)
	switch {
	case err == nil:
		w.stalled.Add(1)
		w.logger.Warn("execution stalled",
			slog.String("execution_id", snap.ID),
			slog.String("stage", string(snap.CurrentAgent)),
			slog.String("code", schema.ErrCodeStalled),
			slog.Duration("idle", idle),
		)
		return true
	case schema.IsCode(err, schema.ErrCodeConflict), schema.IsCode(err, schema.ErrCodeTerminal):
		// The runner made progress or finished after the listing.
		return false
	default:
		w.logger.Error("failed to mark execution stalled",
			slog.String("execution_id", snap.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
}

// tryAcquire returns true and marks the execution as in-flight if it is not already.
func (w *Watchdog) tryAcquire(id string) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Watchdog) release(id string) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	delete(w.inflight, id)
}

// NextSweep returns the next scheduled sweep after from.
func (w *Watchdog) NextSweep(from time.Time) time.Time {
	return w.schedule.Next(from)
}

// Metrics returns the sweep counters.
func (w *Watchdog) Metrics() Metrics {
	return Metrics{Sweeps: w.sweeps.Load(), Stalled: w.stalled.Load()}
}

// Stop gracefully shuts down the watchdog.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return nil
	}

	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil

	w.logger.Info("watchdog stopped")
	return nil
}
