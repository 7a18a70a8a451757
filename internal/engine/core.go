package engine

import (
	"log/slog"
	"os"

	"github.com/rendis/defiflow/internal/agents"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/internal/streaming"
)

// CoreConfig wires a Core.
type CoreConfig struct {
	PoolSize  int
	Pipeline  agents.Pipeline
	Mirror    store.Mirror // optional
	Logger    *slog.Logger
	Observers []store.Observer
}

// Core is the assembled orchestration core: one store, one hub, and the
// components that share them.
type Core struct {
	Store      *store.MemoryStore
	Hub        *streaming.MemoryHub
	FSM        *ExecutionFSM
	Runner     *Runner
	Dispatcher *Dispatcher
	Reader     *StatusReader

	mirror *store.AsyncMirror
}

// NewCore builds a Core from cfg.
func NewCore(cfg CoreConfig) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	hub := streaming.NewMemoryHub()
	opts := []store.MemoryOption{store.WithObserver(streaming.NewStoreObserver(hub, logger))}
	var mirror *store.AsyncMirror
	if cfg.Mirror != nil {
		mirror = store.NewAsyncMirror(cfg.Mirror, 0, logger.With(slog.String("component", "mirror")))
		opts = append(opts, store.WithObserver(mirror))
	}
	for _, o := range cfg.Observers {
		opts = append(opts, store.WithObserver(o))
	}
	s := store.NewMemoryStore(opts...)

	fsm := NewExecutionFSM(s, hub, logger)
	runner := NewRunner(s, fsm, cfg.Pipeline, logger.With(slog.String("component", "runner")))
	pool := NewWorkerPool(cfg.PoolSize)
	return &Core{
		Store:      s,
		Hub:        hub,
		FSM:        fsm,
		Runner:     runner,
		Dispatcher: NewDispatcher(s, runner, pool, WithDispatcherLogger(logger)),
		Reader:     NewStatusReader(s, hub),
		mirror:     mirror,
	}
}

// MirrorMetrics reports mirror throughput, or zero values when mirroring is off.
func (c *Core) MirrorMetrics() store.MirrorMetrics {
	if c.mirror == nil {
		return store.MirrorMetrics{}
	}
	return c.mirror.Metrics()
}

// Close stops the dispatcher, waits for runners and drains the mirror.
func (c *Core) Close() {
	c.Dispatcher.Shutdown()
	if c.mirror != nil {
		c.mirror.Close()
	}
}
