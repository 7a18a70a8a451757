package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/defiflow/internal/agents"
	"github.com/rendis/defiflow/internal/engine"
	"github.com/rendis/defiflow/internal/logging"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/internal/validation"
	"github.com/rendis/defiflow/internal/watchdog"
)

// app is the assembled process: core, optional mirror and watchdog.
type app struct {
	cfg       Config
	logger    *slog.Logger
	validator *validation.JSONSchemaValidator
	core      *engine.Core
	mirror    *store.LibSQLMirror
	watchdog  *watchdog.Watchdog
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, validator: v}

	var mirror store.Mirror
	if cfg.DBPath != "" {
		m, err := openMirror(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.mirror = m
		mirror = m
	}

	pipeline, err := agents.NewReference(agentConfig(cfg),
		agents.WithValidator(v),
		agents.WithLogger(logger.With(slog.String("component", "agents"))),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build agent pipeline: %w", err)
	}

	a.core = engine.NewCore(engine.CoreConfig{
		PoolSize: cfg.PoolSize,
		Pipeline: pipeline,
		Mirror:   mirror,
		Logger:   logger,
	})

	a.watchdog, err = watchdog.New(a.core.Store, a.core.FSM, watchdog.Config{
		Schedule:   cfg.WatchdogSchedule,
		StallAfter: time.Duration(cfg.StallAfter),
	}, logger.With(slog.String("component", "watchdog")))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build watchdog: %w", err)
	}
	return a, nil
}

func openMirror(ctx context.Context, path string) (*store.LibSQLMirror, error) {
	m, err := store.NewLibSQLMirror(mirrorURI(path))
	if err != nil {
		return nil, err
	}
	if err := m.Migrate(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return m, nil
}

func agentConfig(cfg Config) agents.Config {
	ac := agents.DefaultConfig()
	ac.MinAPYDiff = cfg.MinAPYDiff
	ac.RiskThreshold = cfg.RiskThreshold
	return ac
}

// health reports the background components for /health.
func (a *app) health() map[string]any {
	out := map[string]any{
		"mirror_enabled":   a.mirror != nil,
		"watchdog_enabled": a.watchdog != nil && a.watchdog.Enabled(),
	}
	if a.mirror != nil {
		out["mirror"] = a.core.MirrorMetrics()
	}
	if a.watchdog != nil {
		out["watchdog"] = a.watchdog.Metrics()
	}
	return out
}

// close stops the watchdog and the core, then closes the database.
func (a *app) close() {
	if a.watchdog != nil {
		_ = a.watchdog.Stop()
	}
	if a.core != nil {
		a.core.Close()
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("closing mirror", slog.String("error", err.Error()))
		}
	}
}
