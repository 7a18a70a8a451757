package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/internal/streaming"
	"github.com/rendis/defiflow/pkg/schema"
)

// TransitionHook is called after a status transition is committed, on the
// goroutine that made it. Errors are logged.
type TransitionHook func(ctx context.Context, from, to schema.ExecutionStatus, snap *store.Execution) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// Results are the structured outputs attached on completion.
type Results struct {
	FinalProposal  json.RawMessage
	RiskAssessment json.RawMessage
	QAResults      json.RawMessage
}

// ExecutionFSM expresses every runner transition as a single atomic store
// mutation and emits stage events on the hub.
type ExecutionFSM struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger

	mu    sync.RWMutex
	hooks map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM over s. hub may be nil.
func NewExecutionFSM(s store.Store, hub streaming.EventHub, logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &ExecutionFSM{
		store:  s,
		hub:    hub,
		logger: logger,
		hooks:  make(map[hookKey][]TransitionHook),
	}
}

// OnTransition registers hook for the from -> to transition.
func (f *ExecutionFSM) OnTransition(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.hooks[key] = append(f.hooks[key], hook)
}

// Start moves a PENDING execution to RUNNING at the first stage.
func (f *ExecutionFSM) Start(ctx context.Context, id string) (*store.Execution, error) {
	first := schema.Stages[0]
	snap, err := f.transition(ctx, id, schema.StatusRunning, func(e *store.Execution) error {
		if e.Status != schema.StatusPending {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %q cannot start from %s", id, e.Status)
		}
		e.CurrentAgent = first
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.emit(ctx, id, first, schema.EventStageStarted, snap.Version, nil)
	return snap, nil
}

// AdvanceStage records the steps of a finished stage and moves currentAgent
// to the next one, in one mutation.
func (f *ExecutionFSM) AdvanceStage(ctx context.Context, id string, stage schema.Stage, steps []string) (*store.Execution, error) {
	next := stage.Next()
	if next == schema.StageNone {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"%s is the final stage; complete the execution instead", stage).WithStage(stage)
	}
	snap, err := f.transition(ctx, id, schema.StatusRunning, func(e *store.Execution) error {
		if err := requireStage(e, stage); err != nil {
			return err
		}
		e.ReasoningChain = append(e.ReasoningChain, prefixSteps(stage, steps)...)
		e.CurrentAgent = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.emit(ctx, id, stage, schema.EventStageCompleted, snap.Version, map[string]any{"steps": len(steps)})
	f.emit(ctx, id, next, schema.EventStageStarted, snap.Version, nil)
	return snap, nil
}

// Complete records the final stage's steps, attaches results and marks the
// execution COMPLETED, in one mutation.
func (f *ExecutionFSM) Complete(ctx context.Context, id string, stage schema.Stage, steps []string, res Results) (*store.Execution, error) {
	snap, err := f.transition(ctx, id, schema.StatusCompleted, func(e *store.Execution) error {
		if err := requireStage(e, stage); err != nil {
			return err
		}
		e.ReasoningChain = append(e.ReasoningChain, prefixSteps(stage, steps)...)
		e.FinalProposal = res.FinalProposal
		e.RiskAssessment = res.RiskAssessment
		e.QAResults = res.QAResults
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.emit(ctx, id, stage, schema.EventStageCompleted, snap.Version, map[string]any{"steps": len(steps)})
	return snap, nil
}

// Fail appends messages to errorMessages and marks the execution FAILED.
// stage is the stage being failed, or StageNone when the failure is not
// attributable to one.
func (f *ExecutionFSM) Fail(ctx context.Context, id string, stage schema.Stage, messages ...string) (*store.Execution, error) {
	return f.fail(ctx, id, stage, nil, messages)
}

// FailAt is Fail guarded by the version the caller observed: it returns a
// VERSION_CONFLICT error and changes nothing if the record moved on since.
func (f *ExecutionFSM) FailAt(ctx context.Context, id string, version int64, stage schema.Stage, messages ...string) (*store.Execution, error) {
	return f.fail(ctx, id, stage, func(e *store.Execution) error {
		if e.Version != version {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution %q is at version %d, expected %d", id, e.Version, version)
		}
		return nil
	}, messages)
}

func (f *ExecutionFSM) fail(ctx context.Context, id string, stage schema.Stage, guard store.UpdateFunc, messages []string) (*store.Execution, error) {
	snap, err := f.transition(ctx, id, schema.StatusFailed, func(e *store.Execution) error {
		if guard != nil {
			if err := guard(e); err != nil {
				return err
			}
		}
		e.ErrorMessages = append(e.ErrorMessages, messages...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stage != schema.StageNone {
		f.emit(ctx, id, stage, schema.EventStageFailed, snap.Version, map[string]any{"errors": messages})
	}
	return snap, nil
}

// transition runs one mutation to status `to`, then the hooks registered for it.
func (f *ExecutionFSM) transition(ctx context.Context, id string, to schema.ExecutionStatus, apply store.UpdateFunc) (*store.Execution, error) {
	var from schema.ExecutionStatus
	snap, err := f.store.Mutate(ctx, id, func(e *store.Execution) error {
		from = e.Status
		if !schema.CanTransition(from, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid execution transition: %s -> %s", from, to).
				WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
		}
		if err := apply(e); err != nil {
			return err
		}
		e.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, hook := range f.hooksFor(from, to) {
		if err := hook(ctx, from, to, snap); err != nil {
			f.logger.WarnContext(ctx, "transition hook failed",
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

func (f *ExecutionFSM) hooksFor(from, to schema.ExecutionStatus) []TransitionHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hooks[hookKey{from, to}]
}

func (f *ExecutionFSM) emit(ctx context.Context, id string, stage schema.Stage, eventType string, version int64, payload any) {
	if f.hub == nil {
		return
	}
	err := f.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: id,
		Stage:       string(stage),
		EventType:   eventType,
		Version:     version,
		Payload:     payload,
	})
	if err != nil {
		f.logger.WarnContext(ctx, "publish stage event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func requireStage(e *store.Execution, stage schema.Stage) error {
	if e.CurrentAgent != stage {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is at stage %q, not %q", e.ID, e.CurrentAgent, stage).WithStage(stage)
	}
	return nil
}

// prefixSteps tags each step with the stage that produced it.
func prefixSteps(stage schema.Stage, steps []string) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(stage) + ": " + s
	}
	return out
}
