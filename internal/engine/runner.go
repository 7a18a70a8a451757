package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/rendis/defiflow/internal/agents"
	"github.com/rendis/defiflow/internal/logging"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// Failure messages recorded by the runner.
const (
	MsgCancelled = "execution cancelled"
	msgCrashed   = "runner crashed: %v"
)

// Runner drives one execution through the fixed stage order. It is the only
// writer of the executions it runs; that ownership comes from the Dispatcher
// launching exactly one Run per identifier.
type Runner struct {
	store    store.Store
	fsm      *ExecutionFSM
	pipeline agents.Pipeline
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(s store.Store, fsm *ExecutionFSM, p agents.Pipeline, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Runner{store: s, fsm: fsm, pipeline: p, logger: logger}
}

// Run executes all stages of execution id. Cancelling ctx fails the execution
// at the next stage boundary; a stage in flight always finishes. Run returns
// nil on COMPLETED and the terminal cause otherwise.
func (r *Runner) Run(ctx context.Context, id string) (err error) {
	snap, err := r.store.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	ctx = logging.WithExecutionID(ctx, id)
	if snap.Metadata.UserID != "" {
		ctx = logging.WithUserID(ctx, snap.Metadata.UserID)
	}

	stage := schema.StageNone
	defer func() {
		if rec := recover(); rec != nil {
			err = r.crash(ctx, id, stage, rec)
		}
	}()

	if ctx.Err() != nil {
		return r.fail(ctx, id, stage, schema.NewError(schema.ErrCodeCancelled, MsgCancelled))
	}
	if _, err := r.fsm.Start(ctx, id); err != nil {
		r.logger.WarnContext(ctx, "execution not startable", slog.String("error", err.Error()))
		return err
	}
	r.logger.InfoContext(ctx, "execution started")

	in := agents.StageContext{
		ExecutionID: id,
		Metadata:    snap.Metadata,
		Outputs:     make(map[schema.Stage]*agents.StageOutput, len(schema.Stages)),
	}
	// Stages never see cancellation; it is honored only between them.
	stageBase := context.WithoutCancel(ctx)

	for _, stage = range schema.Stages {
		if ctx.Err() != nil {
			return r.fail(ctx, id, stage, schema.NewError(schema.ErrCodeCancelled, MsgCancelled))
		}

		stageCtx := logging.WithStage(stageBase, string(stage))
		r.logger.InfoContext(stageCtx, "stage started")
		out, err := r.pipeline.RunStage(stageCtx, stage, in)
		if err != nil {
			r.logger.InfoContext(stageCtx, "stage failed", slog.String("error", err.Error()))
			return r.fail(ctx, id, stage, asStageFailure(stage, err))
		}
		if out == nil {
			out = &agents.StageOutput{}
		}
		in.Outputs[stage] = out

		if stage.Next() == schema.StageNone {
			if _, err := r.fsm.Complete(ctx, id, stage, out.Steps, collectResults(in.Outputs)); err != nil {
				return r.abort(ctx, id, stage, err)
			}
			r.logger.InfoContext(stageCtx, "execution completed")
			return nil
		}
		if _, err := r.fsm.AdvanceStage(ctx, id, stage, out.Steps); err != nil {
			return r.abort(ctx, id, stage, err)
		}
		r.logger.InfoContext(stageCtx, "stage completed", slog.Int("steps", len(out.Steps)))
	}
	return nil
}

// fail records cause on the execution and returns it.
func (r *Runner) fail(ctx context.Context, id string, stage schema.Stage, cause *schema.FlowError) error {
	if _, err := r.fsm.Fail(context.WithoutCancel(ctx), id, stage, cause.Message); err != nil {
		return r.abort(ctx, id, stage, err)
	}
	return cause
}

// abort handles a failed transition. A TERMINAL record was finalized by
// someone else (the watchdog) and is left alone; anything else is recorded.
func (r *Runner) abort(ctx context.Context, id string, stage schema.Stage, err error) error {
	if schema.IsCode(err, schema.ErrCodeTerminal) {
		r.logger.WarnContext(ctx, "execution finalized elsewhere, runner stopping", slog.String("stage", string(stage)))
		return err
	}
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}
	r.logger.ErrorContext(ctx, "transition rejected", slog.String("error", err.Error()))
	if _, ferr := r.fsm.Fail(context.WithoutCancel(ctx), id, stage, errorMessage(err)); ferr != nil {
		r.logger.ErrorContext(ctx, "could not record failure", slog.String("error", ferr.Error()))
	}
	return err
}

// crash is the guarded completion path for panics in the runner or pipeline.
func (r *Runner) crash(ctx context.Context, id string, stage schema.Stage, rec any) error {
	cause := schema.NewErrorf(schema.ErrCodePanic, msgCrashed, rec).WithStage(stage).
		WithDetails(map[string]any{"stack": string(debug.Stack())})
	r.logger.ErrorContext(ctx, "runner panicked", slog.Any("panic", rec), slog.String("stage", string(stage)))
	if _, err := r.fsm.Fail(context.WithoutCancel(ctx), id, stage, cause.Message); err != nil &&
		!schema.IsCode(err, schema.ErrCodeTerminal) {
		r.logger.ErrorContext(ctx, "could not record crash", slog.String("error", err.Error()))
	}
	return cause
}

func asStageFailure(stage schema.Stage, err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeStageFailed {
		return fe
	}
	return schema.NewError(schema.ErrCodeStageFailed, errorMessage(err)).WithStage(stage).WithCause(err)
}

// errorMessage is the text recorded in errorMessages: the bare message of a
// FlowError, or err.Error() otherwise.
func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// collectResults picks the latest non-empty value of each structured result.
// The final proposal falls back to the last stage's plain result.
func collectResults(outputs map[schema.Stage]*agents.StageOutput) Results {
	var res Results
	for _, stage := range schema.Stages {
		out := outputs[stage]
		if out == nil {
			continue
		}
		if len(out.Proposal) > 0 {
			res.FinalProposal = out.Proposal
		}
		if len(out.RiskAssessment) > 0 {
			res.RiskAssessment = out.RiskAssessment
		}
		if len(out.QAResults) > 0 {
			res.QAResults = out.QAResults
		}
	}
	last := outputs[schema.Stages[len(schema.Stages)-1]]
	if len(res.FinalProposal) == 0 && last != nil && len(last.Result) > 0 {
		res.FinalProposal = last.Result
	}
	return res
}
