package agents

import (
	"context"
	"encoding/json"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// StageContext is everything a stage may read: the request metadata and the
// outputs of the stages that already ran.
type StageContext struct {
	ExecutionID string
	Metadata    store.Metadata
	Outputs     map[schema.Stage]*StageOutput
}

// Output returns the recorded output of an earlier stage, or nil.
func (c StageContext) Output(stage schema.Stage) *StageOutput {
	if c.Outputs == nil {
		return nil
	}
	return c.Outputs[stage]
}

// StageOutput is what one stage produced. Steps are appended to the reasoning
// chain; the structured fields are attached to the record on completion.
type StageOutput struct {
	Steps          []string        `json:"steps"`
	Result         json.RawMessage `json:"result,omitempty"`
	Proposal       json.RawMessage `json:"proposal,omitempty"`
	RiskAssessment json.RawMessage `json:"risk_assessment,omitempty"`
	QAResults      json.RawMessage `json:"qa_results,omitempty"`
}

// Pipeline runs one stage at a time. An error fails the execution; its
// message is recorded verbatim.
type Pipeline interface {
	RunStage(ctx context.Context, stage schema.Stage, in StageContext) (*StageOutput, error)
}

// StageFunc implements a single stage.
type StageFunc func(ctx context.Context, in StageContext) (*StageOutput, error)

// Funcs composes a Pipeline from per-stage functions. Stages without a
// function produce no output.
type Funcs map[schema.Stage]StageFunc

// RunStage implements Pipeline.
func (f Funcs) RunStage(ctx context.Context, stage schema.Stage, in StageContext) (*StageOutput, error) {
	fn, ok := f[stage]
	if !ok || fn == nil {
		return &StageOutput{}, nil
	}
	return fn(ctx, in)
}

// Steps is a StageFunc that only emits reasoning steps.
func Steps(steps ...string) StageFunc {
	return func(context.Context, StageContext) (*StageOutput, error) {
		return &StageOutput{Steps: steps}, nil
	}
}

// Fail is a StageFunc that fails with msg.
func Fail(msg string) StageFunc {
	return func(context.Context, StageContext) (*StageOutput, error) {
		return nil, schema.NewError(schema.ErrCodeStageFailed, msg)
	}
}

var _ Pipeline = Funcs(nil)
