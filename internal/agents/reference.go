package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rendis/defiflow/internal/expressions"
	"github.com/rendis/defiflow/internal/logging"
	"github.com/rendis/defiflow/internal/validation"
	"github.com/rendis/defiflow/pkg/schema"
)

// Config holds the policy knobs of the reference pipeline.
type Config struct {
	Asset         string  `json:"asset"`
	MinAPYDiff    float64 `json:"min_apy_diff"`
	RiskThreshold float64 `json:"risk_threshold"`
	ForecastDays  int     `json:"forecast_days"`

	// MigrationRule is an expr-lang expression over apy_gain, min_apy_diff,
	// current_apy and target_apy.
	MigrationRule string `json:"migration_rule"`
	// SafetyRule is a CEL expression over proposal, risk, policy and portfolio.
	SafetyRule string `json:"safety_rule"`
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Asset:         "USDC",
		MinAPYDiff:    0.005,
		RiskThreshold: 7.0,
		ForecastDays:  30,
		MigrationRule: "apy_gain > min_apy_diff",
		SafetyRule:    "risk.score < policy.threshold",
	}
}

// Reference is the built-in Agent Pipeline: deterministic stand-ins for the
// orchestrator, DeFi, risk and prediction agents.
type Reference struct {
	cfg           Config
	opportunities OpportunitySource
	riskProfiles  map[string]RiskProfile
	validator     validation.Validator
	logger        *slog.Logger

	rules expressions.Engine
	cel   expressions.Engine
	jq    *expressions.GoJQEngine
}

// Option configures a Reference pipeline.
type Option func(*Reference)

// WithOpportunities replaces the yield opportunity source.
func WithOpportunities(src OpportunitySource) Option {
	return func(r *Reference) { r.opportunities = src }
}

// WithRiskProfiles replaces the protocol risk factor table.
func WithRiskProfiles(p map[string]RiskProfile) Option {
	return func(r *Reference) { r.riskProfiles = p }
}

// WithValidator replaces the stage result validator.
func WithValidator(v validation.Validator) Option {
	return func(r *Reference) { r.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reference) { r.logger = l }
}

// NewReference builds the reference pipeline.
func NewReference(cfg Config, opts ...Option) (*Reference, error) {
	def := DefaultConfig()
	if cfg.Asset == "" {
		cfg.Asset = def.Asset
	}
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = def.ForecastDays
	}
	if cfg.MigrationRule == "" {
		cfg.MigrationRule = def.MigrationRule
	}
	if cfg.SafetyRule == "" {
		cfg.SafetyRule = def.SafetyRule
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Reference{
		cfg:           cfg,
		opportunities: DefaultOpportunities,
		riskProfiles:  DefaultRiskProfiles,
		rules:         expressions.NewExprEngine(expressions.MigrationVars),
		cel:           celEngine,
		jq:            expressions.NewGoJQEngine(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if r.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, fmt.Errorf("build result validator: %w", err)
		}
		r.validator = v
	}
	return r, nil
}

// RunStage implements Pipeline.
func (r *Reference) RunStage(ctx context.Context, stage schema.Stage, in StageContext) (*StageOutput, error) {
	ctx = logging.WithStage(ctx, string(stage))

	var (
		out *StageOutput
		err error
	)
	switch stage {
	case schema.StageOrchestrator:
		out, err = r.orchestrate(ctx, in)
	case schema.StageDeFi:
		out, err = r.findOpportunity(ctx, in)
	case schema.StageRisk:
		out, err = r.assessRisk(ctx, in)
	case schema.StagePrediction:
		out, err = r.predict(ctx, in)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}
	if err != nil {
		return nil, stageError(stage, err)
	}
	if err := r.validateOutput(out); err != nil {
		return nil, stageError(stage, err)
	}
	r.logger.DebugContext(ctx, "stage produced output", slog.Int("steps", len(out.Steps)))
	return out, nil
}

func (r *Reference) validateOutput(out *StageOutput) error {
	for _, res := range []struct {
		kind validation.ResultKind
		raw  json.RawMessage
	}{
		{validation.ResultProposal, out.Proposal},
		{validation.ResultRiskAssessment, out.RiskAssessment},
		{validation.ResultQA, out.QAResults},
	} {
		if err := r.validator.ValidateResult(res.kind, res.raw); err != nil {
			return err
		}
	}
	return nil
}

// stageError normalizes a stage error to a STAGE_FAILED FlowError, keeping
// the original message.
func stageError(stage schema.Stage, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeStageFailed {
		if fe.Stage == "" {
			fe.Stage = stage
		}
		return fe
	}
	msg := err.Error()
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	return schema.NewError(schema.ErrCodeStageFailed, msg).WithStage(stage).WithCause(err)
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

var _ Pipeline = (*Reference)(nil)
