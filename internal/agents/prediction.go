package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/defiflow/internal/expressions"
	"github.com/rendis/defiflow/pkg/schema"
)

// Forecast projects the yield of the final proposal.
type Forecast struct {
	HorizonDays   int     `json:"horizon_days"`
	ExpectedAPY   float64 `json:"expected_apy"`
	ExpectedYield float64 `json:"expected_yield"`
	Principal     float64 `json:"principal"`
}

// QACheck is one named check over the final proposal and risk assessment.
type QACheck struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
}

// QAReport is the prediction agent's quality gate.
type QAReport struct {
	Passed bool      `json:"passed"`
	Checks []QACheck `json:"checks"`
}

// qaChecks are jq expressions evaluated against {proposal, risk}.
var qaChecks = []QACheck{
	{Name: "proposal_present", Expression: `.proposal.action != null`},
	{Name: "risk_assessed", Expression: `.risk.safe != null`},
	{Name: "risk_safe", Expression: `.risk.safe == true`},
	{Name: "amount_positive", Expression: `.proposal.action == "hold" or .proposal.amount > 0`},
}

func (r *Reference) predict(ctx context.Context, in StageContext) (*StageOutput, error) {
	proposal, _, err := decodeProposal(in.Output(schema.StageDeFi))
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		proposal = &Proposal{Action: ActionHold, Asset: r.cfg.Asset, Reasoning: "No proposal produced."}
	}

	risk := map[string]any{}
	if prev := in.Output(schema.StageRisk); prev != nil && len(prev.RiskAssessment) > 0 {
		if err := json.Unmarshal(prev.RiskAssessment, &risk); err != nil {
			return nil, fmt.Errorf("decode risk assessment: %w", err)
		}
	}

	apy := proposal.CurrentAPY
	principal := in.Metadata.Balances[proposal.Asset]
	if proposal.Action == ActionMigrate {
		apy = proposal.TargetAPY
		principal = proposal.Amount
	}
	days := r.cfg.ForecastDays
	forecast := Forecast{
		HorizonDays:   days,
		ExpectedAPY:   apy,
		ExpectedYield: principal * apy * float64(days) / 365,
		Principal:     principal,
	}

	// QA runs against the plain proposal, before enrichment.
	report, err := r.runQA(ctx, map[string]any{"proposal": proposal, "risk": risk})
	if err != nil {
		return nil, err
	}

	approved := report.Passed
	final := *proposal
	final.Forecast = &forecast
	final.Approved = &approved

	finalRaw, err := encode(final)
	if err != nil {
		return nil, err
	}
	qaRaw, err := encode(report)
	if err != nil {
		return nil, err
	}
	forecastRaw, err := encode(forecast)
	if err != nil {
		return nil, err
	}

	passed := 0
	for _, c := range report.Checks {
		if c.Passed {
			passed++
		}
	}
	steps := []string{
		fmt.Sprintf("Projected %d-day yield of %.2f %s at %s APY", days, forecast.ExpectedYield, proposal.Asset, pct(apy)),
		fmt.Sprintf("QA: %d/%d checks passed", passed, len(report.Checks)),
	}
	r.logger.InfoContext(ctx, "forecast ready",
		slog.Float64("expected_yield", forecast.ExpectedYield),
		slog.Bool("approved", approved),
	)
	return &StageOutput{
		Steps:     steps,
		Result:    forecastRaw,
		Proposal:  finalRaw,
		QAResults: qaRaw,
	}, nil
}

func (r *Reference) runQA(ctx context.Context, data map[string]any) (*QAReport, error) {
	report := &QAReport{Passed: true, Checks: make([]QACheck, 0, len(qaChecks))}
	for _, c := range qaChecks {
		passed, err := expressions.EvalBool(ctx, r.jq, c.Expression, data)
		if err != nil {
			return nil, fmt.Errorf("qa check %s: %w", c.Name, err)
		}
		c.Passed = passed
		report.Passed = report.Passed && c.Passed
		report.Checks = append(report.Checks, c)
	}
	return report, nil
}
