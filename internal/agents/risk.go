package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/defiflow/internal/expressions"
	"github.com/rendis/defiflow/pkg/schema"
)

// RiskAssessment is the risk agent's structured result.
type RiskAssessment struct {
	Protocol  string             `json:"protocol,omitempty"`
	RiskScore float64            `json:"risk_score"`
	Safe      bool               `json:"safe"`
	Factors   map[string]float64 `json:"factors,omitempty"`
	Threshold float64            `json:"threshold"`
	Reasoning string             `json:"reasoning"`
}

func decodeProposal(out *StageOutput) (*Proposal, map[string]any, error) {
	if out == nil || len(out.Proposal) == 0 {
		return nil, nil, nil
	}
	var p Proposal
	if err := json.Unmarshal(out.Proposal, &p); err != nil {
		return nil, nil, fmt.Errorf("decode proposal: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(out.Proposal, &generic); err != nil {
		return nil, nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, generic, nil
}

func (r *Reference) assessRisk(ctx context.Context, in StageContext) (*StageOutput, error) {
	proposal, proposalDoc, err := decodeProposal(in.Output(schema.StageDeFi))
	if err != nil {
		return nil, err
	}

	if proposal == nil || proposal.Action == ActionHold {
		ra := RiskAssessment{Safe: true, Threshold: r.cfg.RiskThreshold, Reasoning: "No action to assess."}
		raw, err := encode(ra)
		if err != nil {
			return nil, err
		}
		return &StageOutput{Steps: []string{ra.Reasoning}, RiskAssessment: raw}, nil
	}

	protocol := proposal.ToProtocol
	profile, ok := r.riskProfiles[protocol]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStageFailed, "insufficient liquidity data for %s", protocol).
			WithDetails(map[string]any{"protocol": protocol})
	}

	score := profile.Score()
	factors := make(map[string]any, len(profile))
	for k, v := range profile {
		factors[k] = v
	}
	safe, err := expressions.EvalBool(ctx, r.cel, r.cfg.SafetyRule, map[string]any{
		"proposal":  proposalDoc,
		"risk":      map[string]any{"score": score, "factors": factors},
		"policy":    map[string]any{"threshold": r.cfg.RiskThreshold, "min_apy_diff": r.cfg.MinAPYDiff},
		"portfolio": portfolioDoc(in),
	})
	if err != nil {
		return nil, err
	}

	verdict := "TOO RISKY"
	if safe {
		verdict = "SAFE"
	}
	ra := RiskAssessment{
		Protocol:  protocol,
		RiskScore: score,
		Safe:      safe,
		Factors:   profile,
		Threshold: r.cfg.RiskThreshold,
		Reasoning: fmt.Sprintf("Risk Score: %.1f/10. %s", score, verdict),
	}
	raw, err := encode(ra)
	if err != nil {
		return nil, err
	}

	steps := []string{
		fmt.Sprintf("Scored %s on %d factors (%s)", protocol, len(profile), formatFactors(profile)),
		ra.Reasoning,
	}
	r.logger.InfoContext(ctx, "risk assessed",
		slog.String("protocol", protocol),
		slog.Float64("score", score),
		slog.Bool("safe", safe),
	)
	return &StageOutput{Steps: steps, RiskAssessment: raw}, nil
}

func portfolioDoc(in StageContext) map[string]any {
	balances := make(map[string]any, len(in.Metadata.Balances))
	for k, v := range in.Metadata.Balances {
		balances[k] = v
	}
	positions := make(map[string]any, len(in.Metadata.Positions))
	for k, v := range in.Metadata.Positions {
		positions[k] = v
	}
	return map[string]any{
		"wallet_address": in.Metadata.WalletAddress,
		"balances":       balances,
		"positions":      positions,
	}
}

func formatFactors(p RiskProfile) string {
	s := ""
	for i, k := range sortedKeys(p) {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%.1f", k, p[k])
	}
	return s
}
