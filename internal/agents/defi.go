package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/defiflow/internal/expressions"
	"github.com/rendis/defiflow/pkg/schema"
)

// Proposal actions.
const (
	ActionMigrate = "migrate"
	ActionHold    = "hold"
)

// Proposal is the DeFi agent's recommendation. The prediction agent enriches
// it with a forecast and an approval flag to form the final proposal.
type Proposal struct {
	Action       string    `json:"action"`
	Asset        string    `json:"asset,omitempty"`
	FromProtocol string    `json:"from_protocol,omitempty"`
	ToProtocol   string    `json:"to_protocol,omitempty"`
	Amount       float64   `json:"amount"`
	CurrentAPY   float64   `json:"current_apy"`
	TargetAPY    float64   `json:"target_apy"`
	APYGain      float64   `json:"apy_gain"`
	Reasoning    string    `json:"reasoning"`
	Forecast     *Forecast `json:"forecast,omitempty"`
	Approved     *bool     `json:"approved,omitempty"`
}

// currentPosition returns the first position (by protocol name) that reports an APY.
func currentPosition(positions map[string]map[string]any) (protocol string, apy float64) {
	for _, p := range sortedKeys(positions) {
		if v, ok := toFloat(positions[p]["apy"]); ok {
			return p, v
		}
	}
	return "", 0
}

func (r *Reference) findOpportunity(ctx context.Context, in StageContext) (*StageOutput, error) {
	asset := r.cfg.Asset
	opps, err := r.opportunities.Opportunities(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("load opportunities: %w", err)
	}
	if len(opps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStageFailed, "no yield opportunities for %s", asset)
	}

	best := opps[0]
	for _, o := range opps[1:] {
		if o.APY > best.APY {
			best = o
		}
	}

	fromProtocol, currentAPY := currentPosition(in.Metadata.Positions)
	gain := best.APY - currentAPY

	migrate, err := expressions.EvalBool(ctx, r.rules, r.cfg.MigrationRule, map[string]any{
		"apy_gain":     gain,
		"min_apy_diff": r.cfg.MinAPYDiff,
		"current_apy":  currentAPY,
		"target_apy":   best.APY,
	})
	if err != nil {
		return nil, err
	}

	p := Proposal{
		Action:     ActionHold,
		Asset:      asset,
		CurrentAPY: currentAPY,
		TargetAPY:  best.APY,
		APYGain:    gain,
	}
	if migrate && best.Protocol != fromProtocol {
		if fromProtocol == "" {
			fromProtocol = "wallet"
		}
		p.Action = ActionMigrate
		p.FromProtocol = fromProtocol
		p.ToProtocol = best.Protocol
		p.Amount = in.Metadata.Balances[asset]
		p.Reasoning = fmt.Sprintf("Found %s APY gain by moving to %s", pct(gain), best.Protocol)
	} else {
		p.FromProtocol = fromProtocol
		p.Reasoning = fmt.Sprintf("Best APY is %s, only %s gain. Not worth gas costs.", pct(best.APY), pct(gain))
	}

	raw, err := encode(p)
	if err != nil {
		return nil, err
	}
	steps := []string{
		fmt.Sprintf("Compared %d %s opportunities; best is %s at %s", len(opps), asset, best.Protocol, pct(best.APY)),
		p.Reasoning,
	}
	r.logger.InfoContext(ctx, "proposal built",
		slog.String("action", p.Action),
		slog.String("to_protocol", p.ToProtocol),
		slog.Float64("apy_gain", gain),
	)
	return &StageOutput{Steps: steps, Proposal: raw}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
