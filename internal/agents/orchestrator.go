package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/defiflow/pkg/schema"
)

// Intents recognized by the orchestrator.
const (
	IntentYield     = "yield_optimization"
	IntentRisk      = "risk_review"
	IntentPortfolio = "portfolio_review"
)

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{IntentYield, []string{"yield", "apy", "apr", "earn", "opportunit", "interest"}},
	{IntentRisk, []string{"risk", "safe", "exposure", "hack"}},
}

// RoutingDecision is the orchestrator's structured result.
type RoutingDecision struct {
	Intent string         `json:"intent"`
	Route  []schema.Stage `json:"route"`
	Assets []string       `json:"assets"`
}

func classifyIntent(message string) string {
	msg := strings.ToLower(message)
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(msg, kw) {
				return ik.intent
			}
		}
	}
	return IntentPortfolio
}

func (r *Reference) orchestrate(ctx context.Context, in StageContext) (*StageOutput, error) {
	meta := in.Metadata
	decision := RoutingDecision{
		Intent: classifyIntent(meta.Message),
		Route:  schema.Stages[1:],
		Assets: sortedKeys(meta.Balances),
	}

	holdings := make([]string, 0, len(decision.Assets))
	for _, asset := range decision.Assets {
		holdings = append(holdings, fmt.Sprintf("%s %.2f", asset, meta.Balances[asset]))
	}
	if len(holdings) == 0 {
		holdings = append(holdings, "no balances")
	}

	steps := []string{
		fmt.Sprintf("Request classified as %s", decision.Intent),
		fmt.Sprintf("Portfolio holds %s across %d position(s)", strings.Join(holdings, ", "), len(meta.Positions)),
		"Routing to defi_agent, then risk_agent before any trade, then prediction_agent",
	}

	result, err := encode(decision)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "routing decided", slog.String("intent", decision.Intent))
	return &StageOutput{Steps: steps, Result: result}, nil
}
