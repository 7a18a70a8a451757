package agents

import (
	"context"
	"slices"
	"strings"
)

// Opportunity is one yield venue for an asset.
type Opportunity struct {
	Protocol string  `json:"protocol"`
	Asset    string  `json:"asset"`
	APY      float64 `json:"apy"`
}

// OpportunitySource lists the yield opportunities available for an asset.
type OpportunitySource interface {
	Opportunities(ctx context.Context, asset string) ([]Opportunity, error)
}

// StaticOpportunities is a fixed opportunity table.
type StaticOpportunities []Opportunity

// Opportunities implements OpportunitySource.
func (s StaticOpportunities) Opportunities(_ context.Context, asset string) ([]Opportunity, error) {
	var out []Opportunity
	for _, o := range s {
		if strings.EqualFold(o.Asset, asset) {
			out = append(out, o)
		}
	}
	return out, nil
}

// DefaultOpportunities mirrors typical stablecoin lending rates.
var DefaultOpportunities = StaticOpportunities{
	{Protocol: "Aave", Asset: "USDC", APY: 0.05},
	{Protocol: "Compound", Asset: "USDC", APY: 0.042},
	{Protocol: "Curve", Asset: "USDC", APY: 0.061},
	{Protocol: "Yearn", Asset: "USDC", APY: 0.078},
	{Protocol: "Lido", Asset: "ETH", APY: 0.034},
}

// RiskProfile scores a protocol on independent factors, each 0 (safe) to 10.
type RiskProfile map[string]float64

// Score is the mean factor score.
func (p RiskProfile) Score() float64 {
	if len(p) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p {
		sum += v
	}
	return sum / float64(len(p))
}

// DefaultRiskProfiles is the built-in protocol factor table.
var DefaultRiskProfiles = map[string]RiskProfile{
	"Aave":     {"audit": 1.0, "tvl": 1.5, "exploit_history": 2.0, "centralization": 3.0},
	"Compound": {"audit": 1.5, "tvl": 2.0, "exploit_history": 3.5, "centralization": 3.0},
	"Curve":    {"audit": 2.5, "tvl": 2.0, "exploit_history": 6.0, "centralization": 3.5},
	"Yearn":    {"audit": 3.0, "tvl": 4.0, "exploit_history": 6.5, "centralization": 4.0},
	"Lido":     {"audit": 1.5, "tvl": 1.0, "exploit_history": 1.5, "centralization": 6.0},
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
