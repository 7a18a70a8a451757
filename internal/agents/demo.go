package agents

import "github.com/rendis/defiflow/internal/store"

// DemoMessage is the request used by the demo run.
const DemoMessage = "Find me the best yield opportunity for my USDC"

// DemoMetadata is the fixed demo portfolio: 10k USDC sitting in Aave at 5%.
func DemoMetadata(message string) store.Metadata {
	if message == "" {
		message = DemoMessage
	}
	return store.Metadata{
		Message:       message,
		WalletAddress: "0xDemoWallet123",
		UserID:        "demo_user_1",
		ChainID:       1,
		Balances:      map[string]float64{"USDC": 10000, "ETH": 2},
		Positions:     map[string]map[string]any{"Aave": {"USDC": 10000.0, "apy": 0.05}},
	}
}
