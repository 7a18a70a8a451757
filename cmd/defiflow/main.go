package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	settings := settingsPath()
	if v := os.Getenv("DEFIFLOW_SETTINGS"); v != "" {
		settings = v
	}
	cfg, err := loadConfig(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand(&cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "defiflow",
		Short: "DeFi multi-agent workflow orchestrator",
		Long: "defiflow runs chat requests through the orchestrator, defi, risk and prediction agents " +
			"in the background and serves their progress over HTTP and MCP.",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.validate()
		},
	}
	bindFlags(root.PersistentFlags(), cfg)

	root.AddCommand(newServeCommand(cfg))
	root.AddCommand(newMCPCommand(cfg))
	root.AddCommand(newRunCommand(cfg))
	root.AddCommand(newInspectCommand(cfg))
	root.AddCommand(newVersionCommand())
	return root
}
