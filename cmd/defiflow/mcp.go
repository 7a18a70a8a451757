package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/defiflow/pkg/mcp"
)

func newMCPCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.watchdog.Start(ctx); err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Dispatcher:    a.core.Dispatcher,
				Reader:        a.core.Reader,
				FSM:           a.core.FSM,
				Validator:     a.validator,
				Logger:        a.logger.With(slog.String("component", "mcp")),
				DefaultWallet: cfg.DefaultWallet,
			})
			return srv.Serve(ctx)
		},
	}
}
