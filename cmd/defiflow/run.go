package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/defiflow/internal/agents"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

func newRunCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one workflow in-process against the demo portfolio",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := agents.DemoMessage
			if len(args) == 1 {
				message = args[0]
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			meta := agents.DemoMetadata(message)
			if cfg.DefaultWallet != "" {
				meta.WalletAddress = cfg.DefaultWallet
			}
			snap, err := runOnce(ctx, a, meta)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printExecution(cmd.OutOrStdout(), snap)
			if snap.Status == schema.StatusFailed {
				return fmt.Errorf("execution %s failed", snap.ID)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 2*time.Minute, "give up waiting after this long")
	cmd.Flags().Bool("json", false, "print the final snapshot as JSON")
	return cmd
}

// runOnce submits meta and follows the execution until it is terminal.
func runOnce(ctx context.Context, a *app, meta store.Metadata) (*store.Execution, error) {
	snap, err := a.core.Dispatcher.Submit(ctx, meta)
	if err != nil {
		return nil, err
	}
	updates, err := a.core.Reader.Subscribe(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	for s := range updates {
		snap = s
	}
	if !snap.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s still %s: %w", snap.ID, snap.Status, ctx.Err())
	}
	return snap, nil
}

func printExecution(w io.Writer, snap *store.Execution) {
	fmt.Fprintf(w, "Execution %s: %s\n", snap.ID, snap.Status)

	fmt.Fprintln(w, "\nReasoning chain:")
	for i, step := range snap.ReasoningChain {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}

	printJSON(w, "Final proposal", snap.FinalProposal)
	printJSON(w, "Risk assessment", snap.RiskAssessment)
	printJSON(w, "QA results", snap.QAResults)

	if len(snap.ErrorMessages) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, msg := range snap.ErrorMessages {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
}

func printJSON(w io.Writer, title string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	fmt.Fprintf(w, "\n%s:\n  %s\n", title, buf.String())
}
