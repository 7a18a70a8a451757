package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/defiflow/internal/diagram"
	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

func newInspectCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [execution-id]",
		Short: "Show executions recorded in the libSQL mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DBPath == "" {
				return fmt.Errorf("no mirror database configured (set --db or DEFIFLOW_DB_PATH)")
			}
			m, err := openMirror(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return inspectOne(cmd, m, args[0])
			}

			limit, _ := cmd.Flags().GetInt("limit")
			list, err := m.ListExecutions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No executions mirrored yet")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tAGENT\tSTEPS\tUSER\tCREATED")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Status, e.CurrentAgent, len(e.ReasoningChain), e.Metadata.UserID,
					e.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of executions to list")
	cmd.Flags().String("diagram", "", "also render the stage pipeline: mermaid, ascii, png or svg")
	cmd.Flags().StringP("out", "o", "", "file for png/svg diagrams (default <id>.<format>)")
	return cmd
}

func inspectOne(cmd *cobra.Command, m *store.LibSQLMirror, id string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	e, err := m.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Execution %s: %s (version %d)\n", e.ID, e.Status, e.Version)
	fmt.Fprintf(out, "Request: %s\n", e.Metadata.Message)

	steps, err := m.ListReasoning(ctx, id)
	if err != nil {
		return err
	}
	printReasoning(out, steps)

	risk, err := m.GetRiskAssessment(ctx, id)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "\nRisk: %s score %.1f safe=%t\n", risk.Protocol, risk.RiskScore, risk.Safe)
	}

	for _, msg := range e.ErrorMessages {
		fmt.Fprintf(out, "Error: %s\n", msg)
	}

	format, _ := cmd.Flags().GetString("diagram")
	if format == "" {
		return nil
	}
	path, _ := cmd.Flags().GetString("out")
	return writeDiagram(cmd, e, format, path)
}

func writeDiagram(cmd *cobra.Command, e *store.Execution, format, path string) error {
	out := cmd.OutOrStdout()
	model := diagram.Build(e)
	switch format {
	case "mermaid":
		fmt.Fprintf(out, "\n%s", diagram.RenderMermaid(model))
		return nil
	case "ascii":
		fmt.Fprintf(out, "\n%s", diagram.RenderASCII(model))
		return nil
	case "png", "svg":
		img, err := diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		if path == "" {
			path = e.ID + "." + format
		}
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return fmt.Errorf("write diagram: %w", err)
		}
		fmt.Fprintf(out, "\nDiagram written to %s\n", path)
		return nil
	default:
		return fmt.Errorf("unknown diagram format %q (want mermaid, ascii, png or svg)", format)
	}
}

func printReasoning(w io.Writer, steps []store.ReasoningRow) {
	if len(steps) == 0 {
		return
	}
	fmt.Fprintln(w, "\nReasoning:")
	for _, s := range steps {
		fmt.Fprintf(w, "  %d. [%s] %s\n", s.StepNumber, s.AgentName, s.Text)
	}
}
