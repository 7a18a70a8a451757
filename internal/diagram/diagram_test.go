package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

func execution(status schema.ExecutionStatus, current schema.Stage, steps ...string) *store.Execution {
	return &store.Execution{
		ID:             "exec-1",
		Status:         status,
		CurrentAgent:   current,
		ReasoningChain: steps,
	}
}

func states(m *DiagramModel) map[string]string {
	out := map[string]string{}
	for _, n := range m.Nodes {
		if n.Status != nil {
			out[n.ID] = n.Status.Status
		}
	}
	return out
}

func TestBuild_BarePipeline(t *testing.T) {
	m := Build(nil)
	require.Len(t, m.Nodes, len(schema.Stages)+2)
	require.Len(t, m.Edges, len(schema.Stages)+1)
	assert.Equal(t, startID, m.Nodes[0].ID)
	assert.Equal(t, endID, m.Nodes[len(m.Nodes)-1].ID)
	assert.Empty(t, states(m))
}

func TestBuild_Overlay(t *testing.T) {
	tests := []struct {
		name string
		exec *store.Execution
		want map[string]string
	}{
		{
			name: "pending",
			exec: execution(schema.StatusPending, schema.StageNone),
			want: map[string]string{"orchestrator": StatePending, "defi_agent": StatePending, "risk_agent": StatePending, "prediction_agent": StatePending},
		},
		{
			name: "running at risk",
			exec: execution(schema.StatusRunning, schema.StageRisk),
			want: map[string]string{"orchestrator": StateCompleted, "defi_agent": StateCompleted, "risk_agent": StateRunning, "prediction_agent": StatePending},
		},
		{
			name: "failed at risk",
			exec: execution(schema.StatusFailed, schema.StageRisk),
			want: map[string]string{"orchestrator": StateCompleted, "defi_agent": StateCompleted, "risk_agent": StateFailed, "prediction_agent": StateSkipped},
		},
		{
			name: "failed before start",
			exec: execution(schema.StatusFailed, schema.StageNone),
			want: map[string]string{"orchestrator": StateSkipped, "defi_agent": StateSkipped, "risk_agent": StateSkipped, "prediction_agent": StateSkipped},
		},
		{
			name: "completed",
			exec: execution(schema.StatusCompleted, schema.StagePrediction),
			want: map[string]string{"orchestrator": StateCompleted, "defi_agent": StateCompleted, "risk_agent": StateCompleted, "prediction_agent": StateCompleted},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, states(Build(tc.exec)))
		})
	}
}

func TestBuild_FailureDetails(t *testing.T) {
	e := execution(schema.StatusFailed, schema.StageRisk,
		"orchestrator: routing", "defi_agent: Found 2.80% APY gain", "defi_agent: proposing Yearn")
	e.ErrorMessages = []string{"insufficient liquidity data"}

	m := Build(e)
	risk := findNode(m.Nodes, "risk_agent")
	assert.Equal(t, "insufficient liquidity data", risk.Status.Error)
	assert.Equal(t, 2, findNode(m.Nodes, "defi_agent").Status.Steps)
	assert.Equal(t, "Execution exec-1 (FAILED)", m.Title)

	for _, edge := range m.Edges {
		if edge.From == "risk_agent" {
			assert.Equal(t, "failed", edge.Label)
		} else {
			assert.Empty(t, edge.Label)
		}
	}
}

func TestRenderMermaid(t *testing.T) {
	e := execution(schema.StatusRunning, schema.StageDeFi, "orchestrator: routing")
	out := RenderMermaid(Build(e))

	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `orchestrator["orchestrator (1 step)"]`)
	assert.Contains(t, out, "orchestrator --> defi_agent")
	assert.Contains(t, out, "class orchestrator completed")
	assert.Contains(t, out, "class defi_agent running")
	assert.NotContains(t, out, "class __start__")
}

func TestRenderASCII(t *testing.T) {
	e := execution(schema.StatusFailed, schema.StageRisk, "orchestrator: a", "defi_agent: b")
	e.ErrorMessages = []string{"insufficient liquidity data"}
	out := RenderASCII(Build(e))

	assert.Contains(t, out, "=== Execution exec-1 (FAILED) ===")
	assert.Contains(t, out, "│ risk_agent")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "│ failed")
	assert.Contains(t, out, "insufficient liquidity data")
}

func TestRenderImage(t *testing.T) {
	m := Build(execution(schema.StatusCompleted, schema.StagePrediction))

	png, err := RenderImage(context.Background(), m, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), m, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), m, "gif")
	assert.Error(t, err)
}
