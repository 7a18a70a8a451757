package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

func execute(t *testing.T, cfg Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&cfg)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.LogLevel = "error"
	cfg.StallAfter = 0
	return cfg
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, testConfig(), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestRunCommand_DemoCompletes(t *testing.T) {
	out, err := execute(t, testConfig(), "run", "--json")
	require.NoError(t, err)

	var snap store.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, schema.StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.ReasoningChain)
	assert.NotEmpty(t, snap.FinalProposal)
	assert.NotEmpty(t, snap.RiskAssessment)
	assert.NotEmpty(t, snap.QAResults)
	assert.Equal(t, "demo_user_1", snap.Metadata.UserID)
}

func TestRunCommand_TextOutput(t *testing.T) {
	out, err := execute(t, testConfig(), "run")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "Reasoning chain:")
	assert.Contains(t, out, "Final proposal:")
	assert.Contains(t, out, "QA results:")
}

func TestInspectCommand_ReadsMirror(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "defiflow.db")

	out, err := execute(t, cfg, "run", "--json")
	require.NoError(t, err)
	var snap store.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &snap))

	out, err = execute(t, cfg, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, snap.ID)
	assert.Contains(t, out, "COMPLETED")

	out, err = execute(t, cfg, "inspect", snap.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Reasoning:")
	assert.Contains(t, out, "[orchestrator]")
	assert.Contains(t, out, "Risk:")

	out, err = execute(t, cfg, "inspect", snap.ID, "--diagram", "ascii")
	require.NoError(t, err)
	assert.Contains(t, out, "[OK]")

	_, err = execute(t, cfg, "inspect", snap.ID, "--diagram", "gif")
	assert.Error(t, err)
}

func TestInspectCommand_RequiresDatabase(t *testing.T) {
	_, err := execute(t, testConfig(), "inspect")
	assert.Error(t, err)
}

func TestRootCommand_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	_, err := execute(t, cfg, "--pool-size", "0", "version")
	assert.Error(t, err)
}
