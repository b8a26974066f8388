package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

// chainflow runs the root command in-process and returns stdout.
func chainflow(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exampleChain(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs("../../examples/report-generator/chain.yaml")
	require.NoError(t, err)
	return path
}

func TestRun_ReportExample(t *testing.T) {
	chain := exampleChain(t)
	isolate(t)

	out, err := chainflow(t, "run", chain, "--json",
		"--var", `sales={"orders":[{"amount":120},{"amount":30}]}`,
		"--var", "title=Weekly",
	)
	require.NoError(t, err)

	var ec schema.ExecutionContext
	require.NoError(t, json.Unmarshal([]byte(out), &ec))
	assert.Equal(t, "report-generator", ec.ChainID)
	assert.Equal(t, schema.RunStatusCompleted, ec.Status)
	require.Len(t, ec.Steps, 3)

	report, ok := ec.Variables["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Weekly", report["title"])
	assert.Equal(t, float64(150), report["revenue"])
	assert.Equal(t, map[string]any{"received": true}, ec.Variables["published"])
}

func TestRun_StopsWithoutRevenue(t *testing.T) {
	chain := exampleChain(t)
	isolate(t)

	out, err := chainflow(t, "run", chain)
	require.NoError(t, err)
	assert.Contains(t, out, "chain report-generator")
	assert.Contains(t, out, "merge")
	assert.NotContains(t, out, "publish")
}

func TestChainImportAndSchedule(t *testing.T) {
	chain := exampleChain(t)
	isolate(t)

	out, err := chainflow(t, "chain", "import", chain, "--description", "weekly numbers")
	require.NoError(t, err)
	assert.Contains(t, out, "stored chain report-generator (3 steps)")

	out, err = chainflow(t, "chain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Report generator")

	out, err = chainflow(t, "schedule", "add", "report-generator", "0 9 * * 1", "--var", "title=Monday")
	require.NoError(t, err)
	assert.Contains(t, out, "next runs at")

	out, err = chainflow(t, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0 9 * * 1")

	_, err = chainflow(t, "schedule", "add", "report-generator", "every monday")
	require.Error(t, err)
	_, err = chainflow(t, "schedule", "add", "unknown", "@daily")
	require.Error(t, err)
}

func TestSecrets(t *testing.T) {
	isolate(t)

	_, err := chainflow(t, "secret", "list")
	require.ErrorContains(t, err, "vault is locked")

	t.Setenv("CHAINFLOW_VAULT_PASSPHRASE", "correct horse battery staple")
	_, err = chainflow(t, "secret", "set", "--provider", "anthropic", "--workspace", "ws-1", "sk-ant")
	require.NoError(t, err)
	_, err = chainflow(t, "secret", "set", "db/reporting", "postgres://reporting")
	require.NoError(t, err)

	out, err := chainflow(t, "secret", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "workspace/ws-1/provider/anthropic")
	assert.Contains(t, out, "db/reporting")

	_, err = chainflow(t, "secret", "delete", "db/reporting")
	require.NoError(t, err)
	out, err = chainflow(t, "secret", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "db/reporting")
}

func TestMigrate(t *testing.T) {
	isolate(t)
	out, err := chainflow(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")
}
