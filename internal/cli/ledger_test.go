package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shield/internal/engine"
)

func TestVerifyEmptyLedger(t *testing.T) {
	env := newTestEnv(t, autoConfig)

	resp, err := env.run(t, NewVerifyCommand)
	require.NoError(t, err)
	var v VerifyResult
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	assert.True(t, v.Valid)
	assert.Equal(t, int64(0), v.Count)
}

func TestExportAuditImport(t *testing.T) {
	env := newTestEnv(t, autoConfig)
	id := env.admit(t)
	exportPath := filepath.Join(env.dir, "ledger.export")

	_, err := env.run(t, NewExportCommand, exportPath)
	require.NoError(t, err)

	resp, err := env.run(t, NewAuditCommand, exportPath)
	require.NoError(t, err)
	var v VerifyResult
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	assert.True(t, v.Valid)
	assert.Equal(t, int64(6), v.Count)

	// Import into a fresh ledger and rebuild the registry from it.
	env.opts.Database = filepath.Join(env.dir, "copy.db")
	_, err = env.run(t, NewImportCommand, exportPath)
	require.NoError(t, err)

	resp, err = env.run(t, NewStatusCommand, id)
	require.NoError(t, err)
	n := resp.node(t)
	assert.Equal(t, "ACTIVE", n["stage"])
	assert.Equal(t, true, n["final"])

	// The target must be empty.
	_, err = env.run(t, NewImportCommand, exportPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAuditRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, autoConfig)
	path := filepath.Join(env.dir, "garbage.export")
	require.NoError(t, os.WriteFile(path, []byte("not an export"), 0o644))

	_, err := env.run(t, NewAuditCommand, path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMetricsCommand(t *testing.T) {
	env := newTestEnv(t, autoConfig)
	env.admit(t)
	_, err := env.run(t, NewRegisterCommand, env.writeTrajectory(t, "bob", 2))
	require.NoError(t, err)

	resp, err := env.run(t, NewMetricsCommand)
	require.NoError(t, err)
	var m engine.Metrics
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	assert.Equal(t, 2, m.Nodes)
	assert.Equal(t, 1, m.Final)
	assert.Equal(t, 1, m.ByStage["ACTIVE"])
	assert.Equal(t, 1, m.ByStage["REVIEWED"])
	assert.Equal(t, int64(9), m.Records)
	assert.False(t, m.Halted)
}

func TestResumeValidLedger(t *testing.T) {
	env := newTestEnv(t, autoConfig)

	resp, err := env.run(t, NewResumeCommand)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}
