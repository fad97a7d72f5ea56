package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shield/internal/ir"
)

func TestDefaultIsValid(t *testing.T) {
	for name, c := range map[string]Config{
		"default":     Default(),
		"production":  Production(),
		"development": Development(),
	} {
		assert.NoError(t, c.Validate(), name)
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 512, c.LatticeDimension)
	assert.Equal(t, 5*time.Minute, c.ReviewTime())
	assert.Equal(t, "0.01", c.CanaryPercentage.String())
	assert.Equal(t, 3, c.NumShadowHosts)
	assert.True(t, c.EnableAutoVerification)
	assert.Equal(t, "axiom", c.DIDMethod)
	assert.Equal(t, "0.05", c.CanaryErrorThreshold.String())
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestPresets(t *testing.T) {
	p, err := Preset("production")
	require.NoError(t, err)
	assert.Equal(t, 1024, p.LatticeDimension)
	assert.Equal(t, 10*time.Minute, p.ReviewTime())
	assert.Equal(t, slog.LevelWarn, p.SlogLevel())

	d, err := Preset("development")
	require.NoError(t, err)
	assert.Equal(t, 256, d.LatticeDimension)
	assert.Equal(t, "0.05", d.CanaryPercentage.String())
	assert.Equal(t, slog.LevelDebug, d.SlogLevel())

	_, err = Preset("staging")
	assert.True(t, errors.Is(err, ir.ErrInvalidConfig))
}

func TestLoadYAML(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "shield.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, c.LatticeDimension)
	assert.Equal(t, 2*time.Minute, c.ReviewTime())
	assert.Equal(t, "0.25", c.CanaryPercentage.String())
	assert.Equal(t, 2, c.NumShadowHosts)
	assert.False(t, c.EnableAutoVerification)
	assert.Equal(t, []string{"bob", "carol"}, c.Reviewers)
	assert.Equal(t, "0.1", c.CanaryErrorThreshold.String())
	assert.Equal(t, ir.Fixed(1), c.ConvergenceTolerance)
	assert.Equal(t, "debug", c.LogLevel)

	// Unset keys keep their defaults.
	assert.Equal(t, "axiom", c.DIDMethod)
	assert.Equal(t, 60, c.CanaryWindow)
}

func TestLoadJSONC(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "shield.jsonc"))
	require.NoError(t, err)

	assert.Equal(t, 8, c.LatticeDimension)
	assert.Equal(t, "hold", c.ReviewTimeoutAction)
	assert.Equal(t, "ledger.db", c.Database)
}

func TestLoadOverPreset(t *testing.T) {
	c, err := LoadOver(filepath.Join("testdata", "shield.jsonc"), Production())
	require.NoError(t, err)

	assert.Equal(t, 8, c.LatticeDimension)
	assert.Equal(t, 10*time.Minute, c.ReviewTime(), "preset value kept")
	assert.Equal(t, "warn", c.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEmptyKeepsBase(t *testing.T) {
	c, err := Parse(nil, Development())
	require.NoError(t, err)
	assert.Equal(t, Development(), c)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "lattice_dimensions: 4\n"},
		{"wrong type", "lattice_dimension: four\n"},
		{"zero dimension", "lattice_dimension: 0\n"},
		{"percentage above one", "canary_percentage: 1.5\n"},
		{"bad timeout action", "review_timeout_action: retry\n"},
		{"bad log level", "log_level: verbose\n"},
		{"bound too large", "convergence_bound: 5000\n"},
		{"duplicate reviewer", "reviewers: [bob, bob]\n"},
		{"not a mapping", "- 1\n- 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), Default())
			require.Error(t, err)
			assert.Equal(t, ir.CodeInvalidConfig, ir.CodeOf(err), "%v", err)
		})
	}
}

func TestFromMap(t *testing.T) {
	c, err := FromMap(map[string]any{
		"lattice_dimension":        4,
		"auditor_review_time":      0,
		"enable_auto_verification": false,
		"canary_percentage":        "0.5",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, c.LatticeDimension)
	assert.Equal(t, time.Duration(0), c.ReviewTime())
	assert.False(t, c.EnableAutoVerification)
	assert.Equal(t, "0.5", c.CanaryPercentage.String())

	_, err = FromMap(map[string]any{"max_iterations": 10})
	assert.Equal(t, ir.CodeInvalidConfig, ir.CodeOf(err))

	c, err = FromMap(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shield.yml")
	require.NoError(t, os.WriteFile(path, []byte("did_method: sov\nverify_on_open: false\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sov", c.DIDMethod)
	assert.False(t, c.VerifyOnOpen)
}
