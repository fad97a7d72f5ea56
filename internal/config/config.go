package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shield/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Config is the complete set of recognized options. Durations are whole
// seconds; decimals are fixed-point.
type Config struct {
	LatticeDimension       int      `yaml:"lattice_dimension" json:"lattice_dimension"`
	AuditorReviewTime      int      `yaml:"auditor_review_time" json:"auditor_review_time"`
	CanaryPercentage       ir.Fixed `yaml:"canary_percentage" json:"canary_percentage"`
	NumShadowHosts         int      `yaml:"num_shadow_hosts" json:"num_shadow_hosts"`
	EnableAutoVerification bool     `yaml:"enable_auto_verification" json:"enable_auto_verification"`

	DIDMethod            string   `yaml:"did_method" json:"did_method"`
	ReviewTimeoutAction  string   `yaml:"review_timeout_action" json:"review_timeout_action"`
	Reviewers            []string `yaml:"reviewers" json:"reviewers"`
	CanaryErrorThreshold ir.Fixed `yaml:"canary_error_threshold" json:"canary_error_threshold"`
	CanaryWindow         int      `yaml:"canary_window" json:"canary_window"`
	CanaryMinSamples     int64    `yaml:"canary_min_samples" json:"canary_min_samples"`
	ShadowTolerance      ir.Fixed `yaml:"shadow_tolerance" json:"shadow_tolerance"`
	ConvergenceBound     int      `yaml:"convergence_bound" json:"convergence_bound"`
	ConvergenceWindow    int      `yaml:"convergence_window" json:"convergence_window"`
	ConvergenceTolerance ir.Fixed `yaml:"convergence_tolerance" json:"convergence_tolerance"`
	DeviationTolerance   ir.Fixed `yaml:"deviation_tolerance" json:"deviation_tolerance"`
	DivergenceThreshold  ir.Fixed `yaml:"divergence_threshold" json:"divergence_threshold"`
	VerifyOnOpen         bool     `yaml:"verify_on_open" json:"verify_on_open"`
	Database             string   `yaml:"database" json:"database"`
	LogLevel             string   `yaml:"log_level" json:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LatticeDimension:       512,
		AuditorReviewTime:      300,
		CanaryPercentage:       ir.MustParseFixed("0.01"),
		NumShadowHosts:         3,
		EnableAutoVerification: true,

		DIDMethod:            "axiom",
		ReviewTimeoutAction:  "reject",
		Reviewers:            []string{},
		CanaryErrorThreshold: ir.MustParseFixed("0.05"),
		CanaryWindow:         60,
		CanaryMinSamples:     1,
		ShadowTolerance:      0,
		ConvergenceBound:     64,
		ConvergenceWindow:    16,
		ConvergenceTolerance: ir.MustParseFixed("0.001"),
		DeviationTolerance:   ir.FixedFromInt(1),
		DivergenceThreshold:  ir.FixedFromInt(1_000_000),
		VerifyOnOpen:         true,
		LogLevel:             "info",
	}
}

// Production returns the stricter production preset.
func Production() Config {
	c := Default()
	c.LatticeDimension = 1024
	c.AuditorReviewTime = 600
	c.CanaryPercentage = ir.MustParseFixed("0.001")
	c.LogLevel = "warn"
	return c
}

// Development returns the relaxed development preset.
func Development() Config {
	c := Default()
	c.LatticeDimension = 256
	c.AuditorReviewTime = 60
	c.CanaryPercentage = ir.MustParseFixed("0.05")
	c.LogLevel = "debug"
	return c
}

// Preset returns a named preset: "default", "production" or "development".
func Preset(name string) (Config, error) {
	switch name {
	case "", "default":
		return Default(), nil
	case "production":
		return Production(), nil
	case "development":
		return Development(), nil
	}
	return Config{}, invalid("unknown preset %q", name)
}

// ReviewTime returns the review deadline offset.
func (c Config) ReviewTime() time.Duration {
	return time.Duration(c.AuditorReviewTime) * time.Second
}

// CanaryWindowDuration returns the canary observation window.
func (c Config) CanaryWindowDuration() time.Duration {
	return time.Duration(c.CanaryWindow) * time.Second
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Validate checks cross-field and range constraints that the schema
// cannot express on typed values.
func (c Config) Validate() error {
	one := ir.FixedFromInt(1)
	switch {
	case c.LatticeDimension <= 0:
		return invalid("lattice_dimension must be positive, got %d", c.LatticeDimension)
	case c.AuditorReviewTime < 0:
		return invalid("auditor_review_time must be non-negative, got %d", c.AuditorReviewTime)
	case c.CanaryPercentage < 0 || c.CanaryPercentage > one:
		return invalid("canary_percentage must be within [0,1], got %s", c.CanaryPercentage)
	case c.NumShadowHosts < 1:
		return invalid("num_shadow_hosts must be at least 1, got %d", c.NumShadowHosts)
	case c.DIDMethod == "":
		return invalid("did_method must not be empty")
	case c.ReviewTimeoutAction != "reject" && c.ReviewTimeoutAction != "hold":
		return invalid("review_timeout_action must be reject or hold, got %q", c.ReviewTimeoutAction)
	case c.CanaryErrorThreshold < 0 || c.CanaryErrorThreshold > one:
		return invalid("canary_error_threshold must be within [0,1], got %s", c.CanaryErrorThreshold)
	case c.CanaryWindow < 0:
		return invalid("canary_window must be non-negative, got %d", c.CanaryWindow)
	case c.CanaryMinSamples < 0:
		return invalid("canary_min_samples must be non-negative, got %d", c.CanaryMinSamples)
	case c.ShadowTolerance < 0:
		return invalid("shadow_tolerance must be non-negative, got %s", c.ShadowTolerance)
	case c.ConvergenceBound < 1 || c.ConvergenceBound > 1024:
		return invalid("convergence_bound must be within [1,1024], got %d", c.ConvergenceBound)
	case c.ConvergenceWindow < 1 || c.ConvergenceWindow > 256:
		return invalid("convergence_window must be within [1,256], got %d", c.ConvergenceWindow)
	case c.ConvergenceTolerance < 0 || c.DeviationTolerance < 0:
		return invalid("tolerances must be non-negative")
	case c.DivergenceThreshold <= 0:
		return invalid("divergence_threshold must be positive, got %s", c.DivergenceThreshold)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	seen := make(map[string]bool, len(c.Reviewers))
	for _, r := range c.Reviewers {
		if r == "" || seen[r] {
			return invalid("reviewers must be unique and non-empty")
		}
		seen[r] = true
	}
	return nil
}

// Load reads a YAML or JSONC file over the defaults. Files ending in
// .json or .jsonc are read as JSONC.
func Load(path string) (Config, error) {
	return LoadOver(path, Default())
}

// LoadOver reads a config file over base, typically a preset.
func LoadOver(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return Parse(data, base)
}

// Parse validates data against the schema and decodes it over base.
// JSON input is accepted as a YAML subset.
func Parse(data []byte, base Config) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, invalid("parse config: %v", err)
	}
	if err := checkSchema(raw); err != nil {
		return Config{}, err
	}

	c := base
	c.Reviewers = append(make([]string, 0, len(base.Reviewers)), base.Reviewers...)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, invalid("decode config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// FromMap applies a dynamic option map over the defaults, as produced by
// a caller holding options in memory.
func FromMap(m map[string]any) (Config, error) {
	if len(m) == 0 {
		return Default(), nil
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return Config{}, invalid("encode options: %v", err)
	}
	return Parse(data, Default())
}

// checkSchema unifies raw with the closed #Config definition.
func checkSchema(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		errs := cueerrors.Errors(err)
		if len(errs) > 0 {
			return invalid("%s", strings.TrimSpace(errs[0].Error()))
		}
		return invalid("%v", err)
	}
	return nil
}

func invalid(format string, args ...any) *ir.Error {
	return ir.NewError(ir.CodeInvalidConfig, format, args...)
}
