package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shield/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // defaults to <scenarios-dir>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	note string
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run admission scenarios",
		Long: `Run scripted admission scenarios against an in-memory ledger.

Each scenario's expectations and assertions must hold, and its trace must
match <golden-dir>/<name>.golden when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  shield test ./testdata/scenarios
  shield test ./testdata/scenarios --filter "scenario_*"
  shield test ./testdata/scenarios --golden ./internal/harness/testdata/golden
  shield test ./testdata/scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default <scenarios-dir>/golden)")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	s := &suite{opts: opts, cmd: cmd, goldenDir: opts.GoldenDir}
	if s.goldenDir == "" {
		s.goldenDir = filepath.Join(scenariosDir, "golden")
	}
	s.result = TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		s.add(s.runScenario(file))
	}
	return s.report()
}

// findScenarioFiles lists the YAML files directly in dir whose base name
// matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// suite runs scenario files one after another and collects their outcome.
type suite struct {
	opts      *TestOptions
	cmd       *cobra.Command
	goldenDir string
	result    TestResult
}

func (s *suite) text() bool { return s.opts.Format != "json" }

func (s *suite) add(sr ScenarioResult) {
	s.result.Scenarios = append(s.result.Scenarios, sr)
	if sr.Pass {
		s.result.Passed++
	} else {
		s.result.Failed++
	}
	if !s.text() {
		return
	}
	w := s.cmd.OutOrStdout()
	if sr.Pass {
		fmt.Fprintf(w, "\u2713 %s%s\n", sr.Name, sr.note)
		return
	}
	fmt.Fprintf(w, "\u2717 %s\n", sr.Name)
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// runScenario executes one scenario file and checks its trace against the
// golden file, or rewrites that file under --update.
func (s *suite) runScenario(file string) ScenarioResult {
	sr := ScenarioResult{Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))}
	failed := func(format string, args ...any) ScenarioResult {
		sr.Errors = append(sr.Errors, fmt.Sprintf(format, args...))
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return failed("load error: %v", err)
	}
	sr.Name = scenario.Name

	run, err := harness.Run(scenario)
	if err != nil {
		return failed("execution error: %v", err)
	}
	snapshot, err := harness.Snapshot(scenario.Name, run)
	if err != nil {
		return failed("snapshot error: %v", err)
	}

	goldenPath := filepath.Join(s.goldenDir, scenario.Name+".golden")
	if s.opts.Update {
		if err := os.MkdirAll(s.goldenDir, 0o755); err != nil {
			return failed("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(goldenPath, snapshot, 0o644); err != nil {
			return failed("failed to write golden file: %v", err)
		}
		sr.note = " (golden updated)"
	} else if golden, err := os.ReadFile(goldenPath); err == nil {
		if !bytes.Equal(golden, snapshot) {
			sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	} else if !os.IsNotExist(err) {
		return failed("failed to read golden file: %v", err)
	}

	sr.Errors = append(sr.Errors, run.Errors...)
	sr.Pass = len(sr.Errors) == 0 && run.Pass
	return sr
}

// report writes the summary, or the JSON envelope, and turns any failed
// scenario into ExitFailure.
func (s *suite) report() error {
	r := s.result
	w := s.cmd.OutOrStdout()
	var failure error
	if r.Failed > 0 {
		failure = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", r.Failed))
	}

	if !s.text() {
		response := CLIResponse{Status: "ok", Data: r}
		if failure != nil {
			response.Status = "error"
			response.Error = &CLIError{Code: "E_TEST_FAILED", Message: failure.Error()}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(response); err != nil {
			return err
		}
		return failure
	}

	if r.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	if failure == nil {
		fmt.Fprintln(w, "\u2713 All scenarios passed")
	}
	return failure
}
