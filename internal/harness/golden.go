package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/shield/internal/ir"
)

// Snapshot renders a scenario trace as canonical JSON, the format of
// golden files. Equal traces always produce equal bytes.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = ev.canonical()
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"trace":         trace,
	})
}

func (ev TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"type": ev.Type,
		"seq":  ev.Seq,
	}
	for k, v := range map[string]string{
		"action":   ev.Action,
		"operator": ev.Operator,
		"stage":    ev.Stage,
		"error":    ev.Error,
		"from":     ev.From,
		"to":       ev.To,
		"outcome":  ev.Outcome,
		"actor":    ev.Actor,
		"code":     ev.Code,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if ev.Final {
		m["final"] = true
	}
	return m
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
