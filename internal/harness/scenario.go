package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/testutil"
)

// Scenario is a scripted admission run. Steps drive the engine the way an
// operator and a reviewer would; assertions check the resulting ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the default configuration, keyed as in a config file.
	Config map[string]any `yaml:"config,omitempty"`

	// Steps run in order against one engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and registry.
	Assertions []Assertion `yaml:"assertions"`
}

// Step actions.
const (
	ActionRegister = "register"
	ActionAdvance  = "advance"
	ActionReview   = "review"
	ActionCanary   = "canary"
	ActionCancel   = "cancel"
	ActionObserve  = "observe"
	ActionWait     = "wait"
	ActionVerify   = "verify"
)

// Step is one operation against the engine. Which fields apply depends on
// Action.
type Step struct {
	Action   string `yaml:"action"`
	Operator string `yaml:"operator,omitempty"`

	// register, observe
	Trajectory *Trajectory `yaml:"trajectory,omitempty"`
	Balance    ir.Fixed    `yaml:"balance,omitempty"`

	// review
	Reviewer string `yaml:"reviewer,omitempty"`
	Approve  bool   `yaml:"approve,omitempty"`

	// review, cancel
	Reason string `yaml:"reason,omitempty"`

	// canary
	Requests int64 `yaml:"requests,omitempty"`
	Failures int64 `yaml:"failures,omitempty"`

	// wait
	Seconds int `yaml:"seconds,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Trajectory shapes.
const (
	ShapeStable      = "stable"
	ShapeDrift       = "drift"
	ShapeOscillating = "oscillating"
	ShapeExplicit    = "explicit"
)

// Trajectory describes the observations of a register step, either as a
// generated shape or as explicit points.
type Trajectory struct {
	Shape        string `yaml:"shape"`
	Observations int    `yaml:"observations,omitempty"`

	// Offset is the drift for "drift" and the amplitude for "oscillating".
	Offset ir.Fixed `yaml:"offset,omitempty"`

	// Dimension overrides the lattice dimension of generated vectors.
	Dimension int `yaml:"dimension,omitempty"`

	// GenesisKind overrides the kind of the first observation.
	GenesisKind ir.ObservationKind `yaml:"genesis_kind,omitempty"`

	Points []ir.Observation `yaml:"points,omitempty"`
}

// Build returns the observations for a lattice of dimension dim.
func (t *Trajectory) Build(dim int) ([]ir.Observation, error) {
	if t.Dimension > 0 {
		dim = t.Dimension
	}
	n := t.Observations
	if n == 0 {
		n = 1
	}

	var obs []ir.Observation
	switch t.Shape {
	case ShapeStable:
		obs = testutil.StableTrajectory(dim, n)
	case ShapeDrift:
		obs = testutil.DriftTrajectory(dim, n, t.Offset)
	case ShapeOscillating:
		obs = testutil.OscillatingTrajectory(dim, n, t.Offset)
	case ShapeExplicit:
		obs = make([]ir.Observation, len(t.Points))
		for i, p := range t.Points {
			obs[i] = p.Clone()
		}
	default:
		return nil, fmt.Errorf("unknown trajectory shape %q", t.Shape)
	}
	if t.GenesisKind != "" && len(obs) > 0 {
		obs[0].Kind = t.GenesisKind
	}
	return obs, nil
}

// Expect checks the outcome of a single step.
type Expect struct {
	Stage string `yaml:"stage,omitempty"`
	Error string `yaml:"error,omitempty"`
	Final *bool  `yaml:"final,omitempty"`
}

// Assertion validates the final state of a scenario.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Operator selects the node (final_stage, stage_order, no_node,
	// record_count).
	Operator string `yaml:"operator,omitempty"`

	// Stage is the expected stage (final_stage).
	Stage string `yaml:"stage,omitempty"`

	// Final is the expected final flag (final_stage).
	Final *bool `yaml:"final,omitempty"`

	// Stages is the exact sequence of recorded stages (stage_order).
	Stages []string `yaml:"stages,omitempty"`

	// Count is the expected number of records (record_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalStage  = "final_stage"
	AssertStageOrder  = "stage_order"
	AssertRecordCount = "record_count"
	AssertLedgerValid = "ledger_valid"
	AssertNoNode      = "no_node"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	switch st.Action {
	case ActionRegister:
		if st.Operator == "" {
			return fmt.Errorf("steps[%d]: operator is required for register", index)
		}
		if st.Trajectory == nil {
			return fmt.Errorf("steps[%d]: trajectory is required for register", index)
		}
	case ActionAdvance, ActionCancel, ActionCanary:
		if st.Operator == "" {
			return fmt.Errorf("steps[%d]: operator is required for %s", index, st.Action)
		}
		if st.Requests < 0 || st.Failures < 0 {
			return fmt.Errorf("steps[%d]: request counts must be non-negative", index)
		}
	case ActionObserve:
		if st.Operator == "" {
			return fmt.Errorf("steps[%d]: operator is required for observe", index)
		}
		if st.Trajectory == nil || st.Trajectory.Shape != ShapeExplicit {
			return fmt.Errorf("steps[%d]: observe needs an explicit trajectory", index)
		}
	case ActionReview:
		if st.Operator == "" {
			return fmt.Errorf("steps[%d]: operator is required for review", index)
		}
		if st.Reviewer == "" {
			return fmt.Errorf("steps[%d]: reviewer is required for review", index)
		}
	case ActionWait:
		if st.Seconds <= 0 {
			return fmt.Errorf("steps[%d]: seconds must be positive for wait", index)
		}
	case ActionVerify:
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFinalStage:
		if a.Operator == "" || a.Stage == "" {
			return fmt.Errorf("assertions[%d]: operator and stage are required for final_stage", index)
		}
	case AssertStageOrder:
		if a.Operator == "" || len(a.Stages) == 0 {
			return fmt.Errorf("assertions[%d]: operator and stages are required for stage_order", index)
		}
	case AssertRecordCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for record_count", index)
		}
	case AssertNoNode:
		if a.Operator == "" {
			return fmt.Errorf("assertions[%d]: operator is required for no_node", index)
		}
	case AssertLedgerValid:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
