package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/shield/internal/engine"
)

// AssertionContext gives assertions access to the engine after the run.
type AssertionContext struct {
	Ctx       context.Context
	Engine    *engine.Engine
	Operators map[string]string
}

// AssertionError is returned when an assertion fails.
// It carries the record trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nRecords:\n")
	for _, ev := range e.Trace {
		if ev.Type != EventRecord {
			continue
		}
		fmt.Fprintf(&buf, "  [%d] %s %s -> %s %s", ev.Seq, ev.Operator, ev.From, ev.To, ev.Outcome)
		if ev.Code != "" {
			fmt.Fprintf(&buf, " %s", ev.Code)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages. An empty slice means all assertions held.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertFinalStage:
		return assertFinalStage(result, a, actx)
	case AssertStageOrder:
		return assertStageOrder(result, a)
	case AssertRecordCount:
		return assertRecordCount(result, a)
	case AssertLedgerValid:
		return assertLedgerValid(result, actx)
	case AssertNoNode:
		return assertNoNode(result, a, actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertFinalStage checks the node's stage, and final flag when given,
// after the last step.
func assertFinalStage(result *Result, a Assertion, actx *AssertionContext) error {
	id, ok := actx.Operators[a.Operator]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalStage,
			Expected: fmt.Sprintf("operator %s at %s", a.Operator, a.Stage),
			Actual:   "operator was never registered",
			Trace:    result.Trace,
		}
	}
	n, err := actx.Engine.Status(id)
	if err != nil {
		return err
	}
	if string(n.Stage) != a.Stage {
		return &AssertionError{
			Type:     AssertFinalStage,
			Expected: fmt.Sprintf("operator %s at %s", a.Operator, a.Stage),
			Actual:   string(n.Stage),
			Trace:    result.Trace,
		}
	}
	if a.Final != nil && *a.Final != n.Final {
		return &AssertionError{
			Type:     AssertFinalStage,
			Expected: fmt.Sprintf("final=%v", *a.Final),
			Actual:   fmt.Sprintf("final=%v", n.Final),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertStageOrder checks the exact sequence of stages recorded for an
// operator.
func assertStageOrder(result *Result, a Assertion) error {
	var got []string
	for _, ev := range result.Records() {
		if ev.Operator == a.Operator {
			got = append(got, ev.To)
		}
	}
	if strings.Join(got, ",") != strings.Join(a.Stages, ",") {
		return &AssertionError{
			Type:     AssertStageOrder,
			Expected: strings.Join(a.Stages, " -> "),
			Actual:   strings.Join(got, " -> "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertRecordCount checks the number of records, for one operator when
// Operator is set.
func assertRecordCount(result *Result, a Assertion) error {
	count := 0
	for _, ev := range result.Records() {
		if a.Operator == "" || ev.Operator == a.Operator {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records", a.Count),
			Actual:   fmt.Sprintf("%d records", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertLedgerValid(result *Result, actx *AssertionContext) error {
	res, err := actx.Engine.VerifyLedger(actx.Ctx)
	if err != nil {
		return err
	}
	if !res.Valid {
		return &AssertionError{
			Type:     AssertLedgerValid,
			Expected: "ledger verifies",
			Actual:   fmt.Sprintf("invalid at record %d: %s", res.FirstInvalid, res.Reason),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertNoNode checks that an operator has neither a node nor a record.
func assertNoNode(result *Result, a Assertion, actx *AssertionContext) error {
	if _, ok := actx.Operators[a.Operator]; ok {
		return &AssertionError{
			Type:     AssertNoNode,
			Expected: fmt.Sprintf("no node for %s", a.Operator),
			Actual:   "node registered",
			Trace:    result.Trace,
		}
	}
	for _, ev := range result.Records() {
		if ev.Operator == a.Operator {
			return &AssertionError{
				Type:     AssertNoNode,
				Expected: fmt.Sprintf("no records for %s", a.Operator),
				Actual:   fmt.Sprintf("record %d", ev.Seq),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}
