package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/shield/internal/config"
	"github.com/roach88/shield/internal/engine"
	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/proofchain"
	"github.com/roach88/shield/internal/store"
	"github.com/roach88/shield/internal/testutil"
)

// Harness drives one engine through a scenario with a fake clock and
// sequential ticket ids, so the same scenario always yields the same
// trace.
type Harness struct {
	cfg       config.Config
	engine    *engine.Engine
	chain     *proofchain.Chain
	clock     *testutil.FakeClock
	operators map[string]string
	traced    int64
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite ledger.
//
// Execution flow:
//  1. Build the configuration from the scenario overrides
//  2. Open the ledger and the engine
//  3. Execute steps, tracing each step and the records it produced
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cfg, err := config.FromMap(scenario.Config)
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(time.Time{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chain, err := proofchain.Open(ctx, st,
		proofchain.WithClock(clock.Now),
		proofchain.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof chain: %w", err)
	}
	eng, err := engine.New(ctx, cfg, chain,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequenceIDs("ticket")),
		engine.WithLogger(logger),
		engine.WithSignalStore(st),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()

	h := &Harness{
		cfg:       cfg,
		engine:    eng,
		chain:     chain,
		clock:     clock,
		operators: make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Engine:    eng,
		Operators: h.operators,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one step and appends its trace events. Coded errors are
// part of the trace; anything else aborts the scenario.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	var err error
	switch step.Action {
	case ActionRegister:
		traj, berr := step.Trajectory.Build(h.cfg.LatticeDimension)
		if berr != nil {
			return berr
		}
		var n ir.Node
		n, err = h.engine.Register(ctx, step.Operator, traj, step.Balance)
		if err == nil {
			h.operators[step.Operator] = n.ID
		}
	case ActionAdvance:
		_, err = h.engine.Advance(ctx, h.nodeID(step.Operator))
	case ActionReview:
		_, err = h.engine.SubmitReview(ctx, h.nodeID(step.Operator), ir.ReviewDecision{
			Approve:  step.Approve,
			Reviewer: step.Reviewer,
			Reason:   step.Reason,
		})
	case ActionCanary:
		_, err = h.engine.AggregateCanary(ctx, h.nodeID(step.Operator), step.Requests, step.Failures)
	case ActionCancel:
		_, err = h.engine.Cancel(ctx, h.nodeID(step.Operator), step.Reason)
	case ActionObserve:
		traj, berr := step.Trajectory.Build(h.cfg.LatticeDimension)
		if berr != nil {
			return berr
		}
		_, err = h.engine.Observe(ctx, h.nodeID(step.Operator), traj)
	case ActionWait:
		h.clock.Advance(time.Duration(step.Seconds) * time.Second)
	case ActionVerify:
		var res proofchain.Result
		res, err = h.engine.VerifyLedger(ctx)
		if err == nil && !res.Valid {
			err = ir.NewError(ir.CodeIntegrityViolation, "%s", res.Reason)
		}
	}

	ev := TraceEvent{
		Type:     EventStep,
		Seq:      int64(index),
		Action:   step.Action,
		Operator: step.Operator,
	}
	if err != nil {
		code := ir.CodeOf(err)
		if code == "" {
			return err
		}
		ev.Error = string(code)
	}

	var node ir.Node
	if id, ok := h.operators[step.Operator]; ok {
		n, serr := h.engine.Status(id)
		if serr != nil {
			return serr
		}
		node = n
		ev.Stage = string(n.Stage)
	}
	result.Trace = append(result.Trace, ev)
	h.checkExpect(index, step.Expect, ev, node, result)

	return h.traceRecords(ctx, result)
}

func (h *Harness) checkExpect(index int, x *Expect, ev TraceEvent, node ir.Node, result *Result) {
	var wantErr string
	if x != nil {
		wantErr = x.Error
	}
	if ev.Error != wantErr {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected error %q, got %q", index, ev.Action, wantErr, ev.Error))
	}
	if x == nil {
		return
	}
	if x.Stage != "" && x.Stage != ev.Stage {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected stage %q, got %q", index, ev.Action, x.Stage, ev.Stage))
	}
	if x.Final != nil && *x.Final != node.Final {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected final=%v, got %v", index, ev.Action, *x.Final, node.Final))
	}
}

// traceRecords appends a record event for every record written since the
// last call.
func (h *Harness) traceRecords(ctx context.Context, result *Result) error {
	if h.chain.Len() == h.traced {
		return nil
	}
	recs, err := h.chain.Records(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs[h.traced:] {
		p, err := ir.UnmarshalPayload(rec.Payload)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		d := p.Decision
		result.Trace = append(result.Trace, TraceEvent{
			Type:     EventRecord,
			Seq:      rec.Seq,
			Operator: p.Node.OperatorID,
			From:     string(d.From),
			To:       string(d.To),
			Outcome:  string(d.Outcome),
			Actor:    string(d.Actor),
			Code:     string(d.Code),
			Final:    d.Final,
		})
	}
	h.traced = int64(len(recs))
	return nil
}

// nodeID maps an operator to its node id. Unknown operators are passed
// through so the engine reports NOT_FOUND.
func (h *Harness) nodeID(operator string) string {
	if id, ok := h.operators[operator]; ok {
		return id
	}
	return operator
}
