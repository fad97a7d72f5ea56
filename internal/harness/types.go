package harness

// Trace event types.
const (
	EventStep   = "step"
	EventRecord = "record"
)

// TraceEvent is one entry of a scenario trace: either a scenario step as
// the harness executed it, or a proof record the step caused. Hashes,
// node ids and timestamps are left out so traces are stable across runs
// and configurations.
type TraceEvent struct {
	Type string `json:"type"`

	// Seq is the step index for step events and the ledger seq for
	// record events.
	Seq int64 `json:"seq"`

	Action   string `json:"action,omitempty"`
	Operator string `json:"operator,omitempty"`

	// Stage is the node's stage after the step; Error is the error code
	// the step returned, if any.
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`

	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Code    string `json:"code,omitempty"`
	Final   bool   `json:"final,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds step and record events in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Records returns the record events of the trace.
func (r *Result) Records() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventRecord {
			out = append(out, ev)
		}
	}
	return out
}
