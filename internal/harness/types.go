package harness

// TraceEvent records the outcome of one step.
type TraceEvent struct {
	Phase string `json:"phase"` // "setup" or "flow"
	Step  int    `json:"step"`
	Op    string `json:"op"`
	// Outcome is "ok" or the error kind the step failed with.
	Outcome string `json:"outcome"`
	Detail  any    `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every flow step behaved as expected and every
	// assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(phase string, step int, op, outcome string, detail any) {
	r.Trace = append(r.Trace, TraceEvent{Phase: phase, Step: step, Op: op, Outcome: outcome, Detail: detail})
}
