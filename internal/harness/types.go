package harness

// TraceEvent is one finished sync attempt.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Pass    int    `json:"pass"`
	Key     string `json:"key"`
	Outcome string `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace lists attempts ordered by pass, then key.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Cursor is how far the node read the event log.
	Cursor int64 `json:"cursor"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
