package harness

// TraceEvent is one observable engine interaction during a scenario
// run. Events carry no timestamps; the sequence number alone orders
// them, keeping golden traces stable across runs.
type TraceEvent struct {
	Seq          int    `json:"seq"`
	Node         string `json:"node"`
	Event        string `json:"event"`
	RecordUUID   string `json:"record_uuid,omitempty"`
	OriginalUUID string `json:"original_uuid,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	State        string `json:"state,omitempty"`
	Changes      int    `json:"changes,omitempty"`
}

// AssertionResult is the evaluated outcome of one scenario assertion.
type AssertionResult struct {
	Index  int    `json:"index"`
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Result is the full outcome of a scenario run: the event trace plus
// the evaluated assertions. The JSON form of a Result is what golden
// files capture.
type Result struct {
	Scenario   string            `json:"scenario"`
	Trace      []TraceEvent      `json:"trace"`
	Assertions []AssertionResult `json:"assertions,omitempty"`
}

// NewResult creates an empty result for the named scenario.
func NewResult(name string) *Result {
	return &Result{Scenario: name}
}

// AddTrace appends an event, assigning its sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

// AddAssertion appends an evaluated assertion result.
func (r *Result) AddAssertion(ar AssertionResult) {
	ar.Index = len(r.Assertions)
	r.Assertions = append(r.Assertions, ar)
}

// Passed reports whether every assertion held.
func (r *Result) Passed() bool {
	for _, a := range r.Assertions {
		if !a.OK {
			return false
		}
	}
	return true
}
