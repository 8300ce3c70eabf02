package harness

// Trace step names.
const (
	StepAppend = "append"
	StepBond   = "bond"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"` // "append" or "bond"
	Account string `json:"account"`
	Tier    string `json:"tier"`

	// Append: the lane written and the sequence indices assigned.
	Lane      int     `json:"lane,omitempty"`
	Sequences []int64 `json:"sequences,omitempty"`

	// Bond: outcome plus the record, lane depths or error code.
	Outcome string         `json:"outcome,omitempty"`
	Record  *RecordSummary `json:"record,omitempty"`
	Depths  []int          `json:"depths,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// RecordSummary is the part of a bonded record a trace keeps. The digest is
// left out; it is covered by the engine's own golden test.
type RecordSummary struct {
	Type         string             `json:"type"`
	SourceTier   string             `json:"sourceTier"`
	Index        int64              `json:"index"`
	Frequency    string             `json:"frequency"`
	AtomicWeight int                `json:"atomicWeight"`
	Sequences    map[string][]int64 `json:"sequences"`
	Constituents []int64            `json:"constituents,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expect and assertion failures.
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

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns the number of trace events with step and, if not empty,
// outcome.
func (r *Result) Count(step, outcome string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Step == step && (outcome == "" || ev.Outcome == outcome) {
			n++
		}
	}
	return n
}
