package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		switch event.Step {
		case StepAppend:
			fmt.Fprintf(&buf, "  [%d] append %s/%s lane-%d %v\n", i+1, event.Account, event.Tier, event.Lane, event.Sequences)
		case StepBond:
			fmt.Fprintf(&buf, "  [%d] bond %s/%s -> %s\n", i+1, event.Account, event.Tier, event.Outcome)
		}
	}

	return buf.String()
}

// AssertionContext gives assertions access to the scenario's final state.
type AssertionContext struct {
	Store store.Reader
	Sink  *promotionLog
	Ctx   context.Context
}

// assertLaneDepths checks the atom count of every listed lane.
func assertLaneDepths(ctx context.Context, st store.Reader, trace []TraceEvent, assertion Assertion) error {
	actual := make([]int, len(assertion.Depths))
	for lane := range assertion.Depths {
		atoms, err := st.Load(ctx, atom.LedgerKey{Account: assertion.Account, Tier: assertion.Tier, Lane: lane})
		if err != nil {
			return fmt.Errorf("lane_depths: load lane %d: %w", lane, err)
		}
		actual[lane] = len(atoms)
	}

	if slices.Equal(actual, assertion.Depths) {
		return nil
	}
	return &AssertionError{
		Type:     AssertLaneDepths,
		Expected: fmt.Sprintf("%s/%s depths %v", assertion.Account, assertion.Tier, assertion.Depths),
		Actual:   fmt.Sprintf("depths %v", actual),
		Trace:    trace,
	}
}

// assertRecord checks top-level fields of one stored atom (subset match).
// Values are compared by their printed form, so frequency "1.50" matches
// the stored number 1.50.
func assertRecord(ctx context.Context, st store.Reader, trace []TraceEvent, assertion Assertion) error {
	key := atom.LedgerKey{Account: assertion.Account, Tier: assertion.Tier, Lane: assertion.Lane}
	atoms, err := st.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("record: load %s: %w", key, err)
	}
	if assertion.Position < 0 || assertion.Position >= len(atoms) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record at %s position %d", key, assertion.Position),
			Actual:   fmt.Sprintf("lane holds %d atom(s)", len(atoms)),
			Trace:    trace,
		}
	}

	fields, err := recordFields(atoms[assertion.Position])
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}

	var mismatches []string
	for _, name := range sortedKeys(assertion.Expect) {
		want := fmt.Sprint(assertion.Expect[name])
		got, ok := fields[name]
		switch {
		case !ok:
			mismatches = append(mismatches, fmt.Sprintf("%s: missing", name))
		case fmt.Sprint(got) != want:
			mismatches = append(mismatches, fmt.Sprintf("%s: %v", name, got))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertRecord,
		Expected: fmt.Sprintf("record at %s position %d with %v", key, assertion.Position, assertion.Expect),
		Actual:   strings.Join(mismatches, ", "),
		Trace:    trace,
	}
}

// recordFields decodes the stored JSON form of a into a field map.
func recordFields(a atom.Atom) (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// assertPromotionCount checks the number of promotions the audit sink saw.
func assertPromotionCount(sink *promotionLog, trace []TraceEvent, assertion Assertion) error {
	actual := sink.count(assertion.Account)
	if actual == assertion.Count {
		return nil
	}
	scope := "all accounts"
	if assertion.Account != "" {
		scope = assertion.Account
	}
	return &AssertionError{
		Type:     AssertPromotionCount,
		Expected: fmt.Sprintf("%d promotion(s) for %s", assertion.Count, scope),
		Actual:   fmt.Sprintf("%d promotion(s)", actual),
		Trace:    trace,
	}
}

// assertTraceCount checks the number of trace events with a step and
// optional outcome.
func assertTraceCount(result *Result, assertion Assertion) error {
	actual := result.Count(assertion.Step, assertion.Outcome)
	if actual == assertion.Count {
		return nil
	}
	filter := assertion.Step
	if assertion.Outcome != "" {
		filter += "/" + assertion.Outcome
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s occurs %d time(s)", filter, assertion.Count),
		Actual:   fmt.Sprintf("%s occurs %d time(s)", filter, actual),
		Trace:    result.Trace,
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store and audit access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		case AssertLaneDepths, AssertRecord:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires store context", i, assertion.Type)
			} else if assertion.Type == AssertLaneDepths {
				err = assertLaneDepths(actx.Ctx, actx.Store, result.Trace, assertion)
			} else {
				err = assertRecord(actx.Ctx, actx.Store, result.Trace, assertion)
			}
		case AssertPromotionCount:
			if actx == nil || actx.Sink == nil {
				err = fmt.Errorf("assertion[%d]: promotion_count requires audit context", i)
			} else {
				err = assertPromotionCount(actx.Sink, result.Trace, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
