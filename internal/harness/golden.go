package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/atombond/internal/atom"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. atom.MarshalCanonical only handles primitives, []int64,
// []any and map[string]any.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":     event.Seq,
			"step":    event.Step,
			"account": event.Account,
			"tier":    event.Tier,
		}
		switch event.Step {
		case StepAppend:
			eventMap["lane"] = event.Lane
			eventMap["sequences"] = event.Sequences
		case StepBond:
			eventMap["outcome"] = event.Outcome
		}
		if event.Depths != nil {
			depths := make([]any, len(event.Depths))
			for j, d := range event.Depths {
				depths[j] = d
			}
			eventMap["depths"] = depths
		}
		if event.Code != "" {
			eventMap["code"] = event.Code
		}
		if event.Record != nil {
			eventMap["record"] = event.Record.toCanonicalMap()
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

func (r *RecordSummary) toCanonicalMap() map[string]any {
	seqs := make(map[string]any, len(r.Sequences))
	for lane, s := range r.Sequences {
		seqs[lane] = s
	}
	m := map[string]any{
		"type":         r.Type,
		"sourceTier":   r.SourceTier,
		"index":        r.Index,
		"frequency":    r.Frequency,
		"atomicWeight": r.AtomicWeight,
		"sequences":    seqs,
	}
	if len(r.Constituents) > 0 {
		m["constituents"] = r.Constituents
	}
	return m
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
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

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}

	traceJSON, err := atom.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
