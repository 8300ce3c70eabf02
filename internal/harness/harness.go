package harness

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/validate"
)

// epoch is the timestamp of the first atom a scenario appends; each
// further atom is one second later.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario against a fresh in-memory engine.
type Harness struct {
	engine *engine.Engine
	seq    int64
	nonce  int
}

// promotionLog is an in-memory engine.AuditSink.
type promotionLog struct {
	mu       sync.Mutex
	accounts []string
}

func (l *promotionLog) RecordPromotion(_ context.Context, account, _ string, _ atom.BondedRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append(l.accounts, account)
	return nil
}

// count returns the promotions recorded for account, or all if empty.
func (l *promotionLog) count(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if account == "" {
		return len(l.accounts)
	}
	n := 0
	for _, a := range l.accounts {
		if a == account {
			n++
		}
	}
	return n
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh MemStore and engine for the scenario's hierarchy
// 2. Compile the scenario's contracts, if any
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions
//
// An error is returned only when the scenario cannot be executed; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	contracts := contract.Set{}
	if scenario.Contracts != "" {
		src, err := os.ReadFile(scenario.Contracts)
		if err != nil {
			return nil, fmt.Errorf("failed to read contracts: %w", err)
		}
		if contracts, err = contract.CompileSource(string(src)); err != nil {
			return nil, fmt.Errorf("failed to compile contracts: %w", err)
		}
	}

	lanes := scenario.Lanes
	if lanes == 0 {
		lanes = engine.DefaultLanes
	}
	tiers := make([]engine.Tier, len(scenario.Tiers))
	for i, t := range scenario.Tiers {
		tiers[i] = engine.Tier{Name: t.Name, Threshold: t.Threshold}
	}

	st := store.NewMemStore()
	sink := &promotionLog{}
	h := &Harness{
		engine: engine.New(st, tiers,
			engine.WithLanes(lanes),
			engine.WithContracts(contracts),
			engine.WithAuditSink(sink),
		),
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Store: st, Sink: sink, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		switch {
		case step.Append != nil:
			if err := h.executeAppend(ctx, i, step.Append, result); err != nil {
				return err
			}
		case step.Bond != nil:
			h.executeBond(ctx, i, step, result)
		}
	}
	return nil
}

// executeAppend writes atoms. Append failures stop the scenario: later
// steps would run against ledgers the scenario did not describe.
func (h *Harness) executeAppend(ctx context.Context, index int, step *AppendStep, result *Result) error {
	lanes := make([]int, 0, h.engine.Lanes())
	if step.Lane != nil {
		lanes = append(lanes, *step.Lane)
	} else {
		for lane := range h.engine.Lanes() {
			lanes = append(lanes, lane)
		}
	}

	for _, lane := range lanes {
		atoms := make([]atom.Atom, len(step.Frequencies))
		for i, f := range step.Frequencies {
			atoms[i] = atom.Atom{
				Frequency: atom.RawFrequency(frequencyText(f)),
				Timestamp: epoch.Add(time.Duration(h.nonce) * time.Second).Format(time.RFC3339),
				IV:        fmt.Sprintf("iv-%d", h.nonce),
				AuthTag:   fmt.Sprintf("tag-%d", h.nonce),
			}
			h.nonce++
		}

		stored, err := h.engine.Append(ctx, step.Account, step.Tier, lane, atoms...)
		if err != nil {
			return fmt.Errorf("flow[%d]: append to lane %d: %w", index, lane, err)
		}

		seqs := make([]int64, len(stored))
		for i, a := range stored {
			seqs[i] = a.SequenceIndex
		}
		h.seq++
		result.Trace = append(result.Trace, TraceEvent{
			Seq:       h.seq,
			Step:      StepAppend,
			Account:   step.Account,
			Tier:      step.Tier,
			Lane:      lane,
			Sequences: seqs,
		})
	}
	return nil
}

func (h *Harness) executeBond(ctx context.Context, index int, step FlowStep, result *Result) {
	outcome, err := h.engine.TryBond(ctx, step.Bond.Account, step.Bond.Tier)

	h.seq++
	ev := TraceEvent{
		Seq:     h.seq,
		Step:    StepBond,
		Account: step.Bond.Account,
		Tier:    step.Bond.Tier,
	}
	switch {
	case err == nil && outcome.Bonded():
		ev.Outcome = OutcomeBonded
		ev.Record = summarize(*outcome.Record)
	case err == nil:
		ev.Outcome = OutcomeInsufficient
		ev.Depths = outcome.Insufficient.Depths
	case validate.IsValidationError(err):
		ev.Outcome = OutcomeRejected
		ev.Code = string(engine.Code(err))
	default:
		ev.Outcome = OutcomeError
		ev.Code = string(engine.Code(err))
	}
	result.Trace = append(result.Trace, ev)

	if step.Expect != nil {
		for _, msg := range checkExpect(step.Expect, ev) {
			result.AddError(fmt.Sprintf("flow[%d]: %s", index, msg))
		}
	}
}

// checkExpect compares a bond trace event with its expect clause.
func checkExpect(want *ExpectClause, ev TraceEvent) []string {
	var errs []string
	if ev.Outcome != want.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s", want.Outcome, ev.Outcome))
		return errs
	}
	if want.Code != "" && ev.Code != want.Code {
		errs = append(errs, fmt.Sprintf("expected code %s, got %s", want.Code, ev.Code))
	}
	if ev.Record == nil {
		return errs
	}
	if want.Index != 0 && ev.Record.Index != want.Index {
		errs = append(errs, fmt.Sprintf("expected index %d, got %d", want.Index, ev.Record.Index))
	}
	if want.Frequency != "" && ev.Record.Frequency != want.Frequency {
		errs = append(errs, fmt.Sprintf("expected frequency %s, got %s", want.Frequency, ev.Record.Frequency))
	}
	if want.AtomicWeight != 0 && ev.Record.AtomicWeight != want.AtomicWeight {
		errs = append(errs, fmt.Sprintf("expected atomic_weight %d, got %d", want.AtomicWeight, ev.Record.AtomicWeight))
	}
	return errs
}

func summarize(rec atom.BondedRecord) *RecordSummary {
	s := &RecordSummary{
		Type:         rec.Type,
		SourceTier:   rec.SourceTier,
		Index:        rec.Index,
		Frequency:    rec.Frequency.String(),
		AtomicWeight: rec.AtomicWeight,
		Sequences:    map[string][]int64{},
	}
	if rec.Indices != nil {
		for lane, seqs := range rec.Indices.Sequences {
			s.Sequences[lane] = append([]int64(nil), seqs...)
		}
		s.Constituents = append([]int64(nil), rec.Indices.Constituents...)
	}
	return s
}

// frequencyText renders a YAML scalar as frequency JSON text.
func frequencyText(v interface{}) string {
	switch f := v.(type) {
	case nil:
		return "null"
	case int:
		return strconv.Itoa(f)
	case float64:
		return strconv.FormatFloat(f, 'f', -1, 64)
	case string:
		return f
	default:
		return fmt.Sprint(f)
	}
}
