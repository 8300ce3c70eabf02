// Package validate checks candidate bonded records against tier contracts.
//
// Rules run in a fixed order and stop at the first failure:
//
//  1. structural: every required field is present with its declared type
//  2. cardinality: each lane contributed exactly the declared count
//  3. ranges: declared numeric ranges hold
//  4. integrity: the record digest matches its content
//  5. policy: each registered PolicyCheck, in registration order
//
// Validation is a pure function of the record and contract; the record is
// never modified.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
)

// Rule names reported in ValidationError.
const (
	RuleStructural  = "structural"
	RuleCardinality = "cardinality"
	RuleRange       = "range"
	RuleIntegrity   = "integrity"
	RulePolicy      = "policy"
)

// ValidationError reports the first rule a candidate failed.
type ValidationError struct {
	Tier   string
	Rule   string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s record rejected by %s rule on %q: %s", e.Tier, e.Rule, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s record rejected by %s rule: %s", e.Tier, e.Rule, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PolicyCheck is a pluggable tier policy.
type PolicyCheck interface {
	Check(rec atom.BondedRecord) error
}

// PolicyFunc adapts a function to PolicyCheck.
type PolicyFunc func(rec atom.BondedRecord) error

// Check implements PolicyCheck.
func (f PolicyFunc) Check(rec atom.BondedRecord) error {
	return f(rec)
}

// Validator is the integrity validator.
type Validator struct {
	checks []PolicyCheck
}

// New returns a Validator running the given policy checks after the
// contract rules.
func New(checks ...PolicyCheck) *Validator {
	return &Validator{checks: append([]PolicyCheck(nil), checks...)}
}

// Validate returns nil or a *ValidationError.
func (v *Validator) Validate(rec atom.BondedRecord, c contract.Contract) error {
	tier := c.Tier
	if tier == "" {
		tier = rec.Type
	}
	fail := func(rule, field, reason string, err error) error {
		return &ValidationError{Tier: tier, Rule: rule, Field: field, Reason: reason, Err: err}
	}

	fields, err := recordFields(rec)
	if err != nil {
		return fail(RuleStructural, "", "record cannot be encoded", err)
	}

	for _, f := range c.RequiredFields {
		val, ok := fields[f.Name]
		if !ok {
			return fail(RuleStructural, f.Name, "required field missing", nil)
		}
		if got := jsonType(val); !typeMatches(f.Type, got) {
			return fail(RuleStructural, f.Name, fmt.Sprintf("expected %s, got %s", f.Type, got), nil)
		}
	}

	if reason, ok := checkCardinality(rec, c.Cardinality); !ok {
		return fail(RuleCardinality, "atomsUsed", reason, nil)
	}

	for _, r := range c.Ranges {
		num, ok := fields[r.Field].(json.Number)
		if !ok {
			return fail(RuleRange, r.Field, "field is not numeric", nil)
		}
		f, err := num.Float64()
		if err != nil {
			return fail(RuleRange, r.Field, "field is not numeric", err)
		}
		if !r.Contains(f) {
			return fail(RuleRange, r.Field, fmt.Sprintf("%g outside %s", f, r), nil)
		}
	}

	if rec.Digest == "" {
		return fail(RuleIntegrity, "digest", "digest missing", nil)
	}
	want, err := atom.Digest(rec, c.HashAlgorithm)
	if err != nil {
		return fail(RuleIntegrity, "digest", "digest cannot be computed", err)
	}
	if want != rec.Digest {
		return fail(RuleIntegrity, "digest", "digest does not match record content", nil)
	}

	for i, check := range v.checks {
		if err := check.Check(rec); err != nil {
			return fail(RulePolicy, "", fmt.Sprintf("check %d: %v", i, err), err)
		}
	}
	return nil
}

// checkCardinality verifies lock-step consumption: PerLane atoms from each
// of Lanes lanes and nothing else. Zero-valued bounds are not checked.
func checkCardinality(rec atom.BondedRecord, card contract.Cardinality) (string, bool) {
	if card.PerLane == 0 || card.Lanes == 0 {
		return "", true
	}
	want := card.PerLane * card.Lanes
	if len(rec.AtomsUsed) != want {
		return fmt.Sprintf("expected %d constituents, got %d", want, len(rec.AtomsUsed)), false
	}
	if rec.AtomicWeight != want {
		return fmt.Sprintf("atomicWeight %d does not match %d constituents", rec.AtomicWeight, want), false
	}

	perLane := make(map[int]int, card.Lanes)
	for _, a := range rec.AtomsUsed {
		if a.Lane < 0 || a.Lane >= card.Lanes {
			return fmt.Sprintf("constituent from unknown lane %d", a.Lane), false
		}
		perLane[a.Lane]++
	}
	for lane := 0; lane < card.Lanes; lane++ {
		if perLane[lane] != card.PerLane {
			return fmt.Sprintf("lane %d contributed %d constituents, expected %d", lane, perLane[lane], card.PerLane), false
		}
	}
	return "", true
}

// recordFields decodes the record's JSON form with numbers kept as json.Number.
func recordFields(rec atom.BondedRecord) (map[string]any, error) {
	data, err := json.Marshal(rec)
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

func jsonType(v any) contract.FieldType {
	switch v.(type) {
	case json.Number:
		return contract.TypeNumber
	case string:
		return contract.TypeString
	case []any:
		return contract.TypeArray
	case map[string]any:
		return contract.TypeObject
	case bool:
		return contract.TypeBoolean
	default:
		return "null"
	}
}

func typeMatches(want, got contract.FieldType) bool {
	if want == contract.TypeAny {
		return got != "null"
	}
	return want == got
}
