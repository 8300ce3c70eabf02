package contract

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/atombond/internal/atom"
)

// CompileError reports a contract that cannot be compiled.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Compile parses a CUE value into a Contract. The tier name is taken from
// the value's last path selector, e.g. the value at `contract.KB`.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`contract: KB: { requiredFields: { index: "number" } }`)
//	c, err := Compile(v.LookupPath(cue.ParsePath("contract.KB")))
func Compile(v cue.Value) (*Contract, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	c := &Contract{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		c.Tier = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	if c.RequiredFields, err = parseRequiredFields(v, c.Tier); err != nil {
		return nil, err
	}

	if hv := v.LookupPath(cue.ParsePath("hashAlgorithm")); hv.Exists() {
		alg, err := hv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if !atom.SupportedAlgorithm(alg) {
			return nil, &CompileError{
				Field:   "hashAlgorithm",
				Message: fmt.Sprintf("unsupported algorithm %q (want %s or %s)", alg, atom.AlgorithmSHA256, atom.AlgorithmBLAKE3),
				Pos:     hv.Pos(),
			}
		}
		c.HashAlgorithm = strings.ToLower(alg)
	}

	if c.Cardinality, err = parseCardinality(v); err != nil {
		return nil, err
	}

	if c.Ranges, err = parseRanges(v); err != nil {
		return nil, err
	}

	return c, nil
}

// parseRequiredFields falls back to the default field list when the
// contract declares none.
func parseRequiredFields(v cue.Value, tier string) ([]Field, error) {
	fv := v.LookupPath(cue.ParsePath("requiredFields"))
	if !fv.Exists() {
		return Default(tier).RequiredFields, nil
	}

	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []Field
	for iter.Next() {
		name := iter.Label()
		typ, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		ft := FieldType(typ)
		if !ft.Valid() {
			return nil, &CompileError{
				Field:   "requiredFields." + name,
				Message: fmt.Sprintf("unknown type %q", typ),
				Pos:     iter.Value().Pos(),
			}
		}
		fields = append(fields, Field{Name: name, Type: ft})
	}
	return fields, nil
}

func parseCardinality(v cue.Value) (Cardinality, error) {
	var card Cardinality
	cv := v.LookupPath(cue.ParsePath("cardinality"))
	if !cv.Exists() {
		return card, nil
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{{"perLane", &card.PerLane}, {"lanes", &card.Lanes}} {
		name := f.name
		nv := cv.LookupPath(cue.ParsePath(name))
		if !nv.Exists() {
			continue
		}
		n, err := nv.Int64()
		if err != nil {
			return card, formatCUEError(err)
		}
		if n <= 0 {
			return card, &CompileError{
				Field:   "cardinality." + name,
				Message: "must be positive",
				Pos:     nv.Pos(),
			}
		}
		*f.dst = int(n)
	}
	return card, nil
}

func parseRanges(v cue.Value) ([]Range, error) {
	rv := v.LookupPath(cue.ParsePath("ranges"))
	if !rv.Exists() {
		return nil, nil
	}

	iter, err := rv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var ranges []Range
	for iter.Next() {
		r := Range{Field: iter.Label()}
		bound := func(name string) (*float64, error) {
			bv := iter.Value().LookupPath(cue.ParsePath(name))
			if !bv.Exists() {
				return nil, nil
			}
			f, err := bv.Float64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			return &f, nil
		}
		if r.Min, err = bound("min"); err != nil {
			return nil, err
		}
		if r.Max, err = bound("max"); err != nil {
			return nil, err
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return nil, &CompileError{
				Field:   "ranges." + r.Field,
				Message: fmt.Sprintf("min %g exceeds max %g", *r.Min, *r.Max),
				Pos:     iter.Value().Pos(),
			}
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
