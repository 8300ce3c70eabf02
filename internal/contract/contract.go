// Package contract holds the per-tier rules a bonded record must satisfy
// before it is promoted, and compiles them from CUE.
package contract

import (
	"fmt"
	"sort"
)

// FieldType names the JSON type a required field must have.
type FieldType string

const (
	TypeNumber  FieldType = "number"
	TypeString  FieldType = "string"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeBoolean FieldType = "boolean"
	TypeAny     FieldType = "any"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeNumber, TypeString, TypeArray, TypeObject, TypeBoolean, TypeAny:
		return true
	}
	return false
}

// Field is one required field.
type Field struct {
	Name string
	Type FieldType
}

// Range bounds a numeric field. Nil bounds are open.
type Range struct {
	Field string
	Min   *float64
	Max   *float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// String renders the range as "[min, max]".
func (r Range) String() string {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = fmt.Sprintf("%g", *r.Min)
	}
	if r.Max != nil {
		hi = fmt.Sprintf("%g", *r.Max)
	}
	return fmt.Sprintf("[%s, %s]", lo, hi)
}

// Cardinality declares how many constituents a record must carry.
// Zero values mean "take it from the pipeline configuration".
type Cardinality struct {
	PerLane int
	Lanes   int
}

// Contract governs bonded records of one tier.
//
// Contracts are read-only once compiled; the engine only ever passes them by
// value.
type Contract struct {
	// Tier is the record type this contract applies to.
	Tier           string
	RequiredFields []Field
	HashAlgorithm  string
	Cardinality    Cardinality
	Ranges         []Range
}

// WithCardinality returns a copy whose undeclared cardinality is filled in.
func (c Contract) WithCardinality(perLane, lanes int) Contract {
	if c.Cardinality.PerLane == 0 {
		c.Cardinality.PerLane = perLane
	}
	if c.Cardinality.Lanes == 0 {
		c.Cardinality.Lanes = lanes
	}
	return c
}

// Default returns the built-in contract used when a tier declares none.
func Default(tier string) Contract {
	return Contract{
		Tier: tier,
		RequiredFields: []Field{
			{Name: "type", Type: TypeString},
			{Name: "index", Type: TypeNumber},
			{Name: "frequency", Type: TypeNumber},
			{Name: "timestamp", Type: TypeString},
			{Name: "atomicWeight", Type: TypeNumber},
			{Name: "atomsUsed", Type: TypeArray},
		},
	}
}

// Set maps tier names to contracts.
type Set map[string]Contract

// For returns the contract for a tier, falling back to Default.
func (s Set) For(tier string) Contract {
	if c, ok := s[tier]; ok {
		return c
	}
	return Default(tier)
}

// Tiers returns the tiers with declared contracts, sorted.
func (s Set) Tiers() []string {
	tiers := make([]string, 0, len(s))
	for t := range s {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers
}
