package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/validate"
)

// ErrorCode categorizes bonding failures.
type ErrorCode string

const (
	// CodeInsufficientAtoms means a lane is below threshold ("not yet").
	CodeInsufficientAtoms ErrorCode = "INSUFFICIENT_ATOMS"

	// CodeValidation means the candidate was rejected by its contract.
	CodeValidation ErrorCode = "VALIDATION_FAILED"

	// CodeStorage means a ledger load or save failed after retries.
	CodeStorage ErrorCode = "STORAGE_FAILED"

	// CodeConsistency means a promotion stopped after writing to the next tier
	// or found its index taken by a record of other atoms.
	CodeConsistency ErrorCode = "CONSISTENCY_VIOLATION"

	// CodeInvalidRequest covers unknown tiers, last tiers and bad accounts.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// CodeInternal is everything else.
	CodeInternal ErrorCode = "INTERNAL"
)

var (
	// ErrUnknownTier is returned for tier names outside the hierarchy.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrNoNextTier is returned when bonding the last tier of the hierarchy.
	ErrNoNextTier = errors.New("tier has no next tier")

	// ErrIndexConflict is returned when the next tier already holds a record
	// with the candidate's promotion index that was bonded from other atoms.
	// Nothing is written.
	ErrIndexConflict = errors.New("promotion index already used")
)

// InsufficientAtoms reports that at least one lane is below threshold.
//
// TryBond returns it inside an Outcome, not as an error. It implements
// error so manual triggers can surface it.
type InsufficientAtoms struct {
	Account   string `json:"account"`
	Tier      string `json:"tier"`
	Threshold int    `json:"threshold"`

	// Depths holds the atom count of each lane.
	Depths []int `json:"depths"`
}

func (e *InsufficientAtoms) Error() string {
	return fmt.Sprintf("%s: %s/%s needs %d atoms per lane, have %v",
		CodeInsufficientAtoms, e.Account, e.Tier, e.Threshold, e.Depths)
}

// ConsistencyError reports a promotion that wrote to the next tier but did
// not finish. The next trigger completes it.
type ConsistencyError struct {
	Account string
	Tier    string
	Index   int64

	// Stage is the step that failed: "build", "audit" or "trim".
	Stage string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: promotion %s/%s index %d stopped at %s: %v",
		CodeConsistency, e.Account, e.Tier, e.Index, e.Stage, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

// IsInsufficientAtoms returns true if err is an InsufficientAtoms report.
func IsInsufficientAtoms(err error) bool {
	var ia *InsufficientAtoms
	return errors.As(err, &ia)
}

// IsConsistencyError returns true if err wraps a ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// Code returns the most specific code for err.
// Consistency is checked first because it may wrap a storage failure.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case IsConsistencyError(err), errors.Is(err, ErrIndexConflict):
		return CodeConsistency
	case IsInsufficientAtoms(err):
		return CodeInsufficientAtoms
	case validate.IsValidationError(err):
		return CodeValidation
	case store.IsStorageError(err):
		return CodeStorage
	case errors.Is(err, ErrUnknownTier), errors.Is(err, ErrNoNextTier), errors.Is(err, atom.ErrInvalidAccount):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}
