package atom

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// LedgerKey addresses a single lane ledger.
type LedgerKey struct {
	Account string
	Tier    string
	Lane    int
}

// String returns "account/tier/lane-N".
func (k LedgerKey) String() string {
	return fmt.Sprintf("%s/%s/lane-%d", k.Account, k.Tier, k.Lane)
}

// Atom is one record in a lane ledger.
//
// Atoms written by producers only carry the first six fields. Atoms that
// were produced by bonding (see BondedRecord) also carry Type through
// Digest.
type Atom struct {
	Frequency     Frequency `json:"frequency"`
	Timestamp     string    `json:"timestamp"`
	IV            string    `json:"iv"`
	AuthTag       string    `json:"authTag"`
	Lane          int       `json:"lane"`
	SequenceIndex int64     `json:"sequenceIndex,omitempty"`

	Type         string   `json:"type,omitempty"`
	Index        int64    `json:"index,omitempty"`
	SourceTier   string   `json:"sourceTier,omitempty"`
	AtomicWeight int      `json:"atomicWeight,omitempty"`
	AtomsUsed    []Atom   `json:"atomsUsed,omitempty"`
	Indices      *Indices `json:"indices,omitempty"`
	Digest       string   `json:"digest,omitempty"`
}

// BondedRecord is an Atom produced by bonding threshold*K lower-tier atoms.
type BondedRecord = Atom

// Indices holds the cross-reference lists of a BondedRecord.
type Indices struct {
	// Sequences maps "lane-N" to the consumed sequence indices of that lane.
	Sequences map[string][]int64 `json:"sequences"`

	// Constituents lists the promotion index of every consumed atom that was
	// itself a bonded record, in consumption order.
	Constituents []int64 `json:"constituents,omitempty"`
}

// IsBonded reports whether the atom was produced by bonding.
func (a Atom) IsBonded() bool {
	return a.Type != ""
}

// AuditCopy returns a copy suitable for a parent's AtomsUsed list.
// Nested AtomsUsed are dropped; the constituent's Digest still commits to them.
func (a Atom) AuditCopy() Atom {
	c := a
	c.AtomsUsed = nil
	if a.Indices != nil {
		idx := Indices{
			Sequences:    make(map[string][]int64, len(a.Indices.Sequences)),
			Constituents: append([]int64(nil), a.Indices.Constituents...),
		}
		for k, v := range a.Indices.Sequences {
			idx.Sequences[k] = append([]int64(nil), v...)
		}
		c.Indices = &idx
	}
	return c
}

// LaneName returns the name used for a lane in files and Indices.
func LaneName(lane int) string {
	return fmt.Sprintf("lane-%d", lane)
}

// ErrInvalidAccount is returned for account names that cannot name a directory.
var ErrInvalidAccount = errors.New("invalid account name")

// NormalizeAccount NFC-normalizes an account name and rejects names that are
// empty, dot-prefixed, or contain path separators.
func NormalizeAccount(account string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(account))
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidAccount)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: %q starts with a dot", ErrInvalidAccount, name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidAccount, name)
	}
	return name, nil
}
