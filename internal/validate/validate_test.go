package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
)

// buildRecord returns a well-formed KB record with perLane atoms from each lane.
func buildRecord(t *testing.T, perLane, lanes int, alg string) atom.BondedRecord {
	t.Helper()
	rec := atom.BondedRecord{
		Frequency:    atom.FormatFrequency(20),
		Timestamp:    "2024-01-01T00:00:00Z",
		IV:           "iv",
		AuthTag:      "tag",
		Type:         "KB",
		Index:        1,
		SourceTier:   "byte",
		AtomicWeight: perLane * lanes,
		Indices:      &atom.Indices{Sequences: map[string][]int64{}},
	}
	for lane := 0; lane < lanes; lane++ {
		for i := 1; i <= perLane; i++ {
			rec.AtomsUsed = append(rec.AtomsUsed, atom.Atom{
				Frequency:     atom.NewFrequency(float64(i * 10)),
				Lane:          lane,
				SequenceIndex: int64(i),
			})
			name := atom.LaneName(lane)
			rec.Indices.Sequences[name] = append(rec.Indices.Sequences[name], int64(i))
		}
	}
	return sign(t, rec, alg)
}

func sign(t *testing.T, rec atom.BondedRecord, alg string) atom.BondedRecord {
	t.Helper()
	d, err := atom.Digest(rec, alg)
	require.NoError(t, err)
	rec.Digest = d
	return rec
}

func kbContract() contract.Contract {
	return contract.Default("KB").WithCardinality(3, 3)
}

func ruleOf(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	return ve
}

func TestValidate_AcceptsWellFormedRecord(t *testing.T) {
	v := New(UniqueConstituents, SingleSourceTier)
	assert.NoError(t, v.Validate(buildRecord(t, 3, 3, ""), kbContract()))
}

func TestValidate_StructuralMissingField(t *testing.T) {
	c := kbContract()
	c.RequiredFields = append(c.RequiredFields, contract.Field{Name: "placement", Type: contract.TypeString})

	ve := ruleOf(t, New().Validate(buildRecord(t, 3, 3, ""), c))
	assert.Equal(t, RuleStructural, ve.Rule)
	assert.Equal(t, "placement", ve.Field)
	assert.Contains(t, ve.Error(), "required field missing")
}

func TestValidate_StructuralWrongType(t *testing.T) {
	c := kbContract()
	c.RequiredFields = []contract.Field{{Name: "timestamp", Type: contract.TypeNumber}}

	ve := ruleOf(t, New().Validate(buildRecord(t, 3, 3, ""), c))
	assert.Equal(t, RuleStructural, ve.Rule)
	assert.Equal(t, "expected number, got string", ve.Reason)
}

func TestValidate_Cardinality(t *testing.T) {
	rec := buildRecord(t, 3, 3, "")

	t.Run("short lane", func(t *testing.T) {
		bad := rec
		bad.AtomsUsed = append([]atom.Atom(nil), rec.AtomsUsed[1:]...)
		bad.AtomsUsed = append(bad.AtomsUsed, atom.Atom{Lane: 1, SequenceIndex: 9})
		bad = sign(t, bad, "")

		ve := ruleOf(t, New().Validate(bad, kbContract()))
		assert.Equal(t, RuleCardinality, ve.Rule)
		assert.Contains(t, ve.Reason, "lane 0 contributed 2")
	})

	t.Run("wrong total", func(t *testing.T) {
		bad := rec
		bad.AtomsUsed = rec.AtomsUsed[:8]
		bad = sign(t, bad, "")

		ve := ruleOf(t, New().Validate(bad, kbContract()))
		assert.Equal(t, RuleCardinality, ve.Rule)
	})

	t.Run("atomic weight mismatch", func(t *testing.T) {
		bad := rec
		bad.AtomicWeight = 8
		bad = sign(t, bad, "")

		ve := ruleOf(t, New().Validate(bad, kbContract()))
		assert.Equal(t, RuleCardinality, ve.Rule)
		assert.Contains(t, ve.Reason, "atomicWeight")
	})
}

func TestValidate_Range(t *testing.T) {
	lo, hi := 0.0, 10.0
	c := kbContract()
	c.Ranges = []contract.Range{{Field: "frequency", Min: &lo, Max: &hi}}

	ve := ruleOf(t, New().Validate(buildRecord(t, 3, 3, ""), c))
	assert.Equal(t, RuleRange, ve.Rule)
	assert.Equal(t, "frequency", ve.Field)
	assert.Equal(t, "20 outside [0, 10]", ve.Reason)

	c.Ranges = []contract.Range{{Field: "timestamp", Min: &lo}}
	ve = ruleOf(t, New().Validate(buildRecord(t, 3, 3, ""), c))
	assert.Equal(t, "field is not numeric", ve.Reason)
}

func TestValidate_Integrity(t *testing.T) {
	rec := buildRecord(t, 3, 3, "")

	tampered := rec
	tampered.Index = 2
	ve := ruleOf(t, New().Validate(tampered, kbContract()))
	assert.Equal(t, RuleIntegrity, ve.Rule)

	unsigned := rec
	unsigned.Digest = ""
	ve = ruleOf(t, New().Validate(unsigned, kbContract()))
	assert.Equal(t, "digest missing", ve.Reason)

	// A record signed with sha256 fails a contract that declares blake3.
	c := kbContract()
	c.HashAlgorithm = atom.AlgorithmBLAKE3
	ve = ruleOf(t, New().Validate(rec, c))
	assert.Equal(t, RuleIntegrity, ve.Rule)
	assert.NoError(t, New().Validate(buildRecord(t, 3, 3, atom.AlgorithmBLAKE3), c))
}

func TestValidate_PolicyChecksRunInOrder(t *testing.T) {
	var calls []string
	first := PolicyFunc(func(atom.BondedRecord) error {
		calls = append(calls, "first")
		return errors.New("too cold")
	})
	second := PolicyFunc(func(atom.BondedRecord) error {
		calls = append(calls, "second")
		return nil
	})

	err := New(first, second).Validate(buildRecord(t, 3, 3, ""), kbContract())
	ve := ruleOf(t, err)
	assert.Equal(t, RulePolicy, ve.Rule)
	assert.Contains(t, ve.Reason, "too cold")
	assert.Equal(t, []string{"first"}, calls, "validation short-circuits on the first failing rule")
}

func TestValidate_ShortCircuitsBeforePolicy(t *testing.T) {
	called := false
	spy := PolicyFunc(func(atom.BondedRecord) error {
		called = true
		return nil
	})

	rec := buildRecord(t, 3, 3, "")
	rec.Digest = "deadbeef"
	_ = New(spy).Validate(rec, kbContract())
	assert.False(t, called)
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	rec := buildRecord(t, 3, 3, "")
	before, err := atom.CanonicalJSON(rec)
	require.NoError(t, err)

	_ = New(UniqueConstituents).Validate(rec, kbContract())

	after, err := atom.CanonicalJSON(rec)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUniqueConstituents(t *testing.T) {
	rec := buildRecord(t, 3, 3, "")
	assert.NoError(t, UniqueConstituents.Check(rec))

	rec.AtomsUsed[1].SequenceIndex = rec.AtomsUsed[0].SequenceIndex
	assert.Error(t, UniqueConstituents.Check(rec))
}

func TestSingleSourceTier(t *testing.T) {
	rec := buildRecord(t, 3, 3, "")
	assert.NoError(t, SingleSourceTier.Check(rec))

	rec.AtomsUsed[4].Type = "byte"
	assert.Error(t, SingleSourceTier.Check(rec))
}

func TestIsValidationError(t *testing.T) {
	err := New().Validate(atom.BondedRecord{Type: "KB"}, kbContract())
	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(errors.New("other")))
}
