package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/testutil"
	"github.com/roach88/atombond/internal/validate"
)

var testTiers = []Tier{
	{Name: "bit", Threshold: 8},
	{Name: "byte", Threshold: 3},
	{Name: "KB", Threshold: 3},
	{Name: "MB", Threshold: 2},
	{Name: "GB"},
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	return New(s, testTiers, opts...), s
}

func TestTryBond_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := store.NewFileStore(t.TempDir(), store.DefaultRetryPolicy)
	e := New(s, []Tier{{Name: "byte", Threshold: 8}, {Name: "KB", Threshold: 1024}, {Name: "MB"}})

	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3, 4, 5, 6, 7, 8)

	out, err := e.TryBond(ctx, "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())

	rec := out.Record
	assert.Equal(t, 24, rec.AtomicWeight)
	assert.Len(t, rec.AtomsUsed, 24)
	assert.Equal(t, "KB", rec.Type)
	assert.Equal(t, "byte", rec.SourceTier)
	assert.Equal(t, int64(1), rec.Index)
	assert.Equal(t, "4.50", rec.Frequency.String())
	assert.Equal(t, "iv-0-1", rec.IV)

	for lane := range 3 {
		assert.Empty(t, testutil.Lane(t, s, "addr1", "byte", lane), "lane %d not trimmed", lane)

		kb := testutil.Lane(t, s, "addr1", "KB", lane)
		require.Len(t, kb, 1)
		assert.Equal(t, lane, kb[0].Lane)
		assert.Equal(t, rec.Index, kb[0].Index)
		assert.Equal(t, rec.Digest, kb[0].Digest, "lane copies share one digest")
	}
}

func TestTryBond_GoldenRecord(t *testing.T) {
	s := store.NewMemStore()
	e := New(s, []Tier{{Name: "byte", Threshold: 2}, {Name: "KB"}}, WithLanes(2))

	testutil.FillLane(t, s, "addr1", "byte", 0, 10, 20)
	testutil.FillLane(t, s, "addr1", "byte", 1, 30, 40)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())

	data, err := atom.CanonicalJSON(*out.Record)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "bonded_record", data)
}

func TestTryBond_FrequencyMean(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 10, 20, 30)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())
	assert.Equal(t, "20.00", out.Record.Frequency.String())
}

func TestTryBond_NonNumericFrequencies(t *testing.T) {
	tests := []struct {
		name  string
		freqs []string
		want  string
	}{
		{"all invalid", []string{`"abc"`, `null`, `"NaN"`}, "0.00"},
		{"invalid ignored", []string{`"abc"`, `10`, `"20"`}, "15.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, s := newTestEngine(t)
			for lane := range 3 {
				atoms := make([]atom.Atom, len(tt.freqs))
				for i, f := range tt.freqs {
					atoms[i] = testutil.NewAtom(lane, i+1, 0)
					atoms[i].Frequency = atom.RawFrequency(f)
				}
				_, err := store.Append(context.Background(), s, atom.LedgerKey{Account: "addr1", Tier: "byte", Lane: lane}, atoms...)
				require.NoError(t, err)
			}

			out, err := e.TryBond(context.Background(), "addr1", "byte")
			require.NoError(t, err)
			require.True(t, out.Bonded())
			assert.Equal(t, tt.want, out.Record.Frequency.String())
		})
	}
}

func TestTryBond_ThresholdBoundary(t *testing.T) {
	t.Run("exactly threshold bonds", func(t *testing.T) {
		e, s := newTestEngine(t)
		testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

		out, err := e.TryBond(context.Background(), "addr1", "byte")
		require.NoError(t, err)
		assert.True(t, out.Bonded())
	})

	t.Run("one lane short", func(t *testing.T) {
		e, s := newTestEngine(t)
		testutil.Fill(t, s, "addr1", "byte", 2, 1, 2, 3)
		testutil.FillLane(t, s, "addr1", "byte", 2, 1, 2)

		out, err := e.TryBond(context.Background(), "addr1", "byte")
		require.NoError(t, err)
		require.False(t, out.Bonded())
		require.NotNil(t, out.Insufficient)
		assert.Equal(t, []int{3, 3, 2}, out.Insufficient.Depths)
		assert.Equal(t, 3, out.Insufficient.Threshold)
		assert.True(t, IsInsufficientAtoms(out.Insufficient))

		assert.Len(t, testutil.Lane(t, s, "addr1", "byte", 0), 3, "nothing consumed")
		assert.Empty(t, testutil.Lane(t, s, "addr1", "KB", 0))
	})

	t.Run("empty lanes", func(t *testing.T) {
		e, _ := newTestEngine(t)
		out, err := e.TryBond(context.Background(), "nobody", "byte")
		require.NoError(t, err)
		require.NotNil(t, out.Insufficient)
		assert.Equal(t, []int{0, 0, 0}, out.Insufficient.Depths)
	})
}

func TestTryBond_SecondCallIsInsufficient(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

	first, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, first.Bonded())

	second, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	assert.False(t, second.Bonded())
	assert.Len(t, testutil.Lane(t, s, "addr1", "KB", 0), 1)
}

func TestTryBond_LeavesSurplusForNextCycle(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3, 4, 5)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())
	assert.Len(t, out.Record.AtomsUsed, 9)

	for lane := range 3 {
		assert.Equal(t, []int64{4, 5}, testutil.Sequences(testutil.Lane(t, s, "addr1", "byte", lane)))
	}

	// 2 left per lane: not enough for another bond.
	again, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	assert.False(t, again.Bonded())
}

func TestTryBond_SelectsBySequenceNotPosition(t *testing.T) {
	e, s := newTestEngine(t)
	for lane := range 3 {
		raw := fmt.Sprintf(`[
			{"frequency": 4, "timestamp": "t4", "iv": "iv-%[1]d-4", "authTag": "a", "sequenceIndex": 4},
			{"frequency": 3, "timestamp": "t3", "iv": "iv-%[1]d-3", "authTag": "a", "sequenceIndex": 3},
			{"frequency": 1, "timestamp": "t1", "iv": "iv-%[1]d-1", "authTag": "a", "sequenceIndex": 1},
			{"frequency": 2, "timestamp": "t2", "iv": "iv-%[1]d-2", "authTag": "a", "sequenceIndex": 2}
		]`, lane)
		s.PutRaw(atom.LedgerKey{Account: "addr1", Tier: "byte", Lane: lane}, []byte(raw))
	}

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())

	assert.Equal(t, []int64{1, 2, 3}, out.Record.Indices.Sequences["lane-0"])
	assert.Equal(t, "2.00", out.Record.Frequency.String())
	assert.Equal(t, "iv-0-1", out.Record.IV, "representative is the oldest atom of lane 0")
	assert.Equal(t, "t1", out.Record.Timestamp)

	for lane := range 3 {
		assert.Equal(t, []int64{4}, testutil.Sequences(testutil.Lane(t, s, "addr1", "byte", lane)))
	}
}

func TestTryBond_ValidationFailureConsumesNothing(t *testing.T) {
	hi := 5.0
	kb := contract.Default("KB")
	kb.Ranges = []contract.Range{{Field: "frequency", Max: &hi}}

	e, s := newTestEngine(t, WithContracts(contract.Set{"KB": kb}))
	testutil.Fill(t, s, "addr1", "byte", 3, 10, 20, 30)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.Error(t, err)
	assert.False(t, out.Bonded())
	assert.True(t, validate.IsValidationError(err))
	assert.Equal(t, CodeValidation, Code(err))

	for lane := range 3 {
		assert.Len(t, testutil.Lane(t, s, "addr1", "byte", lane), 3)
		assert.Empty(t, testutil.Lane(t, s, "addr1", "KB", lane))
	}
	assert.Equal(t, StateIdle, e.State("addr1", "byte"))
}

func TestTryBond_ContractHashAlgorithm(t *testing.T) {
	kb := contract.Default("KB")
	kb.HashAlgorithm = atom.AlgorithmBLAKE3

	e, s := newTestEngine(t, WithContracts(contract.Set{"KB": kb}))
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)

	want, err := atom.Digest(*out.Record, atom.AlgorithmBLAKE3)
	require.NoError(t, err)
	assert.Equal(t, want, out.Record.Digest)
}

func TestTryBond_ConcurrentCallsPromoteOnce(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	bonded := 0
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.TryBond(context.Background(), "addr1", "byte")
			assert.NoError(t, err)
			if out.Bonded() {
				mu.Lock()
				bonded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, bonded)
	for lane := range 3 {
		assert.Len(t, testutil.Lane(t, s, "addr1", "KB", lane), 1)
	}
	assert.Zero(t, e.locks.Len(), "lock entries released")
}

func TestTryBond_CascadesThroughBondedRecords(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	for range 3 {
		testutil.Fill(t, s, "addr1", "byte", 3, 10, 20, 30)
		out, err := e.TryBond(ctx, "addr1", "byte")
		require.NoError(t, err)
		require.True(t, out.Bonded())
	}

	out, err := e.TryBond(ctx, "addr1", "KB")
	require.NoError(t, err)
	require.True(t, out.Bonded())

	rec := out.Record
	assert.Equal(t, "MB", rec.Type)
	assert.Equal(t, "KB", rec.SourceTier)
	assert.Equal(t, int64(1), rec.Index)
	assert.Equal(t, "20.00", rec.Frequency.String())
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3, 1, 2, 3}, rec.Indices.Constituents)
	for _, used := range rec.AtomsUsed {
		assert.Equal(t, "KB", used.Type)
		assert.Nil(t, used.AtomsUsed, "audit copies drop nested constituents")
		assert.NotEmpty(t, used.Digest)
	}
}

func TestTryBond_PromotionIndexFollowsBatches(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3, 4, 5, 6)

	var indices []int64
	for range 2 {
		out, err := e.TryBond(context.Background(), "addr1", "byte")
		require.NoError(t, err)
		require.True(t, out.Bonded())
		indices = append(indices, out.Record.Index)
	}
	assert.Equal(t, []int64{1, 2}, indices)
}

func TestTryBond_StorageFailure(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)
	s.OnLoad = func(key atom.LedgerKey) error {
		if key.Lane == 1 {
			return errors.New("disk on fire")
		}
		return nil
	}

	_, err := e.TryBond(context.Background(), "addr1", "byte")
	require.Error(t, err)
	assert.True(t, store.IsStorageError(err))
	assert.Equal(t, CodeStorage, Code(err))

	s.OnLoad = nil
	assert.Len(t, testutil.Lane(t, s, "addr1", "byte", 0), 3)
}

type flakySink struct {
	mu    sync.Mutex
	fail  bool
	calls []int64
}

func (f *flakySink) RecordPromotion(_ context.Context, _, _ string, rec atom.BondedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec.Index)
	if f.fail {
		return errors.New("audit unavailable")
	}
	return nil
}

func TestTryBond_AuditFailureIsInconsistentThenRecovers(t *testing.T) {
	sink := &flakySink{fail: true}
	e, s := newTestEngine(t, WithAuditSink(sink))
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

	_, err := e.TryBond(context.Background(), "addr1", "byte")
	require.Error(t, err)
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "audit", ce.Stage)
	assert.Equal(t, int64(1), ce.Index)
	assert.Equal(t, CodeConsistency, Code(err))

	// Source untouched, next tier already holds the record.
	assert.Len(t, testutil.Lane(t, s, "addr1", "byte", 0), 3)
	assert.Len(t, testutil.Lane(t, s, "addr1", "KB", 0), 1)

	sink.fail = false
	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())
	assert.Equal(t, int64(1), out.Record.Index)

	for lane := range 3 {
		assert.Empty(t, testutil.Lane(t, s, "addr1", "byte", lane))
		assert.Len(t, testutil.Lane(t, s, "addr1", "KB", lane), 1, "no duplicate on retry")
	}
	assert.Equal(t, []int64{1, 1}, sink.calls)
}

func TestTryBond_PartialTrimRecovers(t *testing.T) {
	e, s := newTestEngine(t)
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2, 3)

	s.OnSave = func(key atom.LedgerKey) error {
		if key.Tier == "byte" && key.Lane == 0 {
			return errors.New("read-only filesystem")
		}
		return nil
	}

	_, err := e.TryBond(context.Background(), "addr1", "byte")
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "trim", ce.Stage)
	s.OnSave = nil

	// Lanes 1 and 2 were trimmed, lane 0 still holds the batch.
	assert.Len(t, testutil.Lane(t, s, "addr1", "byte", 0), 3)
	assert.Empty(t, testutil.Lane(t, s, "addr1", "byte", 1))

	// New atoms arrive on the trimmed lanes; the retry finishes the earlier
	// promotion and leaves them alone.
	testutil.FillLane(t, s, "addr1", "byte", 1, 7, 8, 9)
	testutil.FillLane(t, s, "addr1", "byte", 2, 7, 8, 9)

	out, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())
	assert.Equal(t, "2.00", out.Record.Frequency.String(), "earlier record is kept")

	assert.Empty(t, testutil.Lane(t, s, "addr1", "byte", 0))
	assert.Equal(t, []int64{4, 5, 6}, testutil.Sequences(testutil.Lane(t, s, "addr1", "byte", 1)))
	assert.Len(t, testutil.Lane(t, s, "addr1", "KB", 2), 1)
}

func TestTryBond_RewrittenLanesGetFreshIndex(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	e := New(s, []Tier{{Name: "byte", Threshold: 2}, {Name: "KB", Threshold: 2}, {Name: "MB"}})

	testutil.Fill(t, s, "addr1", "byte", 3, 10, 20)
	first, err := e.TryBond(ctx, "addr1", "byte")
	require.NoError(t, err)
	require.True(t, first.Bonded())
	assert.Equal(t, int64(1), first.Record.Index)

	// A producer rewrites the emptied lanes and restarts its numbering.
	for lane := range 3 {
		atoms := []atom.Atom{testutil.NewAtom(lane, 1, 70), testutil.NewAtom(lane, 2, 80)}
		atoms[0].SequenceIndex = 1
		atoms[1].SequenceIndex = 2
		require.NoError(t, s.Save(ctx, atom.LedgerKey{Account: "addr1", Tier: "byte", Lane: lane}, atoms))
	}

	second, err := e.TryBond(ctx, "addr1", "byte")
	require.NoError(t, err)
	require.True(t, second.Bonded())
	assert.Equal(t, int64(2), second.Record.Index)
	assert.Equal(t, "75.00", second.Record.Frequency.String())

	for lane := range 3 {
		assert.Empty(t, testutil.Lane(t, s, "addr1", "byte", lane))
		kb := testutil.Lane(t, s, "addr1", "KB", lane)
		require.Len(t, kb, 2)
		assert.Equal(t, []int64{1, 2}, []int64{kb[0].Index, kb[1].Index})
	}
}

func TestTryBond_DuplicateSequencesTrimOnlyTheBatch(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)

	for lane := range 3 {
		atoms := make([]atom.Atom, 4)
		for i, seq := range []int64{1, 2, 3, 3} {
			atoms[i] = testutil.NewAtom(lane, i+1, float64(i+1))
			atoms[i].SequenceIndex = seq
		}
		require.NoError(t, s.Save(ctx, atom.LedgerKey{Account: "addr1", Tier: "byte", Lane: lane}, atoms))
	}

	out, err := e.TryBond(ctx, "addr1", "byte")
	require.NoError(t, err)
	require.True(t, out.Bonded())
	assert.Equal(t, "2.00", out.Record.Frequency.String())
	assert.Equal(t, []int64{1, 2, 3}, out.Record.Indices.Sequences[atom.LaneName(0)])

	for lane := range 3 {
		left := testutil.Lane(t, s, "addr1", "byte", lane)
		require.Len(t, left, 1, "lane %d", lane)
		assert.Equal(t, int64(4), left[0].SequenceIndex)
		f, _ := left[0].Frequency.Float()
		assert.Equal(t, 4.0, f)
	}
}

func TestPromote_IndexConflictTouchesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	p := NewPromoter(s, 3, nil, NewKeyedLock())

	held := atom.BondedRecord{
		Frequency:  atom.NewFrequency(15),
		Type:       "KB",
		SourceTier: "byte",
		Index:      1,
		Indices:    &atom.Indices{Sequences: map[string][]int64{atom.LaneName(0): {1, 2}}},
	}
	_, err := store.Append(ctx, s, atom.LedgerKey{Account: "addr1", Tier: "KB", Lane: 0}, held)
	require.NoError(t, err)
	testutil.Fill(t, s, "addr1", "byte", 3, 70, 80)

	rec := held
	rec.Frequency = atom.NewFrequency(75)
	rec.Indices = &atom.Indices{Sequences: map[string][]int64{
		atom.LaneName(0): {3, 4},
		atom.LaneName(1): {1, 2},
		atom.LaneName(2): {1, 2},
	}}

	_, err = p.Promote(ctx, "addr1", "byte", rec)
	require.ErrorIs(t, err, ErrIndexConflict)
	assert.False(t, IsConsistencyError(err))
	assert.Equal(t, CodeConsistency, Code(err))

	assert.Len(t, testutil.Lane(t, s, "addr1", "KB", 0), 1)
	assert.Empty(t, testutil.Lane(t, s, "addr1", "KB", 1))
	for lane := range 3 {
		assert.Len(t, testutil.Lane(t, s, "addr1", "byte", lane), 2)
	}
}

func TestTryBond_RequestErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.TryBond(ctx, "addr1", "PB")
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.Equal(t, CodeInvalidRequest, Code(err))

	_, err = e.TryBond(ctx, "addr1", "GB")
	assert.ErrorIs(t, err, ErrNoNextTier)

	_, err = e.TryBond(ctx, "../etc", "byte")
	assert.ErrorIs(t, err, atom.ErrInvalidAccount)
	assert.Equal(t, CodeInvalidRequest, Code(err))
}

func TestTryBond_StateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	observer := func(account, tier string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	}

	e, s := newTestEngine(t, WithStateObserver(observer))
	testutil.Fill(t, s, "addr1", "byte", 3, 1, 2)

	_, err := e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	assert.Equal(t, []State{StateChecking, StateIdle}, seen)

	seen = nil
	testutil.Fill(t, s, "addr1", "byte", 3, 3)
	_, err = e.TryBond(context.Background(), "addr1", "byte")
	require.NoError(t, err)
	assert.Equal(t, []State{StateChecking, StateBonding, StateValidating, StatePromoting, StateIdle}, seen)
	assert.Equal(t, StateIdle, e.State("addr1", "byte"))
}

func TestAppendAndDepths(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	stored, err := e.Append(ctx, "addr1", "bit", 2, testutil.NewAtom(2, 1, 1), testutil.NewAtom(2, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, testutil.Sequences(stored))
	assert.Equal(t, 2, stored[0].Lane)

	depths, err := e.Depths(ctx, "addr1", "bit")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 2}, depths)

	_, err = e.Append(ctx, "addr1", "bit", 3)
	assert.Error(t, err)
	_, err = e.Append(ctx, "addr1", "PB", 0)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestNext(t *testing.T) {
	e, _ := newTestEngine(t)

	next, ok := e.Next("byte")
	assert.True(t, ok)
	assert.Equal(t, "KB", next.Name)

	_, ok = e.Next("GB")
	assert.False(t, ok)
}
