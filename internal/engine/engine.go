package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/validate"
)

// DefaultLanes is the number of parallel lanes per (account, tier).
const DefaultLanes = 3

// Tier is one level of the hierarchy. A tier with a non-positive threshold,
// or the last tier, never bonds.
type Tier struct {
	Name      string
	Threshold int
}

// Outcome is the result of a bonding attempt: exactly one field is set.
type Outcome struct {
	Record       *atom.BondedRecord
	Insufficient *InsufficientAtoms
}

// Bonded reports whether the attempt promoted a record.
func (o Outcome) Bonded() bool {
	return o.Record != nil
}

// Engine is the bonding engine.
//
// Thread-safety model:
//   - TryBond, Append, Depths: safe from any goroutine; serialized per
//     (account, tier)
//   - State: safe from any goroutine
//
// INVARIANTS:
//   - atoms are never consumed unless a promotion commits
//   - a record consumes exactly threshold atoms from each of the K lanes
//   - consumed atoms are the oldest per lane by sequence index
type Engine struct {
	store     store.Store
	tiers     []Tier
	lanes     int
	contracts contract.Set
	validator *validate.Validator
	sink      AuditSink
	locks     *KeyedLock
	states    *stateTable
	promoter  *Promoter
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLanes sets the lane count K. Default: DefaultLanes.
func WithLanes(k int) EngineOption {
	return func(e *Engine) {
		e.lanes = k
	}
}

// WithContracts sets the contracts keyed by record type. Tiers without a
// contract are validated with contract.Default.
func WithContracts(set contract.Set) EngineOption {
	return func(e *Engine) {
		e.contracts = set
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *validate.Validator) EngineOption {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithAuditSink sets the promotion audit sink. Default: NopSink.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithStateObserver registers a callback for state transitions.
func WithStateObserver(fn StateObserver) EngineOption {
	return func(e *Engine) {
		e.states.observer = fn
	}
}

// New creates an Engine over the ordered tier list.
//
// The tiers slice is copied to prevent external mutation of the hierarchy.
func New(s store.Store, tiers []Tier, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     s,
		tiers:     slices.Clone(tiers),
		lanes:     DefaultLanes,
		contracts: contract.Set{},
		validator: validate.New(validate.UniqueConstituents, validate.SingleSourceTier),
		sink:      NopSink{},
		locks:     NewKeyedLock(),
		states:    newStateTable(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.promoter = NewPromoter(e.store, e.lanes, e.sink, e.locks)
	return e
}

// Tiers returns a copy of the hierarchy.
func (e *Engine) Tiers() []Tier {
	return slices.Clone(e.tiers)
}

// Lanes returns K.
func (e *Engine) Lanes() int {
	return e.lanes
}

// Next returns the tier above tier, if tier can bond.
func (e *Engine) Next(tier string) (Tier, bool) {
	_, next, err := e.hop(tier)
	return next, err == nil
}

// State returns the current state of (account, tier).
func (e *Engine) State(account, tier string) State {
	if name, err := atom.NormalizeAccount(account); err == nil {
		account = name
	}
	return e.states.get(account, tier)
}

// TryBond runs one bonding attempt, consuming atoms from tier's lanes and
// promoting the bonded record to the next tier.
//
// Returns an Outcome with Insufficient set when any lane is below
// threshold; this is not an error. Errors are *validate.ValidationError
// (nothing consumed), *store.StorageError (nothing consumed),
// *ConsistencyError (next tier written, trim pending), ErrUnknownTier or
// ErrNoNextTier.
func (e *Engine) TryBond(ctx context.Context, account, tier string) (Outcome, error) {
	account, err := atom.NormalizeAccount(account)
	if err != nil {
		return Outcome{}, err
	}
	src, next, err := e.hop(tier)
	if err != nil {
		return Outcome{}, err
	}

	unlock := e.locks.Lock(ledgerLockKey(account, src.Name))
	defer unlock()

	e.states.set(account, src.Name, StateChecking)
	defer e.states.set(account, src.Name, StateIdle)

	lanes, err := e.loadLanes(ctx, account, src.Name)
	if err != nil {
		return Outcome{}, err
	}

	depths := make([]int, len(lanes))
	short := false
	for i, atoms := range lanes {
		depths[i] = len(atoms)
		if len(atoms) < src.Threshold {
			short = true
		}
	}
	if short {
		slog.Debug("not enough atoms to bond",
			"account", account,
			"tier", src.Name,
			"threshold", src.Threshold,
			"depths", depths,
			"event", "bond_insufficient",
		)
		return Outcome{Insufficient: &InsufficientAtoms{
			Account:   account,
			Tier:      src.Name,
			Threshold: src.Threshold,
			Depths:    depths,
		}}, nil
	}

	e.states.set(account, src.Name, StateBonding)
	rec := buildCandidate(src, next, selectBatch(lanes, src.Threshold))
	c := e.contracts.For(next.Name).WithCardinality(src.Threshold, e.lanes)
	if rec.Digest, err = atom.Digest(rec, c.HashAlgorithm); err != nil {
		return Outcome{}, fmt.Errorf("sign %s record: %w", next.Name, err)
	}

	e.states.set(account, src.Name, StateValidating)
	if err := e.validator.Validate(rec, c); err != nil {
		slog.Warn("bonded record rejected",
			"account", account,
			"tier", src.Name,
			"index", rec.Index,
			"error", err,
			"event", "bond_rejected",
		)
		return Outcome{}, err
	}

	e.states.set(account, src.Name, StatePromoting)
	committed, err := e.promoter.Promote(ctx, account, src.Name, rec)
	if err != nil {
		return Outcome{}, err
	}

	slog.Info("atoms bonded",
		"account", account,
		"tier", src.Name,
		"next_tier", next.Name,
		"index", committed.Index,
		"atomic_weight", committed.AtomicWeight,
		"frequency", committed.Frequency.String(),
		"event", "bond_promoted",
	)
	return Outcome{Record: &committed}, nil
}

// Append writes atoms to the end of a lane under the (account, tier) lock.
func (e *Engine) Append(ctx context.Context, account, tier string, lane int, atoms ...atom.Atom) ([]atom.Atom, error) {
	account, err := atom.NormalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if _, ok := e.tier(tier); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if lane < 0 || lane >= e.lanes {
		return nil, fmt.Errorf("lane %d outside [0, %d)", lane, e.lanes)
	}

	unlock := e.locks.Lock(ledgerLockKey(account, tier))
	defer unlock()

	return store.Append(ctx, e.store, atom.LedgerKey{Account: account, Tier: tier, Lane: lane}, atoms...)
}

// Depths returns the atom count of each lane of (account, tier).
func (e *Engine) Depths(ctx context.Context, account, tier string) ([]int, error) {
	account, err := atom.NormalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if _, ok := e.tier(tier); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	unlock := e.locks.Lock(ledgerLockKey(account, tier))
	defer unlock()

	lanes, err := e.loadLanes(ctx, account, tier)
	if err != nil {
		return nil, err
	}
	depths := make([]int, len(lanes))
	for i, atoms := range lanes {
		depths[i] = len(atoms)
	}
	return depths, nil
}

func (e *Engine) tier(name string) (int, bool) {
	for i, t := range e.tiers {
		if t.Name == name {
			return i, true
		}
	}
	return -1, false
}

// hop resolves a source tier and the tier it bonds into.
func (e *Engine) hop(name string) (src, next Tier, err error) {
	i, ok := e.tier(name)
	if !ok {
		return Tier{}, Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	if i == len(e.tiers)-1 || e.tiers[i].Threshold <= 0 {
		return Tier{}, Tier{}, fmt.Errorf("%w: %q", ErrNoNextTier, name)
	}
	return e.tiers[i], e.tiers[i+1], nil
}

// loadLanes reads the K lanes of (account, tier) in parallel. The caller
// holds the (account, tier) lock, so the result is a consistent snapshot.
func (e *Engine) loadLanes(ctx context.Context, account, tier string) ([][]atom.Atom, error) {
	lanes := make([][]atom.Atom, e.lanes)

	g, gctx := errgroup.WithContext(ctx)
	for lane := range e.lanes {
		g.Go(func() error {
			atoms, err := e.store.Load(gctx, atom.LedgerKey{Account: account, Tier: tier, Lane: lane})
			if err != nil {
				return err
			}
			lanes[lane] = atoms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lanes, nil
}

// selectBatch returns the oldest threshold atoms of each lane by sequence
// index, whatever their position in the ledger.
func selectBatch(lanes [][]atom.Atom, threshold int) [][]atom.Atom {
	batch := make([][]atom.Atom, len(lanes))
	for i, atoms := range lanes {
		sorted := slices.Clone(atoms)
		slices.SortStableFunc(sorted, func(a, b atom.Atom) int {
			return cmp.Compare(a.SequenceIndex, b.SequenceIndex)
		})
		batch[i] = sorted[:threshold]
	}
	return batch
}
