package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
)

// AuditSink records completed promotions. Any error fails the promotion.
// Implementations must acknowledge a repeated (account, tier, index) without
// error so retried promotions can complete.
type AuditSink interface {
	RecordPromotion(ctx context.Context, account, tier string, rec atom.BondedRecord) error
}

// NopSink acknowledges every promotion without recording it.
type NopSink struct{}

// RecordPromotion implements AuditSink.
func (NopSink) RecordPromotion(context.Context, string, string, atom.BondedRecord) error {
	return nil
}

// Promoter commits validated records to the next tier and trims the
// consumed atoms from the source tier.
type Promoter struct {
	store store.Store
	lanes int
	sink  AuditSink
	locks *KeyedLock
}

// NewPromoter creates a Promoter. The lock set must be the one guarding
// the source tier so the next tier's lanes are appended under its lock.
func NewPromoter(s store.Store, lanes int, sink AuditSink, locks *KeyedLock) *Promoter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Promoter{store: s, lanes: lanes, sink: sink, locks: locks}
}

// Promote commits rec, bonded from the lanes of (account, tier), and returns
// the record as committed.
//
// Steps run in order: build (append a lane-tagged copy to each next-tier
// lane), audit, trim. When an earlier attempt already wrote a record with
// the same index to the next tier, that record is completed instead of rec:
// missing lane copies are added and its own constituents are trimmed. The
// earlier record must have consumed the same lane 0 atoms as rec, otherwise
// Promote fails with ErrIndexConflict before touching anything.
//
// Errors before anything reaches the next tier leave no visible effect.
// Errors after that are returned as *ConsistencyError.
func (p *Promoter) Promote(ctx context.Context, account, tier string, rec atom.BondedRecord) (atom.BondedRecord, error) {
	if rec.Indices == nil {
		return rec, fmt.Errorf("promote %s/%s: record has no indices", account, tier)
	}

	committed, touched, err := p.build(ctx, account, rec)
	if err != nil {
		if touched {
			return committed, p.inconsistent(account, tier, committed, "build", err)
		}
		return committed, err
	}

	if err := p.sink.RecordPromotion(ctx, account, tier, committed); err != nil {
		return committed, p.inconsistent(account, tier, committed, "audit", err)
	}

	if err := p.trim(ctx, account, tier, committed); err != nil {
		return committed, p.inconsistent(account, tier, committed, "trim", err)
	}
	return committed, nil
}

// build appends rec to every next-tier lane that does not already hold it.
// touched reports whether the next tier holds the record on any lane.
func (p *Promoter) build(ctx context.Context, account string, rec atom.BondedRecord) (atom.BondedRecord, bool, error) {
	next := rec.Type
	unlock := p.locks.Lock(ledgerLockKey(account, next))
	defer unlock()

	ledgers := make([][]atom.Atom, p.lanes)
	committed := rec
	found := false
	for lane := range p.lanes {
		atoms, err := p.store.Load(ctx, atom.LedgerKey{Account: account, Tier: next, Lane: lane})
		if err != nil {
			return rec, false, err
		}
		ledgers[lane] = atoms

		if prev, ok := findPromotion(atoms, rec); ok && !found {
			if !sameLeadBatch(prev, rec) {
				return rec, false, fmt.Errorf("%w: %s %s index %d already holds another batch",
					ErrIndexConflict, account, next, rec.Index)
			}
			committed = prev
			committed.Lane = 0
			committed.SequenceIndex = 0
			found = true
		}
	}
	if found {
		slog.Warn("resuming partial promotion",
			"account", account,
			"tier", rec.SourceTier,
			"index", rec.Index,
			"event", "promotion_resumed",
		)
	}

	touched := found
	for lane := range p.lanes {
		if _, ok := findPromotion(ledgers[lane], committed); ok {
			continue
		}
		copied := committed
		copied.SequenceIndex = 0
		key := atom.LedgerKey{Account: account, Tier: next, Lane: lane}
		if _, err := store.Append(ctx, p.store, key, copied); err != nil {
			return committed, touched, err
		}
		touched = true
	}
	return committed, touched, nil
}

// trim removes the record's constituents from the source lanes. Lane 0 goes
// last: a retry derives the promotion index from lane 0, so it must keep
// the batch until every other lane is trimmed.
func (p *Promoter) trim(ctx context.Context, account, tier string, rec atom.BondedRecord) error {
	for lane := p.lanes - 1; lane >= 0; lane-- {
		consumed := make(map[int64]bool)
		for _, seq := range rec.Indices.Sequences[atom.LaneName(lane)] {
			consumed[seq] = true
		}

		key := atom.LedgerKey{Account: account, Tier: tier, Lane: lane}
		atoms, err := p.store.Load(ctx, key)
		if err != nil {
			return err
		}
		kept := slices.DeleteFunc(slices.Clone(atoms), func(a atom.Atom) bool {
			return consumed[a.SequenceIndex]
		})
		if len(kept) == len(atoms) {
			continue
		}
		if err := p.store.Save(ctx, key, kept); err != nil {
			return err
		}
	}
	return nil
}

func (p *Promoter) inconsistent(account, tier string, rec atom.BondedRecord, stage string, err error) error {
	slog.Error("promotion left incomplete",
		"account", account,
		"tier", tier,
		"index", rec.Index,
		"stage", stage,
		"error", err,
		"event", "promotion_inconsistent",
	)
	return &ConsistencyError{Account: account, Tier: tier, Index: rec.Index, Stage: stage, Err: err}
}

// findPromotion returns the atom in a next-tier lane that carries the same
// promotion as rec.
func findPromotion(atoms []atom.Atom, rec atom.BondedRecord) (atom.Atom, bool) {
	for _, a := range atoms {
		if a.Type == rec.Type && a.SourceTier == rec.SourceTier && a.Index == rec.Index {
			return a, true
		}
	}
	return atom.Atom{}, false
}

// sameLeadBatch reports whether prev consumed the lane 0 atoms rec selected.
// Lane 0 is trimmed last, so a promotion being resumed still finds its own
// lane 0 batch; other lanes may already hold newer atoms.
func sameLeadBatch(prev, rec atom.BondedRecord) bool {
	if prev.Indices == nil || rec.Indices == nil {
		return false
	}
	lane := atom.LaneName(0)
	return slices.Equal(prev.Indices.Sequences[lane], rec.Indices.Sequences[lane])
}
