// Package pipeline runs the tier hierarchy: it turns watcher events,
// cascades and manual requests into serialized bonding attempts.
//
// # Architecture
//
//	watcher.Source ──► ThresholdWatcher ──┐
//	startup sweep ────────────────────────┼──► checkQueue ──► workers ──► engine.TryBond
//	cascade (tier i bonded → tier i+1) ───┘         ▲                          │
//	                                                └──────────────────────────┘
//
// Background checks only log failures and continue. Bond is the manual
// trigger and returns the specific error to its caller.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/validate"
	"github.com/roach88/atombond/internal/watcher"
)

// DefaultWorkers is the number of goroutines draining the check queue.
const DefaultWorkers = 4

// Orchestrator wires the engine to its triggers.
//
// Thread-safety model:
//   - Run: call once
//   - Bond, Enqueue, State, Stats: safe from any goroutine
type Orchestrator struct {
	engine   *engine.Engine
	accounts store.Reader
	source   watcher.Source
	debounce time.Duration
	workers  int
	sweep    bool
	queue    *checkQueue

	checks       atomic.Int64
	bonded       atomic.Int64
	insufficient atomic.Int64
	failed       atomic.Int64
	coalesced    atomic.Int64
}

// Stats counts orchestrator activity.
type Stats struct {
	Checks       int64
	Bonded       int64
	Insufficient int64
	Failed       int64
	Coalesced    int64
	Queued       int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSource sets the change source. Without one, only the sweep,
// cascades and Enqueue produce checks.
func WithSource(src watcher.Source) Option {
	return func(o *Orchestrator) {
		o.source = src
	}
}

// WithDebounce sets the watcher quiet period. Default: watcher.DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.debounce = d
	}
}

// WithWorkers sets the worker count. Default: DefaultWorkers.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithoutSweep skips the startup sweep over existing accounts.
func WithoutSweep() Option {
	return func(o *Orchestrator) {
		o.sweep = false
	}
}

// New creates an Orchestrator. accounts lists existing accounts for the
// startup sweep; it is normally the engine's own store.
func New(e *engine.Engine, accounts store.Reader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   e,
		accounts: accounts,
		debounce: watcher.DefaultDebounce,
		workers:  DefaultWorkers,
		sweep:    true,
		queue:    newCheckQueue(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run sweeps existing accounts, then drains checks until ctx is cancelled.
// Returns nil on cancellation; an error only if the source fails to start.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.queue.Close()

	slog.Info("pipeline started",
		"tiers", len(o.engine.Tiers()),
		"lanes", o.engine.Lanes(),
		"workers", o.workers,
		"event", "pipeline_started",
	)

	if o.sweep {
		o.sweepAccounts(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if o.source != nil {
		w := watcher.New(o.source, o.debounce)
		g.Go(func() error {
			err := w.Run(gctx, func(tier, account string) {
				o.Enqueue(account, tier)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	for range o.workers {
		g.Go(func() error {
			o.work(gctx)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("pipeline stopped",
		"checks", o.checks.Load(),
		"bonded", o.bonded.Load(),
		"event", "pipeline_stopped",
	)
	return err
}

// Enqueue requests a background check of (account, tier). Tiers that
// cannot bond are ignored. Returns false if the check was not queued.
func (o *Orchestrator) Enqueue(account, tier string) bool {
	if _, ok := o.engine.Next(tier); !ok {
		return false
	}
	name, err := atom.NormalizeAccount(account)
	if err != nil {
		slog.Warn("ignoring check for invalid account",
			"account", account,
			"tier", tier,
			"error", err,
			"event", "check_ignored",
		)
		return false
	}

	added, open := o.queue.Enqueue(Check{Account: name, Tier: tier})
	if !added && open {
		o.coalesced.Add(1)
	}
	return added
}

// Bond runs one bonding attempt synchronously and, on success, queues
// checks of the same tier and the next one. Returns *engine.InsufficientAtoms when
// any lane is below threshold; otherwise the engine's error unchanged.
func (o *Orchestrator) Bond(ctx context.Context, account, tier string) (atom.BondedRecord, error) {
	return o.attempt(ctx, Check{Account: account, Tier: tier})
}

// State returns the state of (account, tier).
func (o *Orchestrator) State(account, tier string) engine.State {
	return o.engine.State(account, tier)
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Checks:       o.checks.Load(),
		Bonded:       o.bonded.Load(),
		Insufficient: o.insufficient.Load(),
		Failed:       o.failed.Load(),
		Coalesced:    o.coalesced.Load(),
		Queued:       o.queue.Len(),
	}
}

// Engine returns the underlying engine.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		if c, ok := o.queue.TryDequeue(); ok {
			o.process(ctx, c)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-o.queue.Wait():
			if !ok {
				return
			}
		}
	}
}

// process runs a background check. Errors are logged, never returned.
func (o *Orchestrator) process(ctx context.Context, c Check) {
	_, err := o.attempt(ctx, c)
	switch {
	case err == nil, engine.IsInsufficientAtoms(err):
	case ctx.Err() != nil:
	case validate.IsValidationError(err):
		slog.Warn("bonding check rejected",
			"account", c.Account,
			"tier", c.Tier,
			"error", err,
			"event", "check_rejected",
		)
	default:
		slog.Error("bonding check failed",
			"account", c.Account,
			"tier", c.Tier,
			"code", string(engine.Code(err)),
			"error", err,
			"event", "check_failed",
		)
	}
}

func (o *Orchestrator) attempt(ctx context.Context, c Check) (atom.BondedRecord, error) {
	o.checks.Add(1)

	outcome, err := o.engine.TryBond(ctx, c.Account, c.Tier)
	if err != nil {
		o.failed.Add(1)
		return atom.BondedRecord{}, err
	}
	if !outcome.Bonded() {
		o.insufficient.Add(1)
		return atom.BondedRecord{}, outcome.Insufficient
	}

	o.bonded.Add(1)
	rec := *outcome.Record

	// The source tier may hold another full batch; the next tier may now
	// have one.
	o.Enqueue(c.Account, c.Tier)
	if o.Enqueue(c.Account, rec.Type) {
		slog.Debug("cascade check queued",
			"account", c.Account,
			"tier", rec.Type,
			"event", "cascade_enqueued",
		)
	}
	return rec, nil
}

// sweepAccounts queues a check for every existing account at every tier
// that can bond.
func (o *Orchestrator) sweepAccounts(ctx context.Context) {
	queued := 0
	for _, t := range o.engine.Tiers() {
		if _, ok := o.engine.Next(t.Name); !ok {
			continue
		}
		accounts, err := o.accounts.Accounts(ctx, t.Name)
		if err != nil {
			slog.Error("startup sweep failed",
				"tier", t.Name,
				"error", err,
				"event", "sweep_failed",
			)
			continue
		}
		for _, account := range accounts {
			if o.Enqueue(account, t.Name) {
				queued++
			}
		}
	}
	slog.Info("startup sweep complete",
		"queued", queued,
		"event", "sweep_enqueued",
	)
}
