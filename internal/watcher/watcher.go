package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period after which a burst of events for
// one (tier, account) becomes a single check.
const DefaultDebounce = 250 * time.Millisecond

// CheckFunc receives settled checks. It runs on the watcher goroutine and
// must not block; the orchestrator only enqueues.
type CheckFunc func(tier, account string)

// ThresholdWatcher debounces a Source into bonding checks.
type ThresholdWatcher struct {
	source Source
	window time.Duration

	mu      sync.Mutex
	pending map[string]pendingCheck
	stats   Stats
}

type pendingCheck struct {
	tier    string
	account string
	last    time.Time
}

// Stats counts watcher activity.
type Stats struct {
	AccountsCreated int
	LanesModified   int
	ChecksFired     int
}

// New creates a watcher. A non-positive window uses DefaultDebounce.
func New(source Source, window time.Duration) *ThresholdWatcher {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &ThresholdWatcher{
		source:  source,
		window:  window,
		pending: make(map[string]pendingCheck),
	}
}

// Run subscribes to the source and fires check once per settled burst per
// (tier, account). Blocks until ctx is cancelled or the source ends; when
// the source ends on its own, pending checks are flushed first. A source
// that ends because ctx was cancelled flushes nothing and Run returns
// ctx.Err().
func (w *ThresholdWatcher) Run(ctx context.Context, check CheckFunc) error {
	events, err := w.source.Watch(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				w.flush(time.Time{}, check)
				return nil
			}
			w.observe(ev)

		case now := <-ticker.C:
			w.flush(now, check)
		}
	}
}

// Stats returns a snapshot of the counters.
func (w *ThresholdWatcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *ThresholdWatcher) tickInterval() time.Duration {
	tick := min(100*time.Millisecond, w.window/2)
	return max(tick, time.Millisecond)
}

func (w *ThresholdWatcher) observe(ev ChangeEvent) {
	slog.Debug("ledger change observed",
		"tier", ev.Tier,
		"account", ev.Account,
		"kind", ev.Kind.String(),
		"event", "ledger_change",
	)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Kind {
	case KindAccountCreated:
		w.stats.AccountsCreated++
	case KindLaneModified:
		w.stats.LanesModified++
	}
	w.pending[ev.key()] = pendingCheck{tier: ev.Tier, account: ev.Account, last: time.Now()}
}

// flush fires every check that has been quiet for the window. A zero now
// flushes everything.
func (w *ThresholdWatcher) flush(now time.Time, check CheckFunc) {
	w.mu.Lock()
	var ready []pendingCheck
	for key, p := range w.pending {
		if now.IsZero() || now.Sub(p.last) >= w.window {
			ready = append(ready, p)
			delete(w.pending, key)
		}
	}
	w.stats.ChecksFired += len(ready)
	w.mu.Unlock()

	for _, p := range ready {
		check(p.tier, p.account)
	}
}
