package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
)

// FSSource watches <root>/<tier>/ for new account directories and
// <root>/<tier>/<account>/lane-N.json for writes.
//
// Ledger saves land by renaming a dot-prefixed temp file over the lane
// file, which shows up as a Create of the lane file; temp and cursor files
// are ignored.
type FSSource struct {
	root  string
	tiers []string
}

// NewFSSource creates a source for the given tiers under root.
func NewFSSource(root string, tiers []string) *FSSource {
	return &FSSource{root: root, tiers: append([]string(nil), tiers...)}
}

// Watch implements Source. Tier directories are created if missing.
func (s *FSSource) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	for _, tier := range s.tiers {
		dir := filepath.Join(s.root, tier)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.Close()
			return nil, fmt.Errorf("create tier dir %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := w.Add(filepath.Join(dir, entry.Name())); err != nil {
				slog.Warn("account directory not watched",
					"tier", tier,
					"account", entry.Name(),
					"error", err,
					"event", "watch_add_failed",
				)
			}
		}
	}

	out := make(chan ChangeEvent, 64)
	go s.run(ctx, w, out)
	return out, nil
}

// run is the main event loop for one subscription.
func (s *FSSource) run(ctx context.Context, w *fsnotify.Watcher, out chan<- ChangeEvent) {
	defer close(out)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			ev, ok := s.classify(w, event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("fs watcher error", "root", s.root, "error", err, "event", "watch_error")
		}
	}
}

// classify maps a filesystem event to a change event.
func (s *FSSource) classify(w *fsnotify.Watcher, event fsnotify.Event) (ChangeEvent, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return ChangeEvent{}, false
	}

	rel, err := filepath.Rel(s.root, event.Name)
	if err != nil {
		return ChangeEvent{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch len(parts) {
	case 2:
		// <tier>/<account>
		if !event.Has(fsnotify.Create) {
			return ChangeEvent{}, false
		}
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return ChangeEvent{}, false
		}
		account, err := atom.NormalizeAccount(parts[1])
		if err != nil {
			return ChangeEvent{}, false
		}
		if err := w.Add(event.Name); err != nil {
			slog.Warn("account directory not watched",
				"tier", parts[0],
				"account", account,
				"error", err,
				"event", "watch_add_failed",
			)
		}
		return ChangeEvent{Tier: parts[0], Account: account, Kind: KindAccountCreated, Lane: -1}, true

	case 3:
		// <tier>/<account>/lane-N.json
		lane, ok := store.ParseLaneFile(parts[2])
		if !ok {
			return ChangeEvent{}, false
		}
		account, err := atom.NormalizeAccount(parts[1])
		if err != nil {
			return ChangeEvent{}, false
		}
		return ChangeEvent{Tier: parts[0], Account: account, Kind: KindLaneModified, Lane: lane}, true
	}
	return ChangeEvent{}, false
}
