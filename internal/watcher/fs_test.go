package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
)

// nextEvent waits for the first event matching want.
func nextEvent(t *testing.T, ch <-chan ChangeEvent, want func(ChangeEvent) bool) ChangeEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if want(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func drain(ch <-chan ChangeEvent) {
	for range ch {
	}
}

func TestFSSource_NewAccountThenLaneWrite(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := NewFSSource(root, []string{"byte", "KB"}).Watch(ctx)
	require.NoError(t, err)
	defer drain(ch)
	defer cancel()

	require.NoError(t, os.Mkdir(filepath.Join(root, "byte", "addr1"), 0o755))
	ev := nextEvent(t, ch, func(ev ChangeEvent) bool { return ev.Kind == KindAccountCreated })
	assert.Equal(t, ChangeEvent{Tier: "byte", Account: "addr1", Kind: KindAccountCreated, Lane: -1}, ev)

	s := store.NewFileStore(root, store.DefaultRetryPolicy)
	_, err = store.Append(ctx, s, atom.LedgerKey{Account: "addr1", Tier: "byte", Lane: 2}, atom.Atom{Frequency: atom.NewFrequency(1)})
	require.NoError(t, err)

	ev = nextEvent(t, ch, func(ev ChangeEvent) bool { return ev.Kind == KindLaneModified })
	assert.Equal(t, "byte", ev.Tier)
	assert.Equal(t, "addr1", ev.Account)
	assert.Equal(t, 2, ev.Lane)
}

func TestFSSource_WatchesExistingAccounts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "KB", "addr0"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewFSSource(root, []string{"KB"}).Watch(ctx)
	require.NoError(t, err)
	defer drain(ch)
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(root, "KB", "addr0", "lane-0.json"), []byte("[]"), 0o644))

	ev := nextEvent(t, ch, func(ev ChangeEvent) bool { return ev.Kind == KindLaneModified })
	assert.Equal(t, "addr0", ev.Account)
	assert.Equal(t, 0, ev.Lane)
}

func TestFSSource_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewFSSource(t.TempDir(), []string{"bit"}).Watch(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestFSSource_Classify(t *testing.T) {
	root := t.TempDir()
	src := NewFSSource(root, []string{"byte"})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "byte", "addr1"), 0o755))

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"lane file", "byte/addr1/lane-1.json", true},
		{"cursor file", "byte/addr1/.cursor.json", false},
		{"temp file", "byte/addr1/.lane-1.json.tmp123", false},
		{"other file", "byte/addr1/notes.txt", false},
		{"tier dir", "byte", false},
		{"too deep", "byte/addr1/x/lane-1.json", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestFSWatcher(t)
			_, ok := src.classify(w, fsnotifyWrite(filepath.Join(root, tt.path)))
			assert.Equal(t, tt.want, ok)
		})
	}
}
