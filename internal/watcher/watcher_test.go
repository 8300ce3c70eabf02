package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects fired checks.
type recorder struct {
	mu     sync.Mutex
	checks []string
}

func (r *recorder) check(tier, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, tier+"/"+account)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.checks...)
}

// startWatcher runs w until the test ends and returns the recorder.
func startWatcher(t *testing.T, w *ThresholdWatcher) *recorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, rec.check) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return rec
}

func TestThresholdWatcher_DebouncesBurstPerAccount(t *testing.T) {
	src := NewChanSource()
	w := New(src, 30*time.Millisecond)
	rec := startWatcher(t, w)
	require.Eventually(t, func() bool { return src.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for lane := range 10 {
		src.Emit(ChangeEvent{Tier: "byte", Account: "addr1", Kind: KindLaneModified, Lane: lane % 3})
	}
	src.Emit(ChangeEvent{Tier: "byte", Account: "addr2", Kind: KindAccountCreated, Lane: -1})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.ElementsMatch(t, []string{"byte/addr1", "byte/addr2"}, rec.snapshot())
	assert.Equal(t, Stats{AccountsCreated: 1, LanesModified: 10, ChecksFired: 2}, w.Stats())
}

func TestThresholdWatcher_SeparateBurstsFireSeparately(t *testing.T) {
	src := NewChanSource()
	rec := startWatcher(t, New(src, 20*time.Millisecond))
	require.Eventually(t, func() bool { return src.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	src.Emit(ChangeEvent{Tier: "KB", Account: "addr1", Kind: KindLaneModified})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	src.Emit(ChangeEvent{Tier: "KB", Account: "addr1", Kind: KindLaneModified})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestThresholdWatcher_SameAccountDifferentTiers(t *testing.T) {
	src := NewChanSource()
	rec := startWatcher(t, New(src, 20*time.Millisecond))
	require.Eventually(t, func() bool { return src.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	src.Emit(ChangeEvent{Tier: "byte", Account: "addr1", Kind: KindLaneModified})
	src.Emit(ChangeEvent{Tier: "KB", Account: "addr1", Kind: KindLaneModified})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"byte/addr1", "KB/addr1"}, rec.snapshot())
}

// finiteSource emits a fixed list of events and ends.
type finiteSource struct {
	events []ChangeEvent
}

func (s finiteSource) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestThresholdWatcher_FlushesWhenSourceEnds(t *testing.T) {
	src := finiteSource{events: []ChangeEvent{
		{Tier: "byte", Account: "addr1", Kind: KindLaneModified},
		{Tier: "byte", Account: "addr1", Kind: KindLaneModified},
	}}
	rec := &recorder{}

	err := New(src, time.Hour).Run(context.Background(), rec.check)
	require.NoError(t, err)
	assert.Equal(t, []string{"byte/addr1"}, rec.snapshot())
}

func TestThresholdWatcher_CancelledSourceDoesNotFlush(t *testing.T) {
	src := finiteSource{events: []ChangeEvent{
		{Tier: "byte", Account: "addr1", Kind: KindLaneModified},
	}}
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(src, time.Hour).Run(ctx, rec.check)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.snapshot())
}

func TestThresholdWatcher_ChanSourceStopsOnCancel(t *testing.T) {
	src := NewChanSource()
	w := New(src, time.Hour)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, rec.check) }()
	require.Eventually(t, func() bool { return src.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	src.Emit(ChangeEvent{Tier: "byte", Account: "addr1", Kind: KindLaneModified})
	require.Eventually(t, func() bool { return w.Stats().LanesModified == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Empty(t, rec.snapshot(), "pending checks are dropped on cancel")
}

type failingSource struct{}

func (failingSource) Watch(context.Context) (<-chan ChangeEvent, error) {
	return nil, errors.New("no inotify")
}

func TestThresholdWatcher_SourceError(t *testing.T) {
	err := New(failingSource{}, 0).Run(context.Background(), func(string, string) {})
	assert.EqualError(t, err, "no inotify")
}

func TestChanSource_Restartable(t *testing.T) {
	src := NewChanSource()

	for range 2 {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := src.Watch(ctx)
		require.NoError(t, err)

		src.Emit(ChangeEvent{Tier: "byte", Account: "addr1", Kind: KindAccountCreated})
		assert.Equal(t, "addr1", (<-ch).Account)

		cancel()
		_, open := <-ch
		assert.False(t, open)
	}
	assert.Zero(t, src.Subscribers())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "account_created", KindAccountCreated.String())
	assert.Equal(t, "lane_modified", KindLaneModified.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
