package watcher

import (
	"context"
	"sync"
)

// ChanSource is a Source fed by Emit. Tests and manual triggers use it to
// inject synthetic events.
//
// Thread-safety: all methods are safe for concurrent use.
type ChanSource struct {
	mu   sync.Mutex
	subs map[chan ChangeEvent]<-chan struct{}
}

// NewChanSource creates a ChanSource with no subscribers.
func NewChanSource() *ChanSource {
	return &ChanSource{subs: make(map[chan ChangeEvent]<-chan struct{})}
}

// Watch implements Source.
func (s *ChanSource) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 64)

	s.mu.Lock()
	s.subs[ch] = ctx.Done()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Emit delivers ev to every current subscriber. It blocks while a
// subscriber's buffer is full, until that subscription ends.
func (s *ChanSource) Emit(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, done := range s.subs {
		select {
		case ch <- ev:
		case <-done:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *ChanSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
