package state

import (
	"context"
	"sync"
)

// Store coordinates concurrent access to the player state. All mutation goes
// through Update so that the scheduler, user actions, the progress ticker and
// the thumbnail callbacks never observe a torn state.
type Store struct {
	mu    sync.Mutex
	state PlayerState

	subs map[chan PlayerState]struct{}
}

func NewStore() *Store {
	return &Store{subs: map[chan PlayerState]struct{}{}}
}

// Get returns the current state value.
func (s *Store) Get() PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn atomically and notifies watchers. fn receives a copy and
// must return the full next state.
func (s *Store) Update(fn func(PlayerState) PlayerState) {
	s.mu.Lock()
	s.state = fn(s.state)
	next := s.state

	for ch := range s.subs {
		// latest-wins: drop the stale pending value if the watcher is slow
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	s.mu.Unlock()
}

// Watch returns a channel receiving state snapshots, starting with the
// current one. Slow consumers only ever miss intermediate values, never the
// latest. The channel is closed when ctx ends.
func (s *Store) Watch(ctx context.Context) <-chan PlayerState {
	ch := make(chan PlayerState, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.state
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}
