package config

import (
	"context"
	"sync"
)

// Store holds the live settings value. The settings screen writes through
// Update, long-lived tasks follow changes through Watch.
type Store struct {
	mu       sync.Mutex
	settings Settings

	subs map[chan Settings]struct{}
}

func NewStore(initial Settings) *Store {
	return &Store{settings: initial, subs: map[chan Settings]struct{}{}}
}

func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update replaces the settings atomically and notifies watchers.
func (s *Store) Update(fn func(Settings) Settings) {
	s.mu.Lock()
	s.settings = fn(s.settings)
	next := s.settings

	for ch := range s.subs {
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

// Watch returns a latest-wins channel of settings snapshots, starting with
// the current value. Closed when ctx ends.
func (s *Store) Watch(ctx context.Context) <-chan Settings {
	ch := make(chan Settings, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.settings
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
