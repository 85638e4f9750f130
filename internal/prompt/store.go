// Package prompt holds the process-wide pending-confirmation slot.
//
// At most one Prompt exists at a time. Every Set bumps a monotonically
// increasing generation; consumers record the generation they observed and
// side effects are refused when the slot has moved on, so a cancelled or
// superseded Prompt can never produce a late effect.
package prompt

import (
	"sync"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
)

// Update is pushed to watchers whenever the slot changes.
type Update struct {
	Prompt     *domain.Prompt `json:"prompt"` // nil when cleared
	Generation uint64         `json:"generation"`
}

// Store is the single-slot prompt holder.
type Store struct {
	mu         sync.Mutex
	current    *domain.Prompt
	generation uint64
	watchers   map[chan Update]struct{}
}

// NewStore creates an empty prompt store.
func NewStore() *Store {
	return &Store{watchers: make(map[chan Update]struct{})}
}

// Set publishes a new prompt, unconditionally replacing any existing one,
// and returns the new generation.
func (s *Store) Set(p *domain.Prompt) uint64 {
	s.mu.Lock()
	s.generation++
	s.current = p
	gen := s.generation
	s.notifyLocked()
	s.mu.Unlock()
	return gen
}

// Get returns the current prompt, its generation, and whether one is set.
func (s *Store) Get() (*domain.Prompt, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.generation, s.current != nil
}

// Clear empties the slot. The generation still advances so confirmations
// captured against the cleared prompt become stale.
func (s *Store) Clear() {
	s.mu.Lock()
	if s.current != nil {
		s.generation++
		s.current = nil
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// Generation returns the current generation without reading the slot.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Watch registers a watcher channel. Updates are coalescing: a slow watcher
// misses intermediate states but always receives the latest one. Call the
// returned cancel func to unregister.
func (s *Store) Watch() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notifyLocked() {
	u := Update{Prompt: s.current, Generation: s.generation}
	for ch := range s.watchers {
		select {
		case ch <- u:
		default:
			// Drop the stale buffered update and replace it with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
