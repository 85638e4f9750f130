// Package convo owns the active peer conversation: its in-memory message
// list, the persisted cache for the designated agent peer, and the delayed
// reply timers scoped to the conversation's lifetime.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/store"
)

// Store manages exactly one active conversation at a time. Switching peers
// discards the in-memory state; only the agent peer's history is persisted.
type Store struct {
	repo         store.Repository
	agentAddress string

	mu         sync.Mutex
	active     *domain.Conversation
	generation uint64
	timers     map[*time.Timer]struct{}
	onAppend   func(domain.Message)
}

// OnAppend registers fn to run after every successful Append. Used to push
// message events to UI listeners. Set once during wiring, before use.
func (s *Store) OnAppend(fn func(domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

// NewStore creates a conversation store backed by repo. Persistence is
// restricted to conversations with agentAddress.
func NewStore(repo store.Repository, agentAddress string) *Store {
	return &Store{
		repo:         repo,
		agentAddress: agentAddress,
		timers:       make(map[*time.Timer]struct{}),
	}
}

// Reset makes peer the active conversation, discarding any previous
// in-memory state and cancelling outstanding reply timers so delayed replies
// cannot leak into the new conversation.
func (s *Store) Reset(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.active = &domain.Conversation{PeerAddress: peer}
}

// Peer returns the active conversation's peer address, or "" if none.
func (s *Store) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.PeerAddress
}

// Messages returns a copy of the active conversation's message list.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return append([]domain.Message(nil), s.active.Messages...)
}

// Load returns the persisted cache for peer. Only the designated agent
// peer's history is ever cached; any other peer yields an empty list. This
// guards against leaking one peer's history into another peer's view.
func (s *Store) Load(ctx context.Context, peer string) ([]domain.Message, error) {
	if peer != s.agentAddress {
		return nil, nil
	}
	msgs, err := s.repo.GetConversation(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("load cached conversation: %w", err)
	}
	return msgs, nil
}

// Merge deduplicates two message lists by id (last write wins) and returns
// the result ascending by SentAt.
func (s *Store) Merge(stored, live []domain.Message) []domain.Message {
	return domain.MergeMessages(stored, live)
}

// SetMessages replaces the active conversation's message list wholesale and
// writes through to the persisted cache when the peer is the agent.
func (s *Store) SetMessages(ctx context.Context, msgs []domain.Message) {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return
	}
	s.active.Messages = msgs
	peer := s.active.PeerAddress
	snapshot := append([]domain.Message(nil), msgs...)
	s.mu.Unlock()

	s.Persist(ctx, peer, snapshot)
}

// Append adds a message to the active conversation, keeping ascending SentAt
// order. It is idempotent: a message whose id is already present is a no-op.
// Messages not involving the active peer are dropped. Returns whether the
// message was appended.
func (s *Store) Append(ctx context.Context, msg domain.Message) bool {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return false
	}
	// A message belongs here only if it involves the active peer. Late
	// deliveries from a previous conversation's stream are rejected rather
	// than leaked into the new peer's view.
	if msg.SenderAddress != s.active.PeerAddress && msg.RecipientAddress != s.active.PeerAddress {
		s.mu.Unlock()
		return false
	}
	if domain.ContainsID(s.active.Messages, msg.ID) {
		s.mu.Unlock()
		return false
	}

	// Insert in SentAt order; the common case appends at the tail.
	msgs := s.active.Messages
	pos := len(msgs)
	for pos > 0 && msg.SentAt.Before(msgs[pos-1].SentAt) {
		pos--
	}
	msgs = append(msgs, domain.Message{})
	copy(msgs[pos+1:], msgs[pos:])
	msgs[pos] = msg
	s.active.Messages = msgs

	peer := s.active.PeerAddress
	snapshot := append([]domain.Message(nil), msgs...)
	notify := s.onAppend
	s.mu.Unlock()

	s.Persist(ctx, peer, snapshot)
	if notify != nil {
		notify(msg)
	}
	return true
}

// Persist overwrites the cache slot wholesale, but only for the agent peer;
// writes for any other peer are silently skipped.
func (s *Store) Persist(ctx context.Context, peer string, msgs []domain.Message) {
	if peer != s.agentAddress {
		return
	}
	if err := s.repo.SaveConversation(ctx, peer, msgs); err != nil {
		slog.Warn("Failed to persist conversation cache", "peer", peer, "error", err)
	}
}

// ScheduleReply runs fn after delay, scoped to the current conversation.
// If the conversation is reset before the timer fires, fn never runs.
func (s *Store) ScheduleReply(delay time.Duration, fn func()) {
	s.mu.Lock()
	gen := s.generation
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := gen != s.generation
		delete(s.timers, timer)
		s.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
}
