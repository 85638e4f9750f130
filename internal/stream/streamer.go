// Package stream reconciles a peer conversation across the persisted cache
// and the live relay feed, and dispatches agent-directed messages to the
// responder.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/relay"
)

// Handler consumes agent-directed messages. Implemented by agent.Responder.
type Handler interface {
	Handle(ctx context.Context, peer, rawText string)
}

var (
	// ErrPeerUnreachable is returned when the relay reports the peer cannot
	// be messaged.
	ErrPeerUnreachable = errors.New("peer is not reachable on the network")

	// ErrNoConversation is returned by Send before any conversation started.
	ErrNoConversation = errors.New("no active conversation")
)

// Service owns the active conversation lifecycle: starting a conversation
// with a peer, merging cached and live history, and running the stream loop.
type Service struct {
	transport     relay.Transport
	conversations *convo.Store
	responder     Handler
	agentAddress  string
	logger        *slog.Logger

	mu     sync.Mutex
	active relay.PeerConversation
	cancel context.CancelFunc // stops the previous stream loop
}

// NewService creates the conversation service.
func NewService(transport relay.Transport, conversations *convo.Store, responder Handler, agentAddress string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transport:     transport,
		conversations: conversations,
		responder:     responder,
		agentAddress:  agentAddress,
		logger:        logger,
	}
}

// StartConversation makes peer the active conversation: it verifies
// reachability, resets in-memory state, merges the persisted cache with the
// relay's history, and starts the live stream loop. Any previously running
// stream is stopped. If the live stream later fails, it is not restarted;
// calling StartConversation again begins a fresh one.
func (s *Service) StartConversation(ctx context.Context, peer string) error {
	ok, err := s.transport.CanMessage(ctx, peer)
	if err != nil {
		return fmt.Errorf("check peer reachability: %w", err)
	}
	if !ok {
		return ErrPeerUnreachable
	}

	conv, err := s.transport.NewConversation(ctx, peer)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	// Stop the previous stream before the old conversation is discarded so a
	// message still in flight on it cannot land in the new peer's view.
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.active = nil
	s.mu.Unlock()

	// Switching peers discards the previous in-memory conversation; the
	// persisted cache for the agent peer survives.
	s.conversations.Reset(peer)

	stored, err := s.conversations.Load(ctx, peer)
	if err != nil {
		// A broken cache degrades to live history only.
		s.logger.Warn("Cache load failed, continuing without it", "peer", peer, "error", err)
		stored = nil
	}
	live, err := conv.Messages(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversation history: %w", err)
	}
	s.conversations.SetMessages(ctx, s.conversations.Merge(stored, live))

	streamCtx, cancel := context.WithCancel(context.Background())
	ch, err := conv.StreamMessages(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open message stream: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.active = conv
	s.mu.Unlock()

	go s.runLoop(streamCtx, peer, ch)
	s.logger.Info("Conversation started", "peer", peer, "history", len(live), "cached", len(stored))
	return nil
}

// Send publishes text from the user into the active conversation and appends
// it locally. Messages addressed to the agent are also dispatched to the
// responder, mirroring the stream path.
func (s *Service) Send(ctx context.Context, text string) (domain.Message, error) {
	s.mu.Lock()
	conv := s.active
	s.mu.Unlock()
	if conv == nil {
		return domain.Message{}, ErrNoConversation
	}

	msg, err := conv.Send(ctx, text)
	if err != nil {
		return domain.Message{}, err
	}
	s.conversations.Append(ctx, msg)
	if msg.RecipientAddress == s.agentAddress {
		go s.responder.Handle(context.Background(), msg.SenderAddress, msg.Content)
	}
	return msg, nil
}

// Stop terminates the running stream loop, if any.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.active = nil
	s.mu.Unlock()
}

// runLoop pulls messages until the stream terminates. Dispatch to the
// responder is fire-and-forget: the loop awaits the next message immediately,
// so agent replies may interleave out of strict causal order with
// fast-incoming peer messages. That is a deliberate latency/throughput
// trade-off carried over from the original design.
func (s *Service) runLoop(ctx context.Context, peer string, ch <-chan domain.Message) {
	for msg := range ch {
		appended := s.conversations.Append(ctx, msg)
		if !appended {
			continue
		}
		if msg.RecipientAddress == s.agentAddress {
			go s.responder.Handle(context.Background(), msg.SenderAddress, msg.Content)
		}
	}
	// Closed channel means the transport ended the stream (error or normal
	// close). No automatic reconnection: live updates stop until the caller
	// starts the conversation again.
	s.logger.Warn("Message stream terminated", "peer", peer)
}
