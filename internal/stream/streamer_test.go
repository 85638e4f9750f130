package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/relay"
)

const (
	agentAddr = "0xagent0000000000000000000000000000000001"
	peerAddr  = "0xpeer00000000000000000000000000000000002"
)

type memRepo struct {
	mu    sync.Mutex
	saved map[string][]domain.Message
}

func newMemRepo() *memRepo { return &memRepo{saved: map[string][]domain.Message{}} }

func (m *memRepo) GetConversation(_ context.Context, peer string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.saved[peer]...), nil
}

func (m *memRepo) SaveConversation(_ context.Context, peer string, msgs []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[peer] = append([]domain.Message(nil), msgs...)
	return nil
}

func (m *memRepo) DeleteConversation(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, peer)
	return nil
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) Close() error               { return nil }

// fakeTransport scripts the relay collaborator.
type fakeTransport struct {
	reachable bool
	history   []domain.Message
	streamed  chan domain.Message
	sent      []string
}

func (f *fakeTransport) CanMessage(_ context.Context, peer string) (bool, error) {
	return f.reachable, nil
}

func (f *fakeTransport) NewConversation(_ context.Context, peer string) (relay.PeerConversation, error) {
	return &fakeConversation{transport: f, peer: peer}, nil
}

type fakeConversation struct {
	transport *fakeTransport
	peer      string
}

func (c *fakeConversation) Peer() string { return c.peer }

func (c *fakeConversation) Messages(context.Context) ([]domain.Message, error) {
	return c.transport.history, nil
}

func (c *fakeConversation) StreamMessages(ctx context.Context) (<-chan domain.Message, error) {
	out := make(chan domain.Message)
	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-c.transport.streamed:
				if !ok {
					return
				}
				out <- m
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *fakeConversation) Send(_ context.Context, text string) (domain.Message, error) {
	c.transport.sent = append(c.transport.sent, text)
	return domain.Message{
		ID:               "sent-" + text,
		SenderAddress:    "0xwallet",
		RecipientAddress: c.peer,
		SentAt:           time.Now().UTC(),
		Content:          text,
	}, nil
}

// recordingHandler records Handle invocations.
type recordingHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHandler) Handle(_ context.Context, peer, text string) {
	h.mu.Lock()
	h.calls = append(h.calls, peer+"|"+text)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func msg(id string, at int64, recipient string) domain.Message {
	return domain.Message{
		ID:               id,
		SenderAddress:    peerAddr,
		RecipientAddress: recipient,
		SentAt:           time.Unix(at, 0),
		Content:          "m-" + id,
	}
}

func newTestService(transport *fakeTransport) (*Service, *convo.Store, *recordingHandler) {
	conversations := convo.NewStore(newMemRepo(), agentAddr)
	handler := &recordingHandler{}
	svc := NewService(transport, conversations, handler, agentAddr, nil)
	return svc, conversations, handler
}

func TestStartConversationRejectsUnreachablePeer(t *testing.T) {
	svc, _, _ := newTestService(&fakeTransport{reachable: false})

	err := svc.StartConversation(context.Background(), peerAddr)
	if err != ErrPeerUnreachable {
		t.Fatalf("err = %v, want ErrPeerUnreachable", err)
	}
}

func TestStartConversationMergesHistory(t *testing.T) {
	transport := &fakeTransport{
		reachable: true,
		history:   []domain.Message{msg("h2", 20, agentAddr), msg("h1", 10, agentAddr)},
		streamed:  make(chan domain.Message),
	}
	svc, conversations, _ := newTestService(transport)
	defer svc.Stop()

	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	got := conversations.Messages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "h1" || got[1].ID != "h2" {
		t.Errorf("history not sorted ascending: %v", got)
	}
}

func TestStreamAppendsAndDispatchesToAgent(t *testing.T) {
	transport := &fakeTransport{
		reachable: true,
		streamed:  make(chan domain.Message, 4),
	}
	svc, conversations, handler := newTestService(transport)
	defer svc.Stop()

	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	transport.streamed <- msg("a", 10, agentAddr)  // for the agent
	transport.streamed <- msg("b", 20, "0xother") // not for the agent

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(conversations.Messages()) == 2 && len(handler.snapshot()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := conversations.Messages(); len(got) != 2 {
		t.Fatalf("expected 2 appended messages, got %d", len(got))
	}
	calls := handler.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 responder dispatch, got %d", len(calls))
	}
	if calls[0] != peerAddr+"|m-a" {
		t.Errorf("unexpected dispatch: %q", calls[0])
	}
}

func TestStreamSkipsDuplicateDispatch(t *testing.T) {
	transport := &fakeTransport{
		reachable: true,
		streamed:  make(chan domain.Message, 4),
	}
	svc, conversations, handler := newTestService(transport)
	defer svc.Stop()

	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	same := msg("dup", 10, agentAddr)
	transport.streamed <- same
	transport.streamed <- same

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(conversations.Messages()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // allow a wrong second dispatch to land

	if got := conversations.Messages(); len(got) != 1 {
		t.Fatalf("expected deduplicated append, got %d messages", len(got))
	}
	if calls := handler.snapshot(); len(calls) != 1 {
		t.Errorf("duplicate message must not re-dispatch, got %d calls", len(calls))
	}
}

func TestStreamTerminatesWithoutReconnect(t *testing.T) {
	streamed := make(chan domain.Message)
	transport := &fakeTransport{reachable: true, streamed: streamed}
	svc, conversations, _ := newTestService(transport)

	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	close(streamed) // transport error: the loop must end quietly

	time.Sleep(20 * time.Millisecond)
	if got := conversations.Messages(); len(got) != 0 {
		t.Errorf("no messages expected after dead stream, got %v", got)
	}

	// A fresh StartConversation resumes streaming.
	transport.streamed = make(chan domain.Message, 1)
	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	svc.Stop()
}

// multiTransport gives each peer its own live stream so a switch can leave
// the old peer's stream flowing.
type multiTransport struct {
	streams map[string]chan domain.Message
}

func (f *multiTransport) CanMessage(context.Context, string) (bool, error) { return true, nil }

func (f *multiTransport) NewConversation(_ context.Context, peer string) (relay.PeerConversation, error) {
	return &multiConversation{peer: peer, stream: f.streams[peer]}, nil
}

type multiConversation struct {
	peer   string
	stream chan domain.Message
}

func (c *multiConversation) Peer() string { return c.peer }

func (c *multiConversation) Messages(context.Context) ([]domain.Message, error) { return nil, nil }

func (c *multiConversation) StreamMessages(ctx context.Context) (<-chan domain.Message, error) {
	out := make(chan domain.Message)
	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-c.stream:
				if !ok {
					return
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *multiConversation) Send(context.Context, string) (domain.Message, error) {
	return domain.Message{}, nil
}

func TestSwitchingPeersDropsLateStreamMessages(t *testing.T) {
	const otherPeer = "0xpeer00000000000000000000000000000000003"

	aStream := make(chan domain.Message, 1)
	bStream := make(chan domain.Message, 1)
	transport := &multiTransport{streams: map[string]chan domain.Message{
		peerAddr:  aStream,
		otherPeer: bStream,
	}}

	conversations := convo.NewStore(newMemRepo(), agentAddr)
	handler := &recordingHandler{}
	svc := NewService(transport, conversations, handler, agentAddr, nil)
	defer svc.Stop()

	if err := svc.StartConversation(context.Background(), peerAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if err := svc.StartConversation(context.Background(), otherPeer); err != nil {
		t.Fatalf("switch failed: %v", err)
	}

	// A message still in flight on the first peer's stream must not land in
	// the second peer's conversation, and must not reach the responder.
	aStream <- domain.Message{
		ID:               "late",
		SenderAddress:    peerAddr,
		RecipientAddress: agentAddr,
		SentAt:           time.Unix(10, 0),
		Content:          "m-late",
	}

	bStream <- domain.Message{
		ID:               "fresh",
		SenderAddress:    otherPeer,
		RecipientAddress: "0xwallet",
		SentAt:           time.Unix(20, 0),
		Content:          "m-fresh",
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !domain.ContainsID(conversations.Messages(), "fresh") {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // allow a wrong late append to land

	got := conversations.Messages()
	if !domain.ContainsID(got, "fresh") {
		t.Fatalf("new peer's stream should flow, got %v", got)
	}
	if domain.ContainsID(got, "late") {
		t.Fatalf("old peer's message leaked into the new conversation: %v", got)
	}
	if calls := handler.snapshot(); len(calls) != 0 {
		t.Errorf("late message must not be dispatched, got %v", calls)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	svc, _, _ := newTestService(&fakeTransport{reachable: true})
	if _, err := svc.Send(context.Background(), "hi"); err != ErrNoConversation {
		t.Fatalf("err = %v, want ErrNoConversation", err)
	}
}

func TestSendAppendsAndDispatches(t *testing.T) {
	transport := &fakeTransport{
		reachable: true,
		streamed:  make(chan domain.Message),
	}
	svc, conversations, handler := newTestService(transport)
	defer svc.Stop()

	if err := svc.StartConversation(context.Background(), agentAddr); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	sent, err := svc.Send(context.Background(), "balance")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.Content != "balance" {
		t.Errorf("sent content = %q", sent.Content)
	}
	if !domain.ContainsID(conversations.Messages(), sent.ID) {
		t.Error("sent message should be appended to the conversation")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(handler.snapshot()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if calls := handler.snapshot(); len(calls) != 1 {
		t.Fatalf("expected dispatch for agent-addressed send, got %d", len(calls))
	}
}
