package agent

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/config"
	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
)

const (
	agentAddr = "0xagent0000000000000000000000000000000001"
	peerAddr  = "0xpeer00000000000000000000000000000000002"
)

// memRepo is an in-memory store.Repository.
type memRepo struct {
	saved map[string][]domain.Message
}

func (m *memRepo) GetConversation(_ context.Context, peer string) ([]domain.Message, error) {
	return m.saved[peer], nil
}

func (m *memRepo) SaveConversation(_ context.Context, peer string, msgs []domain.Message) error {
	m.saved[peer] = msgs
	return nil
}

func (m *memRepo) DeleteConversation(_ context.Context, peer string) error {
	delete(m.saved, peer)
	return nil
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) Close() error               { return nil }

// fakeWallet is a canned wallet collaborator.
type fakeWallet struct {
	address string
	chain   wallet.Chain
	balance *big.Int
}

func (f *fakeWallet) Address() string           { return f.address }
func (f *fakeWallet) ActiveChain() wallet.Chain { return f.chain }

func (f *fakeWallet) GetBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeWallet) SendTransaction(context.Context, string, *big.Int) (string, error) {
	return "0xhash", nil
}

func (f *fakeWallet) SwitchNetwork(context.Context, int64, string) error { return nil }

func newTestResponder(t *testing.T) (*Responder, *convo.Store, *prompt.Store) {
	t.Helper()

	conversations := convo.NewStore(&memRepo{saved: map[string][]domain.Message{}}, agentAddr)
	conversations.Reset(agentAddr)
	prompts := prompt.NewStore()

	halfEth, _ := new(big.Int).SetString("500000000000000000", 10)
	w := &fakeWallet{
		address: "0xwallet000000000000000000000000000000003",
		chain:   wallet.Chain{ID: 1, Name: "Ethereum", Currency: "eth"},
		balance: halfEth,
	}

	r := NewResponder(Config{
		Conversations: conversations,
		Prompts:       prompts,
		Wallet:        w,
		Table:         wallet.NewTable(config.DefaultCurrencies()),
		AgentAddress:  agentAddr,
		ReplyLatency:  time.Millisecond,
	})
	return r, conversations, prompts
}

// waitForReply polls the conversation until an agent message arrives.
func waitForReply(t *testing.T, conversations *convo.Store) domain.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range conversations.Messages() {
			if m.SenderAddress == agentAddr {
				return m
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for agent reply")
	return domain.Message{}
}

func TestHandleFallbackReply(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "what's up doc")

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "didn't understand") {
		t.Errorf("unexpected fallback reply: %q", reply.Content)
	}
	if _, _, ok := prompts.Get(); ok {
		t.Error("fallback must not publish a prompt")
	}
}

func TestHandleHelp(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "help")

	reply := waitForReply(t, conversations)
	for _, keyword := range []string{"request", "send", "balance", "chain"} {
		if !strings.Contains(reply.Content, keyword) {
			t.Errorf("help reply missing %q: %q", keyword, reply.Content)
		}
	}
	if _, _, ok := prompts.Get(); ok {
		t.Error("help must not publish a prompt")
	}
}

func TestHandleBalance(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "balance")

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "Ethereum") {
		t.Errorf("balance reply missing chain name: %q", reply.Content)
	}
	if !strings.Contains(reply.Content, "0.5") {
		t.Errorf("balance reply missing formatted balance: %q", reply.Content)
	}
	if _, _, ok := prompts.Get(); ok {
		t.Error("balance must not publish a prompt")
	}
}

func TestHandleChain(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "chain")

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "Ethereum") || !strings.Contains(reply.Content, "1") {
		t.Errorf("chain reply missing name or id: %q", reply.Content)
	}
	if _, _, ok := prompts.Get(); ok {
		t.Error("chain must not publish a prompt")
	}
}

func TestHandleSendPublishesPrompt(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr,
		"send 0.5 eth mainnet to 0xabc0000000000000000000000000000000000004")

	p, _, ok := prompts.Get()
	if !ok {
		t.Fatal("expected a prompt to be published")
	}
	if p.Kind != domain.KindSend {
		t.Errorf("Kind = %s, want send", p.Kind)
	}
	if p.Amount != "0.5" || p.Currency != "eth" || p.Testnet {
		t.Errorf("prompt fields mismatch: %+v", p)
	}
	if p.Counterparty != "0xabc0000000000000000000000000000000000004" {
		t.Errorf("Counterparty = %q", p.Counterparty)
	}
	if !p.OpenDialog {
		t.Error("prompt should request the dialog to open")
	}

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "Transaction submitted") {
		t.Errorf("unexpected acknowledgement: %q", reply.Content)
	}
}

func TestHandleRequestPublishesPrompt(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "request 1 base sepolia from "+peerAddr)

	p, _, ok := prompts.Get()
	if !ok {
		t.Fatal("expected a prompt to be published")
	}
	if p.Kind != domain.KindRequest || !p.Testnet || p.Currency != "base" {
		t.Errorf("prompt fields mismatch: %+v", p)
	}

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "Payment request submitted") {
		t.Errorf("unexpected acknowledgement: %q", reply.Content)
	}
}

func TestHandleUnsupportedCurrencyNeverPublishesPrompt(t *testing.T) {
	r, conversations, prompts := newTestResponder(t)

	r.Handle(context.Background(), peerAddr,
		"send 5 doge to 0xabc0000000000000000000000000000000000004")

	if _, _, ok := prompts.Get(); ok {
		t.Fatal("unsupported currency must never publish a prompt")
	}

	reply := waitForReply(t, conversations)
	if !strings.Contains(reply.Content, "doge") {
		t.Errorf("rejection should name the currency: %q", reply.Content)
	}
	if !strings.Contains(reply.Content, "eth") {
		t.Errorf("rejection should suggest supported currencies: %q", reply.Content)
	}
}

func TestReplyIsSimulatedFromAgentAddress(t *testing.T) {
	r, conversations, _ := newTestResponder(t)

	r.Handle(context.Background(), peerAddr, "help")

	reply := waitForReply(t, conversations)
	if reply.SenderAddress != agentAddr {
		t.Errorf("SenderAddress = %q, want agent address", reply.SenderAddress)
	}
	if reply.RecipientAddress != peerAddr {
		t.Errorf("RecipientAddress = %q, want peer address", reply.RecipientAddress)
	}
	if reply.ID == "" {
		t.Error("reply must carry a generated id")
	}
}
