// Package agent implements the automated payments assistant: it parses
// peer messages into commands, produces simulated replies, and publishes
// pending confirmations for financial intents.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/intent"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
	"github.com/google/uuid"
)

const helpText = "I understand these commands: " +
	"'help', 'balance', 'chain', " +
	"'request <amount> <currency> [sepolia|mainnet] from <payer>', " +
	"'send|transfer|pay <amount> <currency> [sepolia|mainnet] to <recipient>'."

const fallbackText = "Sorry, I didn't understand that. Type 'help' to see what I can do."

// Responder handles messages addressed to the agent and produces simulated
// replies after a fixed latency.
type Responder struct {
	conversations *convo.Store
	prompts       *prompt.Store
	wallet        wallet.Wallet
	table         *wallet.Table
	agentAddress  string
	latency       time.Duration
	transcript    TranscriptLogger
	logger        *slog.Logger
}

// Config holds responder construction parameters.
type Config struct {
	Conversations *convo.Store
	Prompts       *prompt.Store
	Wallet        wallet.Wallet
	Table         *wallet.Table
	AgentAddress  string
	ReplyLatency  time.Duration
	Transcript    TranscriptLogger
	Logger        *slog.Logger
}

// NewResponder creates the agent responder.
func NewResponder(cfg Config) *Responder {
	if cfg.Transcript == nil {
		cfg.Transcript = NoopTranscript{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyLatency <= 0 {
		cfg.ReplyLatency = 500 * time.Millisecond
	}
	return &Responder{
		conversations: cfg.Conversations,
		prompts:       cfg.Prompts,
		wallet:        cfg.Wallet,
		table:         cfg.Table,
		agentAddress:  cfg.AgentAddress,
		latency:       cfg.ReplyLatency,
		transcript:    cfg.Transcript,
		logger:        cfg.Logger,
	}
}

// Handle processes one message addressed to the agent. It never returns an
// error: every path degrades to some reply, and replies are appended to the
// conversation after the configured latency.
func (r *Responder) Handle(ctx context.Context, peer, rawText string) {
	r.transcript.Log(TranscriptEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Peer:      peer,
		Direction: "inbound",
		Content:   rawText,
	})

	cmd := intent.Parse(rawText)
	if cmd == nil {
		r.scheduleReply(peer, fallbackText)
		return
	}

	// Non-financial commands answer directly and must never reach the
	// currency gate below.
	switch cmd.Kind {
	case domain.KindHelp:
		r.scheduleReply(peer, helpText)
		return
	case domain.KindBalance:
		r.scheduleReply(peer, r.balanceReply(ctx))
		return
	case domain.KindChain:
		chain := r.wallet.ActiveChain()
		r.scheduleReply(peer, fmt.Sprintf("You're on %s (chain id %d).", chain.Name, chain.ID))
		return
	}

	if !r.table.Supports(cmd.Currency) {
		r.scheduleReply(peer, fmt.Sprintf("%s isn't supported yet. Try one of: %s.",
			cmd.Currency, strings.Join(r.table.Supported(), ", ")))
		return
	}

	ack := "Transaction submitted! Review and confirm it in the dialog."
	if cmd.Kind == domain.KindRequest {
		ack = "Payment request submitted! Review and confirm it in the dialog."
	}
	r.scheduleReply(peer, ack)

	gen := r.prompts.Set(domain.PromptFromCommand(cmd))
	r.logger.Info("Published prompt",
		"kind", cmd.Kind, "amount", cmd.Amount, "currency", cmd.Currency,
		"testnet", cmd.Testnet, "generation", gen)
}

func (r *Responder) balanceReply(ctx context.Context) string {
	chain := r.wallet.ActiveChain()
	balance, err := r.wallet.GetBalance(ctx, r.wallet.Address())
	if err != nil {
		r.logger.Warn("Balance fetch failed", "error", err)
		return fmt.Sprintf("I couldn't fetch your balance on %s right now. Please try again.", chain.Name)
	}
	return fmt.Sprintf("Your balance on %s is %s.", chain.Name, wallet.FormatUnits(balance))
}

// scheduleReply appends a simulated agent message to the conversation after
// the fixed latency. The timer is scoped to the conversation, so replies are
// dropped if the peer changes before it fires.
func (r *Responder) scheduleReply(peer, text string) {
	r.conversations.ScheduleReply(r.latency, func() {
		msg := domain.Message{
			ID:               uuid.NewString(),
			SenderAddress:    r.agentAddress,
			RecipientAddress: peer,
			SentAt:           time.Now().UTC(),
			Content:          text,
		}
		r.conversations.Append(context.Background(), msg)
		r.transcript.Log(TranscriptEvent{
			Timestamp: msg.SentAt.Format(time.RFC3339Nano),
			Peer:      peer,
			Direction: "outbound",
			Content:   text,
		})
	})
}
