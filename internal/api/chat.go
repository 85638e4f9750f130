package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/CalebKiragu/coinmeadow-agent/internal/stream"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
	"github.com/go-chi/chi/v5"
)

// startLocks prevents concurrent conversation starts for the same peer.
var startLocks sync.Map

// ChatHandler handles conversation and messaging endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers conversation and wallet routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/conversation", h.GetConversation)
	r.Post("/api/conversation", h.StartConversation)
	r.Post("/api/chat", h.SendChat)
	r.Get("/api/wallet", h.GetWallet)
}

// GetConversation returns the active conversation's peer and messages.
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	peer := h.conversations.Peer()
	if peer == "" {
		Error(w, http.StatusNotFound, "no active conversation")
		return
	}
	msgs := h.conversations.Messages()
	JSON(w, http.StatusOK, map[string]interface{}{
		"peer":     peer,
		"messages": msgs,
	})
}

// StartConversation opens a conversation with the requested peer, replacing
// any previous one.
func (h *ChatHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peer string `json:"peer"`
	}
	if err := decode(w, r, &req); err != nil {
		return
	}
	peer := strings.TrimSpace(req.Peer)
	if peer == "" {
		Error(w, http.StatusBadRequest, "peer address is required")
		return
	}

	// Prevent concurrent starts for the same peer. The mutex stays resident:
	// deleting it on release would let a later request mint a fresh lock
	// while an earlier holder still references the old one.
	lock, _ := startLocks.LoadOrStore(peer, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Conversation start already in progress", "peer", peer)
		Error(w, http.StatusConflict, "conversation_start_in_progress")
		return
	}
	defer mutex.Unlock()

	if err := h.streamer.StartConversation(r.Context(), peer); err != nil {
		if errors.Is(err, stream.ErrPeerUnreachable) {
			Error(w, http.StatusUnprocessableEntity, "peer is not reachable on the network")
			return
		}
		slog.Error("Failed to start conversation", "peer", peer, "error", err)
		Error(w, http.StatusBadGateway, "failed to start conversation")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"peer":     peer,
		"messages": h.conversations.Messages(),
	})
}

// SendChat sends a message on the active conversation. Messages addressed to
// the agent are also routed through the responder; that dispatch is
// asynchronous and its outcome is not part of this response.
func (h *ChatHandler) SendChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "message text is required")
		return
	}

	msg, err := h.streamer.Send(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, stream.ErrNoConversation) {
			Error(w, http.StatusConflict, "no active conversation")
			return
		}
		slog.Error("Failed to send message", "error", err)
		Error(w, http.StatusBadGateway, "failed to send message")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

// GetWallet returns the wallet address, active chain, and native balance.
func (h *ChatHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	chain := h.wallet.ActiveChain()

	balance, err := h.wallet.GetBalance(r.Context(), h.wallet.Address())
	if err != nil {
		slog.Error("Failed to fetch wallet balance", "error", err)
		Error(w, http.StatusBadGateway, "failed to fetch balance")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"address": h.wallet.Address(),
		"chain": map[string]interface{}{
			"id":       chain.ID,
			"name":     chain.Name,
			"currency": chain.Currency,
			"testnet":  chain.Testnet,
		},
		"balance":     wallet.FormatUnits(balance),
		"balance_wei": balance.String(),
	})
}
