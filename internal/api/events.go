package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/CalebKiragu/coinmeadow-agent/internal/confirm"
	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
)

// Event is one UI push frame.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub fans events out to connected UI websockets. Slow clients are dropped
// rather than allowed to block the broadcast path.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[chan Event]struct{}),
	}
}

// Broadcast sends ev to every connected client without blocking.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Client is not keeping up; close its channel so the write
			// loop terminates and the socket is torn down.
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Notify implements confirm.Notifier by broadcasting a notice event.
func (h *Hub) Notify(n confirm.Notice) {
	h.Broadcast(Event{Type: "notice", Payload: n})
}

// MessageAppended broadcasts a message event. Wired to the conversation
// store's append hook.
func (h *Hub) MessageAppended(msg domain.Message) {
	h.Broadcast(Event{Type: "message", Payload: msg})
}

// PromptChanged broadcasts a prompt slot update; a nil prompt means cleared.
func (h *Hub) PromptChanged(u prompt.Update) {
	if u.Prompt == nil {
		h.Broadcast(Event{Type: "prompt_cleared", Payload: map[string]uint64{"generation": u.Generation}})
		return
	}
	h.Broadcast(Event{Type: "prompt", Payload: u})
}

// ResultCaptured broadcasts a terminal result for the confirmation dialog.
func (h *Hub) ResultCaptured(res *domain.Result) {
	h.Broadcast(Event{Type: "result", Payload: res})
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects. The socket is push-only; client frames are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept event socket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close event socket", "error", closeErr)
		}
	}()

	// CloseRead discards inbound frames and cancels the context on close.
	ctx := ws.CloseRead(r.Context())

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				// Dropped by the hub for falling behind.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
