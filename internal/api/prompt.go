package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/CalebKiragu/coinmeadow-agent/internal/confirm"
	"github.com/go-chi/chi/v5"
)

// PromptHandler handles the pending-transaction dialog endpoints.
type PromptHandler struct {
	*Handler

	// confirmLock serializes confirmation attempts; the dialog acts on a
	// single slot, so concurrent confirms would double-spend.
	confirmLock sync.Mutex
}

// NewPromptHandler creates a new prompt handler.
func NewPromptHandler(base *Handler) *PromptHandler {
	return &PromptHandler{Handler: base}
}

// RegisterRoutes registers prompt routes.
func (h *PromptHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/prompt", h.GetPrompt)
	r.Post("/api/prompt/confirm", h.Confirm)
	r.Post("/api/prompt/cancel", h.Cancel)
}

// GetPrompt returns the currently published prompt, the dialog state, and any
// captured result.
func (h *PromptHandler) GetPrompt(w http.ResponseWriter, r *http.Request) {
	p, gen, ok := h.prompts.Get()

	resp := map[string]interface{}{
		"state":      h.controller.State(),
		"generation": gen,
	}
	if ok {
		resp["prompt"] = p
	}
	if res := h.controller.Result(); res != nil {
		resp["result"] = res
	}
	JSON(w, http.StatusOK, resp)
}

// Confirm executes the pending prompt. The optional generation field lets the
// UI assert it is confirming the prompt it rendered, not one that replaced it.
func (h *PromptHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN        string  `json:"pin"`
		Generation *uint64 `json:"generation"`
	}
	if err := decode(w, r, &req); err != nil {
		return
	}

	if !h.confirmLock.TryLock() {
		slog.Warn("Confirmation already in progress")
		Error(w, http.StatusConflict, "confirmation_in_progress")
		return
	}
	defer h.confirmLock.Unlock()

	if req.Generation != nil && *req.Generation != h.prompts.Generation() {
		Error(w, http.StatusConflict, "prompt is stale")
		return
	}

	res, err := h.controller.Confirm(r.Context(), req.PIN)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrNoPrompt):
			Error(w, http.StatusNotFound, "no pending prompt")
		case errors.Is(err, confirm.ErrStalePrompt):
			Error(w, http.StatusConflict, "prompt is stale")
		case errors.Is(err, confirm.ErrInvalidPIN):
			Error(w, http.StatusBadRequest, "PIN must be exactly 4 digits")
		case errors.Is(err, confirm.ErrInvalidRecipient):
			Error(w, http.StatusBadRequest, "recipient is not a valid address")
		case errors.Is(err, confirm.ErrInsufficientBalance):
			Error(w, http.StatusUnprocessableEntity, "insufficient balance")
		default:
			slog.Error("Confirmation failed", "error", err)
			Error(w, http.StatusBadGateway, "confirmation failed")
		}
		return
	}

	if h.events != nil && res != nil {
		h.events.ResultCaptured(res)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"state":  h.controller.State(),
		"result": res,
	})
}

// Cancel dismisses the pending prompt. An operation already dispatched keeps
// running; only the dialog is cleared.
func (h *PromptHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.controller.Cancel()
	JSON(w, http.StatusOK, map[string]interface{}{
		"state": h.controller.State(),
	})
}
