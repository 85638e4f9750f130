// Package api provides HTTP handlers for the agent UI.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/CalebKiragu/coinmeadow-agent/internal/confirm"
	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
	"github.com/CalebKiragu/coinmeadow-agent/internal/stream"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
)

// maxBodyBytes bounds request bodies; every payload here is a short JSON object.
const maxBodyBytes = 4 << 10

// Handler provides common handler utilities.
type Handler struct {
	streamer      *stream.Service
	conversations *convo.Store
	prompts       *prompt.Store
	controller    *confirm.Controller
	wallet        wallet.Wallet
	events        *Hub
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(streamer *stream.Service, conversations *convo.Store, prompts *prompt.Store, controller *confirm.Controller, w wallet.Wallet, events *Hub) *Handler {
	return &Handler{
		streamer:      streamer,
		conversations: conversations,
		prompts:       prompts,
		controller:    controller,
		wallet:        w,
		events:        events,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a size-limited JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return err
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}
