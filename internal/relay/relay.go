// Package relay is the client for the message relay service: peer
// reachability checks, conversation history, live message streaming over
// websocket, and sending.
package relay

import (
	"context"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
)

// Transport is the messaging collaborator consumed by the rest of the
// service. The relay client implements it; tests substitute fakes.
type Transport interface {
	// CanMessage reports whether peer is reachable on the network.
	CanMessage(ctx context.Context, peer string) (bool, error)

	// NewConversation opens (or resumes) the conversation with peer.
	NewConversation(ctx context.Context, peer string) (PeerConversation, error)
}

// PeerConversation is one open conversation with a peer.
type PeerConversation interface {
	// Peer returns the peer address.
	Peer() string

	// Messages fetches the conversation history from the relay.
	Messages(ctx context.Context) ([]domain.Message, error)

	// StreamMessages opens the live message stream. The returned channel is
	// closed when the stream ends; a transport error terminates the stream
	// with no automatic reconnection.
	StreamMessages(ctx context.Context) (<-chan domain.Message, error)

	// Send publishes text to the conversation and returns the sent message.
	Send(ctx context.Context, text string) (domain.Message, error)
}
