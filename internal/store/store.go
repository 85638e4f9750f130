// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
)

// Repository defines the interface for persisting conversation state.
type Repository interface {
	// GetConversation retrieves the cached message list for a peer address.
	// A missing or unreadable cache yields an empty list, never an error.
	GetConversation(ctx context.Context, peer string) ([]domain.Message, error)

	// SaveConversation overwrites the cache slot for a peer wholesale.
	SaveConversation(ctx context.Context, peer string, messages []domain.Message) error

	// DeleteConversation removes the cache slot for a peer.
	DeleteConversation(ctx context.Context, peer string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
