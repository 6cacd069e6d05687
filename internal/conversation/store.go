// Package conversation defines the durable-conversation collaborator: the
// persisted record an ephemeral session's transcript is promoted into by the
// mutual save handshake, or that a persistent message is appended to
// directly. The core only issues create/append/delete calls; ownership of
// the records lives with the storage service.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no conversation matches the query.
var ErrNotFound = errors.New("conversation: not found")

// Message is one persisted chat message.
type Message struct {
	SenderID string
	Text     string
	SentAt   time.Time
}

// Store is the external durable-conversation collaborator.
type Store interface {
	// Create persists a new conversation between the participants and
	// returns its id.
	Create(ctx context.Context, participantIDs []string) (string, error)

	// Append adds messages, in order, to an existing conversation.
	Append(ctx context.Context, conversationID string, msgs []Message) error

	// FindExisting returns the id of a conversation with exactly the given
	// participants, or ErrNotFound.
	FindExisting(ctx context.Context, participantIDs []string) (string, error)

	// IsParticipant reports whether the user belongs to the conversation.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// ListForUser returns the ids of every conversation the user
	// participates in.
	ListForUser(ctx context.Context, userID string) ([]string, error)

	// Delete removes a conversation and all its messages.
	Delete(ctx context.Context, conversationID string) error
}
