// Package identity defines the authenticated user view the real-time core
// consumes, and the lookup contract to the external user store. The core
// never mutates identities; it reads them once per matchmaking request.
package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get when no user exists for the id.
var ErrNotFound = errors.New("identity: not found")

// Reputation is the aggregate rating attached to an identity.
type Reputation struct {
	Score float64 `json:"score"` // average rating
	Count int     `json:"count"` // number of ratings received
}

// Identity is the immutable snapshot of a user the core works with for the
// duration of a matchmaking request or session.
type Identity struct {
	ID      string
	Alias   string // display pseudonym shown to partners
	College string // affiliation tag used as a soft matching preference
	Gender  string // optional; empty when the user did not set one
	Rating  Reputation

	// BlockedWith holds the ids of users this identity must never be
	// matched with, in either direction (blocker or blocked).
	BlockedWith map[string]struct{}
}

// Blocks reports whether a block relationship exists between this identity
// and the given user id.
func (id *Identity) Blocks(otherID string) bool {
	_, ok := id.BlockedWith[otherID]
	return ok
}

// Store is the external user-store collaborator.
type Store interface {
	// Get returns the identity for the given user id, including its block
	// set and rating aggregate. Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, userID string) (*Identity, error)
}
