package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store against the user database owned by the
// account service. The core only ever reads from these tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a read-only identity store over the given handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get loads a user's public profile, rating aggregate, and block set.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*Identity, error) {
	const userQuery = `
		SELECT id, fake_name, college, COALESCE(gender, ''),
		       COALESCE(average_rating, 0), COALESCE(rating_count, 0)
		FROM users
		WHERE id = $1`

	id := &Identity{BlockedWith: make(map[string]struct{})}
	err := s.db.QueryRowContext(ctx, userQuery, userID).Scan(
		&id.ID, &id.Alias, &id.College, &id.Gender,
		&id.Rating.Score, &id.Rating.Count,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: query user %s: %w", userID, err)
	}

	// Blocks are symmetric: a row in either direction excludes the pair.
	const blockQuery = `
		SELECT blocker_id, blocked_id
		FROM blocks
		WHERE blocker_id = $1 OR blocked_id = $1`

	rows, err := s.db.QueryContext(ctx, blockQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("identity: query blocks for %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var blocker, blocked string
		if err := rows.Scan(&blocker, &blocked); err != nil {
			return nil, fmt.Errorf("identity: scan block row: %w", err)
		}
		if blocker != userID {
			id.BlockedWith[blocker] = struct{}{}
		}
		if blocked != userID {
			id.BlockedWith[blocked] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate blocks for %s: %w", userID, err)
	}

	return id, nil
}
