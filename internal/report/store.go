package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Store persists archived chat logs in PostgreSQL. Each record captures the
// two participants, the reason string generated at teardown, and the
// alias-labeled transcript for moderator review.
type Store struct {
	db *sql.DB
}

// NewStore creates a log store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a chat log. The transcript is marshalled to JSONB.
func (s *Store) Create(ctx context.Context, cl *ChatLog) error {
	var messagesJSON []byte
	if len(cl.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(cl.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (id, reporter_id, reported_id, log_type, reason, chat_history, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		cl.ParticipantA,
		cl.ParticipantB,
		cl.Kind,
		cl.Reason,
		messagesJSON,
		cl.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountForPair returns how many chat logs have been archived between the two
// participants, in either order. Moderators use it to spot repeat pairings.
func (s *Store) CountForPair(ctx context.Context, userA, userB string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE log_type = $3
		  AND ((reporter_id = $1 AND reported_id = $2)
		    OR (reporter_id = $2 AND reported_id = $1))`

	var count int
	err := s.db.QueryRowContext(ctx, query, userA, userB, KindChatLog).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count for pair: %w", err)
	}
	return count, nil
}
