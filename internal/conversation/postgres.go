package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store over the chatrooms schema.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a conversation store over the given handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a chatroom row plus one participant row per user, in a
// single transaction.
func (s *PostgresStore) Create(ctx context.Context, participantIDs []string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("conversation: begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chatrooms (id, is_private) VALUES ($1, TRUE)`, id); err != nil {
		return "", fmt.Errorf("conversation: insert chatroom: %w", err)
	}

	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chatroom_participants (chatroom_id, user_id) VALUES ($1, $2)`,
			id, uid); err != nil {
			return "", fmt.Errorf("conversation: insert participant %s: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("conversation: commit: %w", err)
	}
	return id, nil
}

// Append inserts the messages in order. Timestamps are taken from the
// transcript, not the insert time, so archived ordering survives.
func (s *PostgresStore) Append(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (id, chatroom_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, query,
			uuid.New().String(), conversationID, m.SenderID, m.Text, m.SentAt); err != nil {
			return fmt.Errorf("conversation: insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("conversation: commit: %w", err)
	}
	return nil
}

// FindExisting looks for a private chatroom whose participant set is exactly
// the given ids.
func (s *PostgresStore) FindExisting(ctx context.Context, participantIDs []string) (string, error) {
	const query = `
		SELECT cp.chatroom_id
		FROM chatroom_participants cp
		GROUP BY cp.chatroom_id
		HAVING COUNT(*) = $2
		   AND COUNT(*) FILTER (WHERE cp.user_id = ANY($1)) = $2
		LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query, pq.Array(participantIDs), len(participantIDs)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("conversation: find existing: %w", err)
	}
	return id, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chatroom_participants
			WHERE chatroom_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("conversation: is participant: %w", err)
	}
	return ok, nil
}

// ListForUser returns the ids of every conversation the user participates in.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT chatroom_id FROM chatroom_participants WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate: %w", err)
	}
	return ids, nil
}

// Delete removes the conversation, its participants, and its messages.
func (s *PostgresStore) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chatroom_id = $1`, conversationID); err != nil {
		return fmt.Errorf("conversation: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chatroom_participants WHERE chatroom_id = $1`, conversationID); err != nil {
		return fmt.Errorf("conversation: delete participants: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chatrooms WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("conversation: delete chatroom: %w", err)
	}

	return tx.Commit()
}
