package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrStoreUnavailable wraps any backing-store failure during a conversation
// query. It is surfaced to the view for a user-initiated retry and is never
// retried automatically.
var ErrStoreUnavailable = errors.New("conversation store unavailable")

// MessageStore is the store surface the syncer and composer depend on.
// *Store implements it against PostgreSQL; tests substitute in-memory fakes.
type MessageStore interface {
	// Append persists one message with a server-assigned timestamp.
	Append(ctx context.Context, sender, recipient UserID, body string) (Message, error)
	// ListByKey returns every message of the conversation, ordered by
	// creation timestamp ascending. Ties keep the store's natural order.
	ListByKey(ctx context.Context, key Key) ([]Message, error)
}

// Store manages direct messages in PostgreSQL. Messages are append-only:
// the store never updates or deletes them, so readers need no locking
// beyond the database's own snapshot semantics.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a message and returns it with the id and the
// server-assigned creation timestamp filled in.
func (s *Store) Append(ctx context.Context, sender, recipient UserID, body string) (Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	msg := Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
	}
	err := s.db.QueryRowContext(ctx, query, msg.ID, string(sender), string(recipient), body).
		Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("conversation: insert message: %w", err)
	}
	return msg, nil
}

// ListByKey returns the full conversation for a key in timestamp order.
// The filter is the symmetric pair equality predicate; when the two
// participants are the same user it degenerates to sender = recipient.
func (s *Store) ListByKey(ctx context.Context, key Key) ([]Message, error) {
	const query = `
		SELECT id, sender_id, recipient_id, body, created_at, viewed
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(key.Lo), string(key.Hi))
	if err != nil {
		return nil, fmt.Errorf("conversation: query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m      Message
			viewed sql.NullBool
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.CreatedAt, &viewed); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		if viewed.Valid {
			m.Viewed = &viewed.Bool
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: read messages: %w", err)
	}
	return messages, nil
}
