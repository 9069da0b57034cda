package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // max stored message size
	MaxBodyChars = 2000 // max character count
)

// Message is one direct message between two users. Messages are immutable
// once written; CreatedAt is assigned by the store at write time, never by
// the client clock.
type Message struct {
	ID        string    `json:"id"`
	Sender    UserID    `json:"sender"`
	Recipient UserID    `json:"recipient"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Viewed    *bool     `json:"viewed,omitempty"` // read marker, not interpreted by the core
}

// Key returns the conversation key this message belongs to.
func (m Message) Key() Key {
	return NewKey(m.Sender, m.Recipient)
}

// ChangeEvent is the payload published on a conversation's change subject
// after a successful append. Watchers treat it purely as a wakeup: the
// authoritative ordered state is always re-read from the store.
type ChangeEvent struct {
	MessageID string `json:"message_id"`
	Sender    UserID `json:"sender"`
	Recipient UserID `json:"recipient"`
	Ts        int64  `json:"ts"` // unix timestamp, informational only
}

// ErrEmptyBody is returned by ValidateBody (and surfaced by Composer.Send)
// for empty or whitespace-only input. Callers treat it as a no-op, not a
// send failure.
var ErrEmptyBody = fmt.Errorf("message body is empty")

// ValidateBody checks that an outbound message body meets content
// requirements. Whitespace-only bodies count as empty.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
