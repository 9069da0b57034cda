// Package directory produces the roster of users a conversation can be
// started with. Users are sourced externally; this package only lists
// them, ordered by display name with the requesting user excluded by
// identity, and decorates the result with presence-backed online flags.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/parley/dm-app/internal/metrics"
)

// ErrUnavailable wraps a failed directory query. The caller sees an empty
// roster, never a partially populated one, and may retry by re-entering
// the view.
var ErrUnavailable = errors.New("user directory unavailable")

// User is one directory entry.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Online      bool      `json:"online"`
	CreatedAt   time.Time `json:"created_at"`
}

// PresenceChecker reports which users currently have a live session.
// *session.Store implements it.
type PresenceChecker interface {
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Directory lists candidate peers from PostgreSQL.
type Directory struct {
	db       *sql.DB
	presence PresenceChecker // nil disables online flags
}

// New creates a directory over the given database handle. presence may be
// nil, in which case every entry is reported offline.
func New(db *sql.DB, presence PresenceChecker) *Directory {
	return &Directory{db: db, presence: presence}
}

// List returns all users ordered by display name ascending (id as the
// stable tiebreak), excluding self. Exclusion compares identities, never
// display names: two users sharing a name must not shadow each other.
func (d *Directory) List(ctx context.Context, self string) ([]User, error) {
	const query = `
		SELECT id, display_name, created_at
		FROM users
		WHERE id <> $1
		ORDER BY display_name ASC, id ASC`

	rows, err := d.db.QueryContext(ctx, query, self)
	if err != nil {
		metrics.DirectoryListsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CreatedAt); err != nil {
			metrics.DirectoryListsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		metrics.DirectoryListsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d.markOnline(ctx, users)
	metrics.DirectoryListsTotal.WithLabelValues("ok").Inc()
	return users, nil
}

// markOnline fills in online flags. Presence is best-effort decoration: a
// presence lookup failure degrades everyone to offline instead of failing
// the listing.
func (d *Directory) markOnline(ctx context.Context, users []User) {
	if d.presence == nil || len(users) == 0 {
		return
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	online, err := d.presence.Online(ctx, ids)
	if err != nil {
		log.Printf("[directory] presence lookup failed: %v", err)
		return
	}
	for i := range users {
		users[i].Online = online[users[i].ID]
	}
}

// CreateUser inserts a user record. The roster is normally synchronized
// from the external account system; this path exists for dev seeding and
// tests.
func (d *Directory) CreateUser(ctx context.Context, id, displayName string) error {
	const query = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`

	if _, err := d.db.ExecContext(ctx, query, id, displayName); err != nil {
		return fmt.Errorf("directory: create user: %w", err)
	}
	return nil
}
