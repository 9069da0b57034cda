package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// PresencePrefix is the Redis key prefix for per-user presence keys.
	PresencePrefix = "presence:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// PresenceTTL is how long a user stays online after the last
	// heartbeat. Gateways refresh it on every client ping.
	PresenceTTL = 90 * time.Second
)

// ErrNotAuthenticated is returned when a session token does not resolve to
// a logged-in user. The chat feature is unusable without a session: no
// directory, no conversations.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity is the resolved owner of a session.
type Identity struct {
	UserID      string `redis:"user_id"`
	DisplayName string `redis:"display_name"`
}

// Store manages session and presence state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store connected to Redis at redisAddr.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Create stores a session hash for token with a 1h TTL. Sessions are
// normally minted by the auth service; this path exists for dev seeding
// and tests.
func (s *Store) Create(ctx context.Context, token string, id Identity) error {
	key := SessionPrefix + token
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"user_id":      id.UserID,
		"display_name": id.DisplayName,
		"created_at":   now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Resolve looks up the identity behind a session token. A missing or
// expired token yields ErrNotAuthenticated.
func (s *Store) Resolve(ctx context.Context, token string) (*Identity, error) {
	key := SessionPrefix + token
	var id Identity
	if err := s.client.HGetAll(ctx, key).Scan(&id); err != nil {
		return nil, fmt.Errorf("session: resolve: %w", err)
	}
	if id.UserID == "" {
		return nil, ErrNotAuthenticated
	}
	return &id, nil
}

// Touch refreshes a session's TTL and last-active timestamp.
func (s *Store) Touch(ctx context.Context, token string) error {
	key := SessionPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}

// MarkOnline sets (or refreshes) a user's presence key.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	return s.client.Set(ctx, PresencePrefix+userID, "1", PresenceTTL).Err()
}

// MarkOffline drops a user's presence key, normally on disconnect.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, PresencePrefix+userID).Err()
}

// Online reports which of the given users currently have a live presence
// key.
func (s *Store) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, PresencePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: presence lookup: %w", err)
	}

	online := make(map[string]bool, len(userIDs))
	for i, id := range userIDs {
		online[id] = cmds[i].Val() > 0
	}
	return online, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
