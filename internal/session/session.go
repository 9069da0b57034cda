// Package session resolves authenticated user sessions. The chat feature
// never authenticates anyone itself: tokens are minted elsewhere and this
// package only looks them up, surfacing ErrNotAuthenticated when a token
// is missing or expired. It also maintains the Redis presence keys that
// back the directory's online flags.
package session
