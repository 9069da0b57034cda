// Package conversation implements the direct-message core: the symmetric
// two-party conversation key, the PostgreSQL-backed message store, the
// syncer that materializes ordered conversation snapshots (by explicit
// re-query or by a standing change subscription), and the composer that
// validates and appends outbound messages.
package conversation

// UserID is an opaque user identity. The chat core never interprets it
// beyond equality comparison.
type UserID string

// Key identifies a conversation by its two participants, regardless of
// direction. Members are stored in lexicographic order so that
// NewKey(a, b) == NewKey(b, a) and the key is usable as a map key and as
// a messaging subject.
type Key struct {
	Lo, Hi UserID
}

// NewKey builds the canonical key for the unordered pair {a, b}.
// a == b is allowed and yields the (degenerate but valid) self-chat key.
func NewKey(a, b UserID) Key {
	if b < a {
		a, b = b, a
	}
	return Key{Lo: a, Hi: b}
}

// Matches reports whether a message sent from sender to recipient belongs
// to this conversation. The predicate is symmetric: both directions of the
// pair satisfy it, and no message involving a third party does.
func (k Key) Matches(sender, recipient UserID) bool {
	return (sender == k.Lo && recipient == k.Hi) ||
		(sender == k.Hi && recipient == k.Lo)
}

// Includes reports whether id is one of the two participants.
func (k Key) Includes(id UserID) bool {
	return id == k.Lo || id == k.Hi
}

// Peer returns the other participant from self's point of view. For the
// self-chat key it returns self.
func (k Key) Peer(self UserID) UserID {
	if self == k.Lo {
		return k.Hi
	}
	return k.Lo
}

// Subject returns the change-notification subject for this conversation
// (conversation.<lo>.<hi>). Both participants derive the same subject, so
// a single published change event reaches every watcher of the pair.
func (k Key) Subject() string {
	return "conversation." + string(k.Lo) + "." + string(k.Hi)
}
