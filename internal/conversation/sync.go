package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/dm-app/internal/metrics"
)

// ErrNotOpen is returned by Refresh when no conversation has been opened.
var ErrNotOpen = errors.New("no conversation open")

// Bus is the change-notification surface the syncer depends on for push
// mode. Subscriptions are keyed by an owner token so that switching peers
// detaches exactly the previous subscription.
type Bus interface {
	SubscribeConversation(subject, owner string, handler func(data []byte)) error
	UnsubscribeConversation(owner string) error
}

// Snapshot is one complete, ordered materialization of a conversation at a
// point in time. Messages are non-decreasing in creation timestamp.
type Snapshot struct {
	Peer     UserID
	Key      Key
	Messages []Message
}

// Syncer materializes the conversation between one user and a selected
// peer as an ordered message sequence and keeps it current, either by
// explicit re-query (Open/Refresh) or by a standing change subscription
// (Watch). A Syncer tracks at most one conversation at a time; selecting a
// new peer always detaches the previous subscription first.
type Syncer struct {
	self  UserID
	store MessageStore
	bus   Bus // nil disables push mode

	// OnError, when set, receives store failures that occur during push
	// re-queries for the still-selected peer. Failures for a superseded
	// peer are discarded.
	OnError func(error)

	mu        sync.Mutex
	peer      UserID
	key       Key
	open      bool
	owner     string             // current subscription owner token, "" when not watching
	cancel    context.CancelFunc // cancels the current watch's context
	lastCount int                // push-mode staleness guard
	lastTail  time.Time
}

// NewSyncer creates a syncer for the given user. bus may be nil when only
// pull-mode synchronization is needed.
func NewSyncer(self UserID, store MessageStore, bus Bus) *Syncer {
	return &Syncer{self: self, store: store, bus: bus}
}

// Peer returns the currently selected peer, or "" when no conversation is
// open.
func (s *Syncer) Peer() UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ""
	}
	return s.peer
}

// Open selects a peer and returns the ordered conversation snapshot. Any
// standing subscription for a previously selected peer is detached first.
// Store failures wrap ErrStoreUnavailable and are not retried.
func (s *Syncer) Open(ctx context.Context, peer UserID) (Snapshot, error) {
	s.Close()

	s.mu.Lock()
	s.peer = peer
	s.key = NewKey(s.self, peer)
	s.open = true
	key := s.key
	s.mu.Unlock()

	snap, err := s.take(ctx, key, peer)
	if err != nil {
		return Snapshot{}, err
	}
	metrics.SnapshotsTotal.WithLabelValues("open").Inc()
	return snap, nil
}

// Refresh re-issues the query for the open conversation. It is idempotent:
// with no new data it yields the same sequence, no duplicates and no
// reordering. Used after a local send in the pull-based model.
func (s *Syncer) Refresh(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return Snapshot{}, ErrNotOpen
	}
	key, peer := s.key, s.peer
	s.mu.Unlock()

	snap, err := s.take(ctx, key, peer)
	if err != nil {
		return Snapshot{}, err
	}
	metrics.SnapshotsTotal.WithLabelValues("refresh").Inc()
	return snap, nil
}

// Watch selects a peer and establishes a standing subscription on the
// conversation's change subject. Every relevant store mutation triggers a
// fresh ordered query whose result is passed to emit; an initial snapshot
// is emitted right after the subscription is in place, so no write can
// fall between them unobserved. Snapshots that are not strictly newer than
// the last emitted one are discarded, so emissions are never out of order.
//
// emit is called with internal state held to serialize emission order; it
// must not call back into the Syncer. Watch returns once the subscription
// is established; delivery continues until Close or ctx cancellation.
func (s *Syncer) Watch(ctx context.Context, peer UserID, emit func(Snapshot)) error {
	if s.bus == nil {
		return errors.New("conversation: no change bus configured")
	}
	s.Close()

	owner := uuid.NewString()
	watchCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.peer = peer
	s.key = NewKey(s.self, peer)
	s.open = true
	s.owner = owner
	s.cancel = cancel
	s.lastCount = -1
	s.lastTail = time.Time{}
	key := s.key
	s.mu.Unlock()

	handler := func([]byte) { s.deliver(watchCtx, owner, key, peer, emit) }
	if err := s.bus.SubscribeConversation(key.Subject(), owner, handler); err != nil {
		s.mu.Lock()
		s.open = false
		s.owner = ""
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metrics.ActiveWatchers.Inc()

	// The watch context covers exactly one subscription: Close and peer
	// switches cancel it, so the teardown goroutine never outlives its
	// watch.
	go func() {
		<-watchCtx.Done()
		s.closeOwner(owner)
	}()

	// Initial snapshot, after the subscription is live.
	go s.deliver(watchCtx, owner, key, peer, emit)
	return nil
}

// Close detaches the current subscription, if any, and marks the syncer as
// having no open conversation. It is safe to call repeatedly.
func (s *Syncer) Close() {
	s.mu.Lock()
	owner := s.owner
	cancel := s.cancel
	s.owner = ""
	s.cancel = nil
	s.open = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.detach(owner)
}

// closeOwner closes only if owner is still the active subscription, so a
// stale ctx-cancellation goroutine cannot tear down a successor watch.
func (s *Syncer) closeOwner(owner string) {
	s.mu.Lock()
	if s.owner != owner {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.owner = ""
	s.cancel = nil
	s.open = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.detach(owner)
}

func (s *Syncer) detach(owner string) {
	if owner == "" || s.bus == nil {
		return
	}
	if err := s.bus.UnsubscribeConversation(owner); err != nil {
		log.Printf("[sync] unsubscribe %s: %v", owner, err)
	}
	metrics.ActiveWatchers.Dec()
}

// deliver re-queries the store and emits the snapshot if it is still
// relevant and strictly newer than the last one emitted.
func (s *Syncer) deliver(ctx context.Context, owner string, key Key, peer UserID, emit func(Snapshot)) {
	start := time.Now()
	msgs, err := s.listFiltered(ctx, key)
	if err != nil {
		s.mu.Lock()
		superseded := s.owner != owner
		s.mu.Unlock()
		if superseded {
			return // stale delivery for a deselected peer, discard
		}
		log.Printf("[sync] re-query %s failed: %v", key.Subject(), err)
		if s.OnError != nil {
			s.OnError(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return // peer switched while the query was in flight
	}
	if !newer(msgs, s.lastCount, s.lastTail) {
		metrics.SnapshotsTotal.WithLabelValues("stale_dropped").Inc()
		return
	}
	s.lastCount = len(msgs)
	s.lastTail = tail(msgs)

	metrics.SnapshotsTotal.WithLabelValues("push").Inc()
	metrics.SnapshotLatency.Observe(time.Since(start).Seconds())
	emit(Snapshot{Peer: peer, Key: key, Messages: msgs})
}

// take performs one pull-mode query.
func (s *Syncer) take(ctx context.Context, key Key, peer UserID) (Snapshot, error) {
	msgs, err := s.listFiltered(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Snapshot{Peer: peer, Key: key, Messages: msgs}, nil
}

// listFiltered queries the store and re-checks every row against the exact
// pair predicate. The scoped query is treated as a coarse prefilter only:
// a store whose filter over-matches (say, sender OR recipient matched
// independently) still yields a correct conversation.
func (s *Syncer) listFiltered(ctx context.Context, key Key) ([]Message, error) {
	msgs, err := s.store.ListByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	filtered := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if key.Matches(m.Sender, m.Recipient) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// newer reports whether msgs supersedes the last emitted snapshot. The
// store is append-only, so a genuinely newer snapshot has more messages,
// or the same count with a later tail timestamp.
func newer(msgs []Message, lastCount int, lastTail time.Time) bool {
	if len(msgs) > lastCount {
		return true
	}
	return len(msgs) == lastCount && tail(msgs).After(lastTail)
}

func tail(msgs []Message) time.Time {
	if len(msgs) == 0 {
		return time.Time{}
	}
	return msgs[len(msgs)-1].CreatedAt
}
