package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/parley/dm-app/internal/metrics"
)

// ErrSendFailed wraps a store write failure. The draft is preserved so the
// user can retry; nothing is retried automatically.
var ErrSendFailed = errors.New("message send failed")

// ErrNoPeer is returned by Send when no recipient has been selected.
var ErrNoPeer = errors.New("no peer selected")

// Publisher is the fanout surface the composer uses to announce a
// successful append to push-mode watchers.
type Publisher interface {
	PublishConversationChange(subject string, data []byte) error
}

// Composer validates and persists outbound messages for one user. It keeps
// the in-flight draft: a failed send leaves the draft in place for retry, a
// successful send clears it.
type Composer struct {
	self  UserID
	store MessageStore
	pub   Publisher // nil disables change-event fanout (pull-only)

	mu    sync.Mutex
	peer  UserID
	draft string
}

// NewComposer creates a composer for the given user. pub may be nil in
// pull-only deployments.
func NewComposer(self UserID, store MessageStore, pub Publisher) *Composer {
	return &Composer{self: self, store: store, pub: pub}
}

// SetPeer selects the recipient for subsequent sends. Switching peers
// drops the previous conversation's draft.
func (c *Composer) SetPeer(peer UserID) {
	c.mu.Lock()
	if peer != c.peer {
		c.draft = ""
	}
	c.peer = peer
	c.mu.Unlock()
}

// Draft returns the preserved draft text, empty after a successful send.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send validates body and appends it as a message to the selected peer.
// Empty or whitespace-only bodies are a no-op: no write happens and
// ErrEmptyBody is returned. The message's creation timestamp is assigned
// by the store, so both participants observe the same global order.
//
// On success the draft is cleared, a change event is published for
// push-mode watchers, and the stored message is returned. On a write
// failure the returned error wraps ErrSendFailed and the draft keeps the
// attempted body.
func (c *Composer) Send(ctx context.Context, body string) (*Message, error) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == "" {
		return nil, ErrNoPeer
	}

	if err := ValidateBody(body); err != nil {
		if errors.Is(err, ErrEmptyBody) {
			return nil, err
		}
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// Remember the attempt so a failure leaves something to retry.
	c.mu.Lock()
	c.draft = body
	c.mu.Unlock()

	msg, err := c.store.Append(ctx, c.self, peer, body)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.mu.Lock()
	if c.peer == peer {
		c.draft = ""
	}
	c.mu.Unlock()

	c.announce(msg)
	metrics.MessagesSentTotal.WithLabelValues("ok").Inc()
	return &msg, nil
}

// announce publishes the change event for a stored message. A publish
// failure is logged, not surfaced: the message is durably written and any
// subsequent refresh or change event will include it.
func (c *Composer) announce(msg Message) {
	if c.pub == nil {
		return
	}
	event := ChangeEvent{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Ts:        msg.CreatedAt.Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[composer] marshal change event: %v", err)
		return
	}
	if err := c.pub.PublishConversationChange(msg.Key().Subject(), data); err != nil {
		log.Printf("[composer] publish change event for %s: %v", msg.Key().Subject(), err)
	}
}
