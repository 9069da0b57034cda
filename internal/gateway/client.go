package gateway

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/parley/dm-app/internal/conversation"
	"github.com/parley/dm-app/internal/directory"
	"github.com/parley/dm-app/internal/notify"
	"github.com/parley/dm-app/internal/protocol"
	"github.com/parley/dm-app/internal/session"
)

// ChangeBus is the push-mode surface a gateway needs: subscriptions for
// watchers plus publication of change events after a send. May be nil, in
// which case clients fall back to pull mode.
type ChangeBus interface {
	conversation.Bus
	conversation.Publisher
}

// SessionStore is the slice of the session layer the gateway uses.
// *session.Store implements it.
type SessionStore interface {
	Resolve(ctx context.Context, token string) (*session.Identity, error)
	Touch(ctx context.Context, token string) error
	MarkOnline(ctx context.Context, userID string) error
}

// UserLister serves the user roster. *directory.Directory implements it.
type UserLister interface {
	List(ctx context.Context, self string) ([]directory.User, error)
}

// Deps are the collaborators a gateway serves the chat core with.
type Deps struct {
	Sessions  SessionStore
	Directory UserLister
	Messages  conversation.MessageStore
	Bus       ChangeBus       // nil disables push mode
	Notifier  notify.Notifier // fallback sink, used before a client can receive toasts
}

// client holds the per-connection view state: who is logged in, which peer
// is selected, and the syncer/composer bound to that user. All business
// rules live in the conversation and directory packages; the client only
// routes frames.
type client struct {
	id   string
	deps *Deps
	ctx  context.Context
	send func(data []byte) error // serialized frame writer

	mu       sync.Mutex
	identity *session.Identity
	token    string
	mode     string
	syncer   *conversation.Syncer
	composer *conversation.Composer
}

func newClient(ctx context.Context, id string, deps *Deps, send func([]byte) error) *client {
	return &client{id: id, deps: deps, ctx: ctx, send: send}
}

// handle routes one inbound frame.
func (c *client) handle(data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] client %s: %v", c.id, err)
		c.writeError(protocol.CodeUnknownType, "unrecognized message")
		return
	}

	switch m := msg.(type) {
	case protocol.AuthMsg:
		c.handleAuth(m)
	case protocol.ListUsersMsg:
		c.handleListUsers()
	case protocol.SelectPeerMsg:
		c.handleSelectPeer(m)
	case protocol.SendMessageMsg:
		c.handleSendMessage(m)
	case protocol.RefreshMsg:
		c.handleRefresh()
	case protocol.PingMsg:
		c.handlePing()
	default:
		c.writeError(protocol.CodeUnknownType, "unhandled message type "+msgType)
	}
}

// handleAuth binds the connection to a session token. Until a token
// resolves, every other operation is rejected with not_authenticated.
func (c *client) handleAuth(m protocol.AuthMsg) {
	id, err := c.deps.Sessions.Resolve(c.ctx, m.Token)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			c.writeError(protocol.CodeNotAuthenticated, "session token not recognized")
			return
		}
		log.Printf("[gateway] client %s: resolve session: %v", c.id, err)
		c.writeError(protocol.CodeNotAuthenticated, "session lookup failed")
		return
	}

	self := conversation.UserID(id.UserID)
	syncer := conversation.NewSyncer(self, c.deps.Messages, c.deps.Bus)
	syncer.OnError = func(error) {
		// A push re-query failed for the still-selected peer; tell the
		// user, do not retry.
		c.toast(notify.LevelError, "Could not load the conversation")
	}

	// Re-auth rebinds the connection; the previous identity's watch must
	// stop streaming before the new identity takes over.
	c.mu.Lock()
	prev := c.syncer
	c.identity = id
	c.token = m.Token
	c.syncer = syncer
	c.composer = conversation.NewComposer(self, c.deps.Messages, c.deps.Bus)
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	if err := c.deps.Sessions.MarkOnline(c.ctx, id.UserID); err != nil {
		log.Printf("[gateway] client %s: mark online: %v", c.id, err)
	}

	log.Printf("[gateway] client %s authenticated as %s (%s)", c.id, id.UserID, id.DisplayName)
	c.write(protocol.TypeAuthed, protocol.AuthedMsg{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
	})
}

func (c *client) handleListUsers() {
	id, _, _ := c.state()
	if id == nil {
		c.writeError(protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	users, err := c.deps.Directory.List(c.ctx, id.UserID)
	if err != nil {
		log.Printf("[gateway] client %s: directory: %v", c.id, err)
		c.toast(notify.LevelError, "Could not fetch your chat users")
		c.write(protocol.TypeDirectory, protocol.DirectoryMsg{Users: []directory.User{}})
		return
	}
	if users == nil {
		users = []directory.User{}
	}
	c.write(protocol.TypeDirectory, protocol.DirectoryMsg{Users: users})
}

// handleSelectPeer opens the conversation with a peer. In push mode the
// syncer detaches any previous subscription before establishing the new
// one, so a mutation in the old conversation can no longer reach this
// client's rendered state.
func (c *client) handleSelectPeer(m protocol.SelectPeerMsg) {
	id, syncer, composer := c.state()
	if id == nil {
		c.writeError(protocol.CodeNotAuthenticated, "authenticate first")
		return
	}
	if m.PeerID == "" {
		c.writeError(protocol.CodeInvalidMessage, "peer_id is required")
		return
	}

	mode := m.Mode
	if mode == "" {
		mode = protocol.ModePush
	}
	if c.deps.Bus == nil {
		mode = protocol.ModePull
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	peer := conversation.UserID(m.PeerID)
	composer.SetPeer(peer)

	if mode == protocol.ModePush {
		err := syncer.Watch(c.ctx, peer, func(snap conversation.Snapshot) {
			c.writeSnapshot(snap)
		})
		if err != nil {
			log.Printf("[gateway] client %s: watch %s: %v", c.id, m.PeerID, err)
			c.toast(notify.LevelError, "Could not open the conversation")
		}
		return
	}

	snap, err := syncer.Open(c.ctx, peer)
	if err != nil {
		log.Printf("[gateway] client %s: open %s: %v", c.id, m.PeerID, err)
		c.toast(notify.LevelError, "Could not open the conversation")
		return
	}
	c.writeSnapshot(snap)
}

func (c *client) handleSendMessage(m protocol.SendMessageMsg) {
	id, _, composer := c.state()
	if id == nil {
		c.writeError(protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	msg, err := composer.Send(c.ctx, m.Text)
	switch {
	case err == nil:
		c.write(protocol.TypeMessageSent, protocol.MessageSentMsg{Message: *msg})
		c.toast(notify.LevelInfo, "Message sent")
	case errors.Is(err, conversation.ErrEmptyBody):
		// Blank input is a no-op, not a failure.
	case errors.Is(err, conversation.ErrNoPeer):
		c.writeError(protocol.CodeInvalidMessage, "select a peer first")
	case errors.Is(err, conversation.ErrSendFailed):
		log.Printf("[gateway] client %s: send: %v", c.id, err)
		c.toast(notify.LevelError, "Could not send your message")
	default:
		c.writeError(protocol.CodeInvalidMessage, err.Error())
	}
}

func (c *client) handleRefresh() {
	id, syncer, _ := c.state()
	if id == nil {
		c.writeError(protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	snap, err := syncer.Refresh(c.ctx)
	switch {
	case err == nil:
		c.writeSnapshot(snap)
	case errors.Is(err, conversation.ErrNotOpen):
		c.writeError(protocol.CodeInvalidMessage, "select a peer first")
	default:
		log.Printf("[gateway] client %s: refresh: %v", c.id, err)
		c.toast(notify.LevelError, "Could not load the conversation")
	}
}

func (c *client) handlePing() {
	id, _, _ := c.state()
	if id != nil {
		if err := c.deps.Sessions.Touch(c.ctx, c.token); err != nil {
			log.Printf("[gateway] client %s: touch session: %v", c.id, err)
		}
		if err := c.deps.Sessions.MarkOnline(c.ctx, id.UserID); err != nil {
			log.Printf("[gateway] client %s: mark online: %v", c.id, err)
		}
	}
	c.write(protocol.TypePong, protocol.PongMsg{})
}

// close releases everything the connection holds. Presence is left to
// lapse via its TTL so a second connection of the same user is not marked
// offline.
func (c *client) close() {
	c.mu.Lock()
	syncer := c.syncer
	c.mu.Unlock()
	if syncer != nil {
		syncer.Close()
	}
}

func (c *client) state() (*session.Identity, *conversation.Syncer, *conversation.Composer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.syncer, c.composer
}

func (c *client) writeSnapshot(snap conversation.Snapshot) {
	msgs := snap.Messages
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	c.write(protocol.TypeSnapshot, protocol.SnapshotMsg{
		PeerID:   string(snap.Peer),
		Messages: msgs,
	})
}

// toast forwards a notice to the client and mirrors it to the fallback
// notifier. Fire-and-forget on both paths.
func (c *client) toast(level, text string) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(level, text)
	}
	c.write(protocol.TypeNotice, protocol.NoticeMsg{Level: level, Text: text})
}

func (c *client) writeError(code, message string) {
	c.write(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (c *client) write(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] client %s: encode %s: %v", c.id, msgType, err)
		return
	}
	if err := c.send(data); err != nil {
		log.Printf("[gateway] client %s: write %s: %v", c.id, msgType, err)
	}
}
