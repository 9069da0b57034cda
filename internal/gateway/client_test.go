package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley/dm-app/internal/conversation"
	"github.com/parley/dm-app/internal/directory"
	"github.com/parley/dm-app/internal/session"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeSessions struct {
	tokens map[string]session.Identity
}

func (f *fakeSessions) Resolve(_ context.Context, token string) (*session.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return nil, session.ErrNotAuthenticated
	}
	return &id, nil
}

func (f *fakeSessions) Touch(context.Context, string) error      { return nil }
func (f *fakeSessions) MarkOnline(context.Context, string) error { return nil }

type fakeDirectory struct {
	users []directory.User
	err   error
}

func (f *fakeDirectory) List(_ context.Context, self string) ([]directory.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []directory.User
	for _, u := range f.users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []conversation.Message
	seq  int
	fail bool
}

func (s *fakeMessages) Append(_ context.Context, sender, recipient conversation.UserID, body string) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return conversation.Message{}, errors.New("write refused")
	}
	s.seq++
	m := conversation.Message{
		ID:        fmt.Sprintf("m-%d", s.seq),
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second),
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *fakeMessages) ListByKey(_ context.Context, key conversation.Key) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Message
	for _, m := range s.msgs {
		if key.Matches(m.Sender, m.Recipient) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[string]struct {
		subject string
		handler func([]byte)
	}
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]struct {
		subject string
		handler func([]byte)
	})}
}

func (b *fakeBus) SubscribeConversation(subject, owner string, handler func(data []byte)) error {
	b.mu.Lock()
	b.subs[owner] = struct {
		subject string
		handler func([]byte)
	}{subject, handler}
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) UnsubscribeConversation(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, owner)
	return nil
}

func (b *fakeBus) PublishConversationChange(subject string, data []byte) error {
	b.mu.Lock()
	var handlers []func([]byte)
	for _, sub := range b.subs {
		if sub.subject == subject {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type frame map[string]interface{}

type harness struct {
	client *client
	frames chan frame
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	frames := make(chan frame, 32)
	send := func(data []byte) error {
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Errorf("server sent invalid JSON: %v", err)
			return err
		}
		frames <- f
		return nil
	}
	c := newClient(context.Background(), "test-conn", &deps, send)
	t.Cleanup(c.close)
	return &harness{client: c, frames: frames}
}

func (h *harness) sendRaw(t *testing.T, raw string) {
	t.Helper()
	h.client.handle([]byte(raw))
}

func (h *harness) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (h *harness) expectType(t *testing.T, msgType string) frame {
	t.Helper()
	f := h.next(t)
	if f["type"] != msgType {
		t.Fatalf("expected frame type %q, got %v", msgType, f)
	}
	return f
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.frames:
		t.Fatalf("expected no frame, got %v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func defaultDeps() (Deps, *fakeMessages, *fakeBus) {
	msgs := &fakeMessages{}
	bus := newFakeBus()
	deps := Deps{
		Sessions: &fakeSessions{tokens: map[string]session.Identity{
			"tok-alice": {UserID: "u-1", DisplayName: "Alice"},
			"tok-bob":   {UserID: "u-2", DisplayName: "Bob"},
		}},
		Directory: &fakeDirectory{users: []directory.User{
			{ID: "u-1", DisplayName: "Alice"},
			{ID: "u-2", DisplayName: "Bob"},
		}},
		Messages: msgs,
		Bus:      bus,
	}
	return deps, msgs, bus
}

func authAs(t *testing.T, h *harness, token string) {
	t.Helper()
	h.sendRaw(t, `{"type":"auth","token":"`+token+`"}`)
	h.expectType(t, "authed")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRejectsUnauthenticated(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)

	for _, raw := range []string{
		`{"type":"list_users"}`,
		`{"type":"select_peer","peer_id":"u-2"}`,
		`{"type":"send_message","text":"hi"}`,
		`{"type":"refresh"}`,
	} {
		h.sendRaw(t, raw)
		f := h.expectType(t, "error")
		if f["code"] != "not_authenticated" {
			t.Fatalf("expected not_authenticated for %s, got %v", raw, f)
		}
	}
}

func TestAuthBadToken(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)

	h.sendRaw(t, `{"type":"auth","token":"nope"}`)
	f := h.expectType(t, "error")
	if f["code"] != "not_authenticated" {
		t.Fatalf("expected not_authenticated, got %v", f)
	}
}

func TestAuthAndListUsers(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)

	h.sendRaw(t, `{"type":"auth","token":"tok-alice"}`)
	f := h.expectType(t, "authed")
	if f["user_id"] != "u-1" || f["display_name"] != "Alice" {
		t.Fatalf("unexpected authed frame: %v", f)
	}

	h.sendRaw(t, `{"type":"list_users"}`)
	f = h.expectType(t, "directory")
	users := f["users"].([]interface{})
	if len(users) != 1 {
		t.Fatalf("expected the roster to exclude the current user, got %v", users)
	}
	entry := users[0].(map[string]interface{})
	if entry["id"] != "u-2" {
		t.Fatalf("expected only u-2 in the roster, got %v", entry)
	}
}

func TestDirectoryFailureYieldsNoticeAndEmptyRoster(t *testing.T) {
	deps, _, _ := defaultDeps()
	deps.Directory = &fakeDirectory{err: directory.ErrUnavailable}
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"list_users"}`)
	notice := h.expectType(t, "notice")
	if notice["level"] != "error" {
		t.Fatalf("expected error notice, got %v", notice)
	}
	dir := h.expectType(t, "directory")
	if users := dir["users"].([]interface{}); len(users) != 0 {
		t.Fatalf("expected empty roster on failure, got %v", users)
	}
}

func TestSelectPeerPushEmitsSnapshot(t *testing.T) {
	deps, msgs, _ := defaultDeps()
	msgs.Append(context.Background(), "u-1", "u-2", "hi")
	msgs.Append(context.Background(), "u-2", "u-1", "yo")
	msgs.Append(context.Background(), "u-1", "u-3", "spam")

	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2"}`)
	f := h.expectType(t, "snapshot")
	if f["peer_id"] != "u-2" {
		t.Fatalf("expected snapshot for u-2, got %v", f)
	}
	list := f["messages"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("expected 2 messages (cross-talk excluded), got %d", len(list))
	}
	first := list[0].(map[string]interface{})
	second := list[1].(map[string]interface{})
	if first["body"] != "hi" || second["body"] != "yo" {
		t.Fatalf("expected [hi yo], got %v %v", first["body"], second["body"])
	}
}

func TestSendMessagePushRoundtrip(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2"}`)
	h.expectType(t, "snapshot") // initial, empty

	h.sendRaw(t, `{"type":"send_message","text":"hello"}`)

	// The send triggers a change event; the client's own watcher emits a
	// fresh snapshot alongside the ack and toast. Collect frames until
	// all three kinds arrived; order between them is not fixed.
	seen := map[string]frame{}
	for len(seen) < 3 {
		f := h.next(t)
		seen[f["type"].(string)] = f
	}
	if _, ok := seen["message_sent"]; !ok {
		t.Fatalf("expected a message_sent ack, got %v", seen)
	}
	if notice, ok := seen["notice"]; !ok || notice["level"] != "info" {
		t.Fatalf("expected an info notice, got %v", seen)
	}
	snap, ok := seen["snapshot"]
	if !ok {
		t.Fatalf("expected a push snapshot, got %v", seen)
	}
	list := snap["messages"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected 1 message in snapshot, got %d", len(list))
	}
	m := list[0].(map[string]interface{})
	if m["body"] != "hello" || m["sender"] != "u-1" {
		t.Fatalf("unexpected snapshot message: %v", m)
	}
}

func TestSendEmptyIsSilentNoOp(t *testing.T) {
	deps, msgs, _ := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2","mode":"pull"}`)
	h.expectType(t, "snapshot")

	h.sendRaw(t, `{"type":"send_message","text":"   "}`)
	h.expectQuiet(t)
	if len(msgs.msgs) != 0 {
		t.Fatalf("expected no store write for blank input, got %d", len(msgs.msgs))
	}
}

func TestSendFailureKeepsDraftAndToasts(t *testing.T) {
	deps, msgs, _ := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2","mode":"pull"}`)
	h.expectType(t, "snapshot")

	msgs.fail = true
	h.sendRaw(t, `{"type":"send_message","text":"hello"}`)
	f := h.expectType(t, "notice")
	if f["level"] != "error" {
		t.Fatalf("expected error notice, got %v", f)
	}

	h.client.mu.Lock()
	draft := h.client.composer.Draft()
	h.client.mu.Unlock()
	if draft != "hello" {
		t.Fatalf("expected draft preserved for retry, got %q", draft)
	}
}

func TestPullModeRefresh(t *testing.T) {
	deps, msgs, _ := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2","mode":"pull"}`)
	h.expectType(t, "snapshot")

	h.sendRaw(t, `{"type":"send_message","text":"hello"}`)
	h.expectType(t, "message_sent")
	h.expectType(t, "notice")

	h.sendRaw(t, `{"type":"refresh"}`)
	f := h.expectType(t, "snapshot")
	list := f["messages"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected 1 message after refresh, got %d", len(list))
	}
	_ = msgs
}

func TestSwitchPeerStopsOldConversationFrames(t *testing.T) {
	deps, msgs, bus := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2"}`)
	h.expectType(t, "snapshot")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-3"}`)
	f := h.expectType(t, "snapshot")
	if f["peer_id"] != "u-3" {
		t.Fatalf("expected snapshot for u-3, got %v", f)
	}

	// A mutation in the old conversation must not surface anymore.
	msgs.Append(context.Background(), "u-2", "u-1", "too late")
	bus.PublishConversationChange(conversation.NewKey("u-1", "u-2").Subject(), []byte("{}"))
	h.expectQuiet(t)
}

func TestReauthDetachesPreviousIdentityWatch(t *testing.T) {
	deps, msgs, bus := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"select_peer","peer_id":"u-2"}`)
	h.expectType(t, "snapshot")

	// Rebind the connection to Bob. Alice's standing watch must go with her.
	authAs(t, h, "tok-bob")

	msgs.Append(context.Background(), "u-2", "u-1", "for the previous user only")
	bus.PublishConversationChange(conversation.NewKey("u-1", "u-2").Subject(), []byte("{}"))
	h.expectQuiet(t)
}

func TestRefreshWithoutPeer(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)
	authAs(t, h, "tok-alice")

	h.sendRaw(t, `{"type":"refresh"}`)
	f := h.expectType(t, "error")
	if f["code"] != "invalid_message" {
		t.Fatalf("expected invalid_message, got %v", f)
	}
}

func TestPing(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)

	h.sendRaw(t, `{"type":"ping"}`)
	h.expectType(t, "pong")
}

func TestUnknownTypeYieldsError(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newHarness(t, deps)

	h.sendRaw(t, `{"type":"bogus"}`)
	f := h.expectType(t, "error")
	if f["code"] != "unknown_type" {
		t.Fatalf("expected unknown_type, got %v", f)
	}
}
