package messaging

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestClient connects to a local NATS server. Tests that call this
// helper are skipped when NATS is not available.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	config := DefaultConfig()
	config.Name = "parley-test"
	config.MaxReconnects = 0
	client, err := NewClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := newTestClient(t)
	subject := "conversation.test." + uuid.NewString()

	received := make(chan []byte, 1)
	if err := client.SubscribeConversation(subject, "owner-1", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("SubscribeConversation() error: %v", err)
	}

	if err := client.PublishConversationChange(subject, []byte(`{"message_id":"m-1"}`)); err != nil {
		t.Fatalf("PublishConversationChange() error: %v", err)
	}

	if got := waitFor(t, received); string(got) != `{"message_id":"m-1"}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := newTestClient(t)
	subject := "conversation.test." + uuid.NewString()

	received := make(chan []byte, 1)
	if err := client.SubscribeConversation(subject, "owner-1", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("SubscribeConversation() error: %v", err)
	}
	if err := client.UnsubscribeConversation("owner-1"); err != nil {
		t.Fatalf("UnsubscribeConversation() error: %v", err)
	}

	if err := client.PublishConversationChange(subject, []byte("{}")); err != nil {
		t.Fatalf("PublishConversationChange() error: %v", err)
	}

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeUnknownOwner(t *testing.T) {
	client := newTestClient(t)
	if err := client.UnsubscribeConversation("nobody"); err == nil {
		t.Fatal("expected error for unknown owner")
	}
}

// Re-subscribing under the same owner token replaces the previous
// subscription, so a watcher switching conversations never hears its old
// subject again.
func TestResubscribeReplacesOwner(t *testing.T) {
	client := newTestClient(t)
	oldSubject := "conversation.test." + uuid.NewString()
	newSubject := "conversation.test." + uuid.NewString()

	received := make(chan []byte, 2)
	if err := client.SubscribeConversation(oldSubject, "owner-1", func(data []byte) {
		received <- append([]byte("old:"), data...)
	}); err != nil {
		t.Fatalf("SubscribeConversation() error: %v", err)
	}
	if err := client.SubscribeConversation(newSubject, "owner-1", func(data []byte) {
		received <- append([]byte("new:"), data...)
	}); err != nil {
		t.Fatalf("SubscribeConversation() error: %v", err)
	}

	if err := client.PublishConversationChange(oldSubject, []byte("a")); err != nil {
		t.Fatalf("publish old: %v", err)
	}
	if err := client.PublishConversationChange(newSubject, []byte("b")); err != nil {
		t.Fatalf("publish new: %v", err)
	}

	if got := waitFor(t, received); string(got) != "new:b" {
		t.Fatalf("expected only the new subject delivered, got %s", got)
	}
}
