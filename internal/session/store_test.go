package session

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// newTestStore connects to a local Redis instance. Tests that call this
// helper are skipped when Redis is not available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResolveUnknownToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve(context.Background(), "test_missing_"+uuid.NewString())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCreateAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	token := "test_" + uuid.NewString()
	t.Cleanup(func() { store.Delete(ctx, token) })

	want := Identity{UserID: "u-42", DisplayName: "Alice"}
	if err := store.Create(ctx, token, want); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got.UserID != want.UserID || got.DisplayName != want.DisplayName {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := store.Touch(ctx, token); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
}

func TestDeleteRevokesSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	token := "test_" + uuid.NewString()

	if err := store.Create(ctx, token, Identity{UserID: "u-1", DisplayName: "Bob"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Delete(ctx, token); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store.Resolve(ctx, token); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated after delete, got %v", err)
	}
}

func TestPresence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := "test_user_" + uuid.NewString()
	b := "test_user_" + uuid.NewString()
	t.Cleanup(func() { store.MarkOffline(ctx, a) })

	if err := store.MarkOnline(ctx, a); err != nil {
		t.Fatalf("MarkOnline() error: %v", err)
	}

	online, err := store.Online(ctx, []string{a, b})
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if !online[a] {
		t.Errorf("expected %s online", a)
	}
	if online[b] {
		t.Errorf("expected %s offline", b)
	}

	if err := store.MarkOffline(ctx, a); err != nil {
		t.Fatalf("MarkOffline() error: %v", err)
	}
	online, err = store.Online(ctx, []string{a})
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if online[a] {
		t.Errorf("expected %s offline after MarkOffline", a)
	}
}

func TestOnlineEmptyInput(t *testing.T) {
	store := newTestStore(t)

	online, err := store.Online(context.Background(), nil)
	if err != nil {
		t.Fatalf("Online(nil) error: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("expected empty result, got %v", online)
	}
}
