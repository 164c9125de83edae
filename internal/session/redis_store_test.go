package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestSaveAndLookupSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	caller := Caller{ID: "user-1", Name: "Avery", IsElevated: true}

	if err := store.SaveSession(ctx, "tok-1", caller, time.Hour); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.LookupSession(ctx, "tok-1")
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if got != caller {
		t.Errorf("expected caller %+v, got %+v", caller, got)
	}
}

func TestLookupUnknownTokenReturnsErrNoSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	_, err := store.LookupSession(context.Background(), "missing")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveSession(ctx, "tok-ttl", Caller{ID: "user-2"}, time.Minute); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := store.LookupSession(ctx, "tok-ttl"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after TTL, got %v", err)
	}
}

func TestRevokeSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveSession(ctx, "tok-del", Caller{ID: "user-3"}, time.Hour); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := store.RevokeSession(ctx, "tok-del"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := store.LookupSession(ctx, "tok-del"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after revoke, got %v", err)
	}
	// Revoking again is a no-op.
	if err := store.RevokeSession(ctx, "tok-del"); err != nil {
		t.Fatalf("second RevokeSession failed: %v", err)
	}
}
