package service

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryTokenBlacklistAddHasRemove(t *testing.T) {
	ctx := context.Background()
	bl := NewInMemoryTokenBlacklist(0, nil)
	defer bl.Shutdown()

	if err := bl.Add(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}
	has, err := bl.Has(ctx, "jti-1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Fatal("expected blacklisted jti")
	}

	if err := bl.Remove(ctx, "jti-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	has, err = bl.Has(ctx, "jti-1")
	if err != nil {
		t.Fatalf("has after remove: %v", err)
	}
	if has {
		t.Fatal("expected jti cleared after remove")
	}
}

func TestInMemoryTokenBlacklistIgnoresAlreadyExpired(t *testing.T) {
	ctx := context.Background()
	bl := NewInMemoryTokenBlacklist(0, nil)
	defer bl.Shutdown()

	if err := bl.Add(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("add expired: %v", err)
	}
	if bl.size() != 0 {
		t.Fatalf("size=%d want 0 for already expired entry", bl.size())
	}
}

func TestInMemoryTokenBlacklistCleanupRemovesExpired(t *testing.T) {
	ctx := context.Background()
	bl := NewInMemoryTokenBlacklist(0, nil)
	defer bl.Shutdown()

	if err := bl.Add(ctx, "short", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("add short: %v", err)
	}
	if err := bl.Add(ctx, "long", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("add long: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	removed, err := bl.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d want 1", removed)
	}
	if bl.size() != 1 {
		t.Fatalf("size=%d want 1 surviving entry", bl.size())
	}
}

func TestInMemoryTokenBlacklistShutdownIsIdempotent(t *testing.T) {
	bl := NewInMemoryTokenBlacklist(10*time.Millisecond, nil)
	bl.Shutdown()
	bl.Shutdown()
}

func TestRedisTokenBlacklistAddHasExpiry(t *testing.T) {
	ctx := context.Background()
	server, client := newRedisClientForTest(t)
	bl := NewRedisTokenBlacklist(client, "bl_test")

	if err := bl.Add(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}
	has, err := bl.Has(ctx, "jti-1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Fatal("expected blacklisted jti")
	}

	server.FastForward(2 * time.Minute)
	has, err = bl.Has(ctx, "jti-1")
	if err != nil {
		t.Fatalf("has after ttl: %v", err)
	}
	if has {
		t.Fatal("expected entry to expire with the key ttl")
	}
}
