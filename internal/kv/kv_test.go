package kv

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	value := []byte("hello")
	if err := m.Set(ctx, "k", value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value[0] = 'j'

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("stored value should not alias the caller's slice, got %q", got)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty store, got %d keys", m.Len())
	}
}

func TestRedisKeyNamespace(t *testing.T) {
	r := NewRedis(nil, "bg2", 0)
	if got := r.key("activity_logs:u1"); got != "bg2:activity_logs:u1" {
		t.Fatalf("unexpected key %q", got)
	}
	bare := NewRedis(nil, "", 0)
	if got := bare.key("k"); got != "k" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewRedisClientRequiresAddress(t *testing.T) {
	if _, err := NewRedisClient(RedisOptions{}); err == nil {
		t.Fatal("expected an error without addresses")
	}
}
