package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("expected hit with value v, got %q ok=%v err=%v", val, ok, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	base := time.Now()
	c := NewMemoryCache()
	c.now = func() time.Time { return base }

	_ = c.Set(context.Background(), "k", []byte("v"), time.Second)
	c.now = func() time.Time { return base.Add(2 * time.Second) }

	if _, ok, _ := c.Get(context.Background(), "k"); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestMemoryCache_NoTTLNeverExpires(t *testing.T) {
	c := NewMemoryCache()
	_ = c.Set(context.Background(), "k", []byte("v"), 0)
	if _, ok, _ := c.Get(context.Background(), "k"); !ok {
		t.Fatalf("expected entry without ttl to persist")
	}
}

func TestKey_DeterministicAndDistinct(t *testing.T) {
	a := Key("conv1", "query", "hybrid", 10, 2048, "")
	b := Key("conv1", "query", "hybrid", 10, 2048, "")
	if a != b {
		t.Fatalf("expected Key to be deterministic")
	}
	c := Key("conv2", "query", "hybrid", 10, 2048, "")
	if a == c {
		t.Fatalf("expected different conversation ids to produce different keys")
	}
}

func TestKey_DifferentFiltersDoNotCollide(t *testing.T) {
	a := Key("conv1", "query", "hybrid", 10, 2048, "fact")
	b := Key("conv1", "query", "hybrid", 10, 2048, "task")
	if a == b {
		t.Fatalf("expected different filters to produce different keys")
	}
}

func TestMemoryCache_Len(t *testing.T) {
	c := NewMemoryCache()
	for i := 0; i < 5; i++ {
		_ = c.Set(context.Background(), string(rune('a'+i)), []byte("v"), time.Minute)
	}
	if c.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", c.Len())
	}
}
