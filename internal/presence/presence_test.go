package presence

import (
	"context"
	"testing"
	"time"
)

func TestCache_LocalSetGet(t *testing.T) {
	c, err := NewCache[string]("", "test:", time.Minute)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	ctx := context.Background()

	if err := c.Set(ctx, "a", "hello"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := c.Get(ctx, "a")
	if !ok || v != "hello" {
		t.Fatalf("expected hello, got %q (ok=%v)", v, ok)
	}
}

func TestCache_LocalExpiry(t *testing.T) {
	c, err := NewCache[int]("", "test:", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "a", 42)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestCache_Delete(t *testing.T) {
	c, _ := NewCache[int]("", "test:", time.Minute)
	ctx := context.Background()
	c.Set(ctx, "a", 1)
	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected deleted entry to miss")
	}
}

func TestCache_AllSkipsExpired(t *testing.T) {
	c, _ := NewCache[string]("", "test:", 10*time.Millisecond)
	ctx := context.Background()
	c.Set(ctx, "a", "one")
	time.Sleep(25 * time.Millisecond)
	c.Set(ctx, "b", "two")

	all, err := c.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if _, ok := all["a"]; ok {
		t.Fatal("expected expired key 'a' to be excluded")
	}
	if v, ok := all["b"]; !ok || v != "two" {
		t.Fatalf("expected 'b' -> two, got %v (ok=%v)", v, ok)
	}
}
