package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCacheFromClient(cli), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "exec_tpl-1_abc", []byte(`{"result":"Hello"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := c.Get(ctx, "exec_tpl-1_abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `{"result":"Hello"}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestRedisCache_Miss(t *testing.T) {
	c, _ := newTestRedisCache(t)
	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Error("expected miss")
	}
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	mr.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expired entry must not be returned")
	}
}

func TestRedisCache_DeletePrefix(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "exec_tpl-1_a", []byte("1"), time.Minute)
	c.Set(ctx, "exec_tpl-1_b", []byte("2"), time.Minute)
	c.Set(ctx, "exec_tpl-2_c", []byte("3"), time.Minute)

	if err := c.DeletePrefix(ctx, "exec_tpl-1_"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}

	if _, ok := c.Get(ctx, "exec_tpl-1_a"); ok {
		t.Error("exec_tpl-1_a should be gone")
	}
	if _, ok := c.Get(ctx, "exec_tpl-2_c"); !ok {
		t.Error("exec_tpl-2_c should survive")
	}
}

func TestRedisCache_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(cli)
	mr.Close() // simulate Redis outage

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("Set must not fail when Redis is down, got %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Get must miss when Redis is down")
	}
}
