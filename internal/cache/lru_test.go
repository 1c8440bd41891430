package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRU_GetSet(t *testing.T) {
	c := NewLRU[string](10, time.Minute)

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Errorf("expected hit with value 1, got %q ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU[string](10, 10*time.Millisecond)

	c.Set("a", "1")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("expired entry must not be returned")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on access, len=%d", c.Len())
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[int](3, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the LRU entry.
	c.Get("a")
	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s to survive", k)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}
}

func TestLRU_EvictionAtCapacity(t *testing.T) {
	// Mirrors the template tier: 501 inserts into a 500-entry cache must
	// evict the first key.
	c := NewLRU[int](TemplateMaxSize, time.Minute)

	for i := 0; i <= TemplateMaxSize; i++ {
		c.Set(fmt.Sprintf("tpl-%d", i), i)
	}

	if _, ok := c.Get("tpl-0"); ok {
		t.Error("tpl-0 should have been evicted")
	}
	if _, ok := c.Get("tpl-500"); !ok {
		t.Error("tpl-500 should be present")
	}
	if c.Stats().Evictions < 1 {
		t.Error("expected at least one eviction")
	}
}

func TestLRU_SetIsIdempotentOnSize(t *testing.T) {
	c := NewLRU[string](10, time.Minute)

	c.Set("a", "1")
	c.Set("a", "2")

	if c.Len() != 1 {
		t.Errorf("re-setting a key must not grow the cache, len=%d", c.Len())
	}
	if v, _ := c.Get("a"); v != "2" {
		t.Errorf("expected updated value, got %q", v)
	}
}

func TestLRU_DeleteFunc(t *testing.T) {
	c := NewLRU[string](10, time.Minute)

	c.Set("exec_tpl-1_x", "tpl-1")
	c.Set("exec_tpl-1_y", "tpl-1")
	c.Set("exec_tpl-2_z", "tpl-2")

	removed := c.DeleteFunc(func(_ string, v string) bool { return v == "tpl-1" })
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 survivor, len=%d", c.Len())
	}
}

func TestLRU_Cleanup(t *testing.T) {
	c := NewLRU[int](10, 5*time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(10 * time.Millisecond)

	if removed := c.Cleanup(); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[int](2, time.Minute)

	c.Set("a", 1)
	c.Get("a")
	c.Get("nope")

	s := c.Stats()
	if s.HitCount != 1 || s.MissCount != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestExecutionKey_OrderInvariant(t *testing.T) {
	a := ExecutionKey("tpl-1", map[string]any{"a": "1", "b": "2"})
	b := ExecutionKey("tpl-1", map[string]any{"b": "2", "a": "1"})
	if a != b {
		t.Errorf("key must be order-invariant: %q vs %q", a, b)
	}
}

func TestExecutionKey_DistinguishesInputs(t *testing.T) {
	base := ExecutionKey("tpl-1", map[string]any{"a": "1"})

	if got := ExecutionKey("tpl-2", map[string]any{"a": "1"}); got == base {
		t.Error("different template ids must produce different keys")
	}
	if got := ExecutionKey("tpl-1", map[string]any{"a": "2"}); got == base {
		t.Error("different variables must produce different keys")
	}
}

func TestExecutionKey_Format(t *testing.T) {
	key := ExecutionKey("tpl-1", map[string]any{"name": "World"})
	if want := "exec_tpl-1_"; len(key) <= len(want) || key[:len(want)] != want {
		t.Errorf("unexpected key format: %q", key)
	}
}
