package metrics

import (
	"net/http"
	"testing"
	"time"
)

type captureSink struct {
	names []string
}

func (s *captureSink) RecordMetricEvent(name string, _ float64, _ map[string]string) {
	s.names = append(s.names, name)
}

func TestCollector_RecordAndAggregate(t *testing.T) {
	c := NewCollector(nil)

	c.Record("latency", 100, nil)
	c.Record("latency", 300, nil)
	c.Record("latency", 200, nil)

	agg, ok := c.GetAggregate("latency")
	if !ok {
		t.Fatal("expected aggregate")
	}
	if agg.Count != 3 || agg.Sum != 600 || agg.Min != 100 || agg.Max != 300 || agg.Avg != 200 {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
	if agg.LastUpdated.IsZero() {
		t.Error("lastUpdated not set")
	}
}

func TestCollector_BoundsEntriesPerName(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < maxEntriesPerName+50; i++ {
		c.Record("x", float64(i), nil)
	}

	c.mu.Lock()
	n := len(c.entries["x"])
	first := c.entries["x"][0].Value
	c.mu.Unlock()

	if n != maxEntriesPerName {
		t.Errorf("entries = %d, want %d", n, maxEntriesPerName)
	}
	if first != 50 {
		t.Errorf("oldest surviving value = %v, want 50 (oldest trimmed first)", first)
	}

	// The aggregate still reflects every recording.
	agg, _ := c.GetAggregate("x")
	if agg.Count != maxEntriesPerName+50 {
		t.Errorf("aggregate count = %d", agg.Count)
	}
}

func TestCollector_ForwardsToSink(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(sink)

	c.RecordProviderRequest("openai", "text_generation", true, 120, 0.002)

	want := map[string]bool{
		"provider.request.count":   false,
		"provider.request.success": false,
		"provider.request.latency": false,
		"provider.request.cost":    false,
	}
	for _, n := range sink.names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("sink never saw %s", n)
		}
	}
}

func TestCollector_GetProviderStats(t *testing.T) {
	c := NewCollector(nil)

	c.RecordProviderRequest("openai", "text_generation", true, 100, 0.01)
	c.RecordProviderRequest("openai", "text_generation", true, 200, 0.01)
	c.RecordProviderRequest("openai", "text_generation", false, 300, 0)
	c.RecordProviderRequest("anthropic", "text_generation", true, 999, 0.5)

	stats := c.GetProviderStats("openai", time.Hour)
	if stats.RequestCount != 3 {
		t.Errorf("requestCount = %d, want 3", stats.RequestCount)
	}
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Errorf("successRate = %v, want ~0.667", stats.SuccessRate)
	}
	if stats.AvgLatencyMs != 200 {
		t.Errorf("avgLatency = %v, want 200", stats.AvgLatencyMs)
	}
	if stats.TotalCost != 0.02 {
		t.Errorf("totalCost = %v, want 0.02", stats.TotalCost)
	}
}

func TestCollector_WindowExcludesOldEntries(t *testing.T) {
	c := NewCollector(nil)

	base := time.Now()
	c.now = func() time.Time { return base.Add(-2 * time.Hour) }
	c.RecordProviderRequest("openai", "text_generation", true, 100, 0)

	c.now = func() time.Time { return base }
	c.RecordProviderRequest("openai", "text_generation", true, 200, 0)

	stats := c.GetProviderStats("openai", time.Hour)
	if stats.RequestCount != 1 {
		t.Errorf("requestCount = %d, want 1 (old entry outside window)", stats.RequestCount)
	}
}

func TestCollector_Cleanup(t *testing.T) {
	c := NewCollector(nil)

	base := time.Now()
	c.now = func() time.Time { return base.Add(-2 * time.Hour) }
	c.Record("old", 1, nil)

	c.now = func() time.Time { return base }
	c.Record("fresh", 1, nil)

	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := c.entries["old"]; ok {
		t.Error("old vector should be dropped entirely")
	}
}

func TestCollector_CircuitBreakerEvent(t *testing.T) {
	c := NewCollector(nil)

	c.RecordCircuitBreakerEvent("openai", "opened")

	agg, ok := c.GetAggregate("provider.circuit_breaker.event")
	if !ok || agg.Count != 1 {
		t.Errorf("unexpected aggregate: %+v ok=%v", agg, ok)
	}
}

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "42")
	h.Set("X-RateLimit-Limit", "100")
	h.Set("X-RateLimit-Reset", "30")

	info := ParseRateLimitHeaders(h)
	if info == nil {
		t.Fatal("expected info")
	}
	if info.Remaining != 42 || info.Limit != 100 {
		t.Errorf("got %+v", info)
	}
	if info.ResetTime == nil {
		t.Fatal("expected reset time")
	}
	until := time.Until(*info.ResetTime)
	if until < 25*time.Second || until > 35*time.Second {
		t.Errorf("reset time not ~30s out: %v", until)
	}
}

func TestParseRateLimitHeaders_Fallback(t *testing.T) {
	h := http.Header{}
	h.Set("RateLimit-Remaining", "7")

	info := ParseRateLimitHeaders(h)
	if info == nil || info.Remaining != 7 {
		t.Fatalf("got %+v", info)
	}
	if info.ResetTime != nil {
		t.Error("no reset header, no reset time")
	}
}

func TestParseRateLimitHeaders_None(t *testing.T) {
	if info := ParseRateLimitHeaders(http.Header{}); info != nil {
		t.Errorf("expected nil, got %+v", info)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.ObserveInvocation("openai", "text_generation", true, 150*time.Millisecond, 0.01)
	r.SetCircuitBreaker("openai", 1)
	r.SetCircuitBreaker("openai", 1) // no duplicate transition

	if r.Handler() == nil {
		t.Fatal("expected handler")
	}

	// Gathering must not error with all metric families registered.
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "gateway_invocations_total" {
			found = true
		}
	}
	if !found {
		t.Error("gateway_invocations_total not exported")
	}
}
