package metrics

import (
	"sync"
	"time"
)

const (
	// maxEntriesPerName bounds each per-name vector; the oldest entries are
	// trimmed first.
	maxEntriesPerName = 500

	// retention is how long raw entries stay queryable.
	retention = time.Hour
)

// Entry is one recorded measurement.
type Entry struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Aggregate is the live rollup maintained per metric name.
type Aggregate struct {
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Avg         float64   `json:"avg"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ProviderStats summarizes one provider's traffic over a time window.
type ProviderStats struct {
	RequestCount int64   `json:"requestCount"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs float64 `json:"avgLatency"`
	TotalCost    float64 `json:"totalCost"`
}

// Sink receives every recorded metric without blocking the caller. The
// analytics pipeline implements this; a nil sink is allowed.
type Sink interface {
	RecordMetricEvent(name string, value float64, tags map[string]string)
}

// Collector keeps bounded in-memory metric vectors with live aggregates.
// It backs the usage-statistics API; Prometheus export is handled
// separately by Registry.
type Collector struct {
	mu         sync.Mutex
	entries    map[string][]Entry
	aggregates map[string]*Aggregate
	sink       Sink
	now        func() time.Time
}

// NewCollector builds a Collector. sink may be nil.
func NewCollector(sink Sink) *Collector {
	return &Collector{
		entries:    make(map[string][]Entry),
		aggregates: make(map[string]*Aggregate),
		sink:       sink,
		now:        time.Now,
	}
}

// Record appends a measurement, updates the live aggregate, and forwards
// the event to the analytics sink.
func (c *Collector) Record(name string, value float64, tags map[string]string) {
	now := c.now()

	c.mu.Lock()
	vec := append(c.entries[name], Entry{Name: name, Value: value, Timestamp: now, Tags: tags})
	if len(vec) > maxEntriesPerName {
		vec = vec[len(vec)-maxEntriesPerName:]
	}
	c.entries[name] = vec

	agg, ok := c.aggregates[name]
	if !ok {
		agg = &Aggregate{Min: value, Max: value}
		c.aggregates[name] = agg
	}
	agg.Count++
	agg.Sum += value
	if value < agg.Min {
		agg.Min = value
	}
	if value > agg.Max {
		agg.Max = value
	}
	agg.Avg = agg.Sum / float64(agg.Count)
	agg.LastUpdated = now
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.RecordMetricEvent(name, value, tags)
	}
}

// RecordProviderRequest records the standard per-invocation metric set.
func (c *Collector) RecordProviderRequest(providerID, operation string, success bool, latencyMs int64, cost float64) {
	tags := map[string]string{"providerId": providerID, "operation": operation}

	c.Record("provider.request.count", 1, tags)
	if success {
		c.Record("provider.request.success", 1, tags)
	} else {
		c.Record("provider.request.failure", 1, tags)
	}
	c.Record("provider.request.latency", float64(latencyMs), tags)
	if cost > 0 {
		c.Record("provider.request.cost", cost, tags)
	}
}

// RecordCircuitBreakerEvent records a breaker transition (opened, closed,
// half_open) for a provider.
func (c *Collector) RecordCircuitBreakerEvent(providerID, event string) {
	c.Record("provider.circuit_breaker.event", 1, map[string]string{
		"providerId": providerID,
		"event":      event,
	})
}

// GetAggregate returns the live rollup for a metric name.
func (c *Collector) GetAggregate(name string) (Aggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.aggregates[name]
	if !ok {
		return Aggregate{}, false
	}
	return *agg, true
}

// GetProviderStats sums the provider's tagged metrics within the window
// (default one hour).
func (c *Collector) GetProviderStats(providerID string, window time.Duration) ProviderStats {
	if window <= 0 {
		window = retention
	}
	cutoff := c.now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	var stats ProviderStats
	var successes int64
	var latencySum float64
	var latencyCount int64

	sum := func(name string, fn func(Entry)) {
		for _, e := range c.entries[name] {
			if e.Timestamp.Before(cutoff) || e.Tags["providerId"] != providerID {
				continue
			}
			fn(e)
		}
	}

	sum("provider.request.count", func(e Entry) { stats.RequestCount += int64(e.Value) })
	sum("provider.request.success", func(e Entry) { successes += int64(e.Value) })
	sum("provider.request.latency", func(e Entry) { latencySum += e.Value; latencyCount++ })
	sum("provider.request.cost", func(e Entry) { stats.TotalCost += e.Value })

	if stats.RequestCount > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.RequestCount)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return stats
}

// Cleanup drops entries older than the retention horizon. Returns the
// number of entries removed.
func (c *Collector) Cleanup() int {
	cutoff := c.now().Add(-retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, vec := range c.entries {
		keep := vec[:0]
		for _, e := range vec {
			if e.Timestamp.After(cutoff) {
				keep = append(keep, e)
			} else {
				removed++
			}
		}
		if len(keep) == 0 {
			delete(c.entries, name)
			continue
		}
		c.entries[name] = keep
	}
	return removed
}
