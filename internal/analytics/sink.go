// Package analytics implements a non-blocking, batched event sink for
// invocation and metric events.
//
// Events are written to an internal buffered channel and flushed in
// batches by a background goroutine, so publishing never blocks the proxy
// hot path. If the channel fills up (> 10 000 events), new events are
// dropped and counted in DroppedEvents.
//
// Two backends exist: a structured-log backend (default) and a ClickHouse
// backend for deployments that want queryable invocation history.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// InvocationEvent records one provider invocation outcome.
type InvocationEvent struct {
	ID           uuid.UUID
	RequestID    string
	ProviderID   string
	ProviderName string
	Operation    string
	Success      bool
	DurationMs   int64
	TokensUsed   int
	Cost         float64
	ErrorCode    string
	CreatedAt    time.Time
}

// MetricEvent records one collector measurement.
type MetricEvent struct {
	Name      string
	Value     float64
	Tags      map[string]string
	CreatedAt time.Time
}

// Backend persists flushed batches. Implementations must tolerate empty
// slices.
type Backend interface {
	WriteInvocations(ctx context.Context, events []InvocationEvent) error
	WriteMetrics(ctx context.Context, events []MetricEvent) error
	Close() error
}

type event struct {
	invocation *InvocationEvent
	metric     *MetricEvent
}

// Sink is the asynchronous event pipeline.
type Sink struct {
	ch        chan event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	backend Backend
}

// NewSink starts the pipeline over the given backend.
func NewSink(ctx context.Context, backend Backend) (*Sink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("analytics: backend must not be nil")
	}

	s := &Sink{
		ch:      make(chan event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		backend: backend,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// RecordInvocation publishes an invocation event without blocking.
func (s *Sink) RecordInvocation(ev InvocationEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.publish(event{invocation: &ev})
}

// RecordMetricEvent publishes a metric event without blocking. This
// satisfies the collector's sink interface.
func (s *Sink) RecordMetricEvent(name string, value float64, tags map[string]string) {
	s.publish(event{metric: &MetricEvent{
		Name:      name,
		Value:     value,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}})
}

func (s *Sink) publish(ev event) {
	select {
	case s.ch <- ev:
	default:
		atomic.AddInt64(&s.droppedEvents, 1)
	}
}

// DroppedEvents returns how many events were discarded due to backpressure.
func (s *Sink) DroppedEvents() int64 {
	return atomic.LoadInt64(&s.droppedEvents)
}

// Close drains the channel, flushes the final batches, and closes the
// backend.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.backend.Close()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	invocations := make([]InvocationEvent, 0, batchSize)
	metricEvents := make([]MetricEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(invocations) > 0 {
			_ = s.backend.WriteInvocations(ctx, invocations)
			invocations = invocations[:0]
		}
		if len(metricEvents) > 0 {
			_ = s.backend.WriteMetrics(ctx, metricEvents)
			metricEvents = metricEvents[:0]
		}
	}

	add := func(ev event) {
		if ev.invocation != nil {
			invocations = append(invocations, *ev.invocation)
		}
		if ev.metric != nil {
			metricEvents = append(metricEvents, *ev.metric)
		}
		if len(invocations)+len(metricEvents) >= batchSize {
			flush(s.baseCtx)
		}
	}

	for {
		select {
		case ev := <-s.ch:
			add(ev)

		case <-ticker.C:
			flush(s.baseCtx)

		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					add(ev)
				default:
					flush(s.baseCtx)
					return
				}
			}
		}
	}
}
