package monitor

import (
	"sync"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// Sink receives every state transition emitted by the coordination components.
// Implementations must be safe for concurrent use and must not block for long.
type Sink interface {
	Emit(event types.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event types.Event)

// Emit calls f(event).
func (f SinkFunc) Emit(event types.Event) { f(event) }

// Nop discards all events.
var Nop Sink = SinkFunc(func(types.Event) {})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// =============================================================================
// LogSink
// =============================================================================

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "monitor"))}
}

// Emit logs the event at debug level.
func (s *LogSink) Emit(event types.Event) {
	fields := make([]zap.Field, 0, 4+len(event.Attributes))
	fields = append(fields,
		zap.String("source", string(event.Component)),
		zap.String("entity_id", event.EntityID),
		zap.String("event_type", event.EventType),
		zap.Time("timestamp", event.Timestamp),
	)
	for k, v := range event.Attributes {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Debug("state transition", fields...)
}

// =============================================================================
// MetricsSink
// =============================================================================

// MetricsSink counts transitions per component and event type.
type MetricsSink struct {
	collector *metrics.Collector
}

// NewMetricsSink creates a MetricsSink over collector.
func NewMetricsSink(collector *metrics.Collector) *MetricsSink {
	return &MetricsSink{collector: collector}
}

// Emit records the transition.
func (s *MetricsSink) Emit(event types.Event) {
	if s.collector == nil {
		return
	}
	s.collector.RecordTransition(string(event.Component), event.EventType)
}

// =============================================================================
// Multi
// =============================================================================

type multi []Sink

// Multi fans every event out to all non-nil sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(event types.Event) {
	for _, s := range m {
		s.Emit(event)
	}
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event.
func (r *Recorder) Emit(event types.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns recorded events of the given component and event type.
// An empty eventType matches any type.
func (r *Recorder) Filter(component types.Component, eventType string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, e := range r.events {
		if e.Component != component {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the number of matching events.
func (r *Recorder) Count(component types.Component, eventType string) int {
	return len(r.Filter(component, eventType))
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
