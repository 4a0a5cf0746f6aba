package metrics

import "time"

// Names of the events the orchestrator records.
const (
	EventSessionState     = "session_state"
	EventAdmission        = "admission_latency_ms"
	EventRetrieval        = "retrieval_latency_ms"
	EventRetrievalCache   = "retrieval_cache"
	EventTurn             = "turn_latency_ms"
	EventProviderFallback = "provider_fallback"
	EventHandoff          = "handoff_outcome"
	EventCreditsCommitted = "credits_committed"
	EventReservationReap  = "reservation_reaped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Multi fans an event out to every observer.
type Multi []Observer

func (m Multi) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}

// Since returns the elapsed milliseconds, the unit used by every latency event.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
