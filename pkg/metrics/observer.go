package metrics

import "time"

// Event names emitted by the streaming pipeline.
const (
	EventSessionStarted     = "session_started"
	EventSessionClosed      = "session_closed"
	EventMediaFrame         = "media_frame"
	EventTranscriptFinal    = "transcript_final"
	EventRecognizerDegraded = "recognizer_degraded"
	EventProtocolError      = "protocol_error"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }
