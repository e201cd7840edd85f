package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/metrics"
)

// LatencyObserver tracks per-session timing from the first media frame to the
// first final transcript and logs a summary when the session closes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	firstAudio time.Time
	firstFinal time.Time
	frames     int
	finals     int
	traceID    string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	key := ""
	if ev.Tags != nil {
		key = ev.Tags[frames.MetaTraceID]
		if key == "" {
			key = ev.Tags[frames.MetaSessionID]
		}
	}
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[key]
	if t == nil {
		t = &trace{traceID: ev.Tags[frames.MetaTraceID]}
		o.traces[key] = t
	}
	switch ev.Name {
	case metrics.EventMediaFrame:
		t.frames++
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case metrics.EventTranscriptFinal:
		t.finals++
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case metrics.EventSessionClosed:
		o.log.Info("session_latency",
			frames.MetaSessionID, ev.Tags[frames.MetaSessionID],
			frames.MetaTraceID, t.traceID,
			"first_final_ms", durationMs(t.firstAudio, t.firstFinal),
			"media_frames", t.frames,
			"finals", t.finals,
		)
		delete(o.traces, key)
	}
}

// Pending returns the number of sessions still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
