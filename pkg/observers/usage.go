package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/metrics"
)

// UsageSummary is the per-call record written when a session closes.
type UsageSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	AudioSec      float64 `json:"audio_seconds"`
	MediaFrames   int64   `json:"media_frames"`
	Finals        int64   `json:"finals"`
	Degraded      int64   `json:"degraded_results"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates billed audio per call and writes
// {dir}/{trace_id}.usage.json once the session closes.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	id := ev.Tags[frames.MetaTraceID]
	if id == "" {
		return
	}

	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{TraceID: id}
		o.stats[id] = stat
	}
	if sid := ev.Tags[frames.MetaSessionID]; sid != "" {
		stat.SessionID = sid
	}
	switch ev.Name {
	case metrics.EventMediaFrame:
		// One µ-law byte per sample.
		stat.AudioSec += ev.Value / codec.TelephonySampleRate
		stat.MediaFrames++
	case metrics.EventTranscriptFinal:
		stat.Finals++
	case metrics.EventRecognizerDegraded:
		stat.Degraded++
	case metrics.EventSessionClosed:
		delete(o.stats, id)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Close flushes summaries of sessions that never reported closing.
func (o *UsageObserver) Close() error {
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()

	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, sanitizeID(stat.TraceID)+".usage.json")
	return os.WriteFile(path, b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
