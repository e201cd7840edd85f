package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/redact"
)

// TimelineObserver writes a per-call timeline JSONL trace to
// {dir}/{trace_id}.jsonl. The file is closed when the session closes.
type TimelineObserver struct {
	dir          string
	includeMedia bool
	mu           sync.Mutex
	files        map[string]*os.File
}

// NewTimelineObserver creates a timeline observer writing to dir. Media frame
// events are skipped unless includeMedia is set.
func NewTimelineObserver(dir string, includeMedia bool) *TimelineObserver {
	return &TimelineObserver{dir: dir, includeMedia: includeMedia, files: make(map[string]*os.File)}
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	if ev.Name == metrics.EventMediaFrame && !o.includeMedia {
		return
	}
	traceID := ev.Tags[frames.MetaTraceID]
	if traceID == "" {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		Value:     ev.Value,
		SessionID: ev.Tags[frames.MetaSessionID],
		TraceID:   traceID,
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	f := o.fileFor(traceID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))

	if ev.Name == metrics.EventSessionClosed {
		o.release(traceID)
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

// Open reports how many call timelines are still being written.
func (o *TimelineObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.files)
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	Value     float64           `json:"value,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) release(id string) {
	safe := sanitizeID(id)
	o.mu.Lock()
	f := o.files[safe]
	delete(o.files, safe)
	o.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeFields redacts free-text string fields.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
