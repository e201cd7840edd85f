package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver writes one flat JSON object per event. Tags and fields are
// merged at the top level; they never overwrite name, time or value.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := make(map[string]any, 3+len(ev.Tags)+len(ev.Fields))
	for k, v := range ev.Fields {
		rec[k] = v
	}
	for k, v := range ev.Tags {
		rec[k] = v
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec["name"] = ev.Name
	rec["time"] = ts.UTC().Format(time.RFC3339Nano)
	rec["value"] = ev.Value

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.Encode(rec); err != nil && o.err == nil {
		o.err = err
	}
}

// Err reports the first write failure, if any.
func (o *JSONLObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
