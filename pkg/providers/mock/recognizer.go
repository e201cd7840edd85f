package mock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
)

// ModelConfig scripts the output of the mock recognizer.
type ModelConfig struct {
	// Transcript is revealed word by word and finalized once FinalEverySamples
	// samples have been accepted.
	Transcript        string
	FinalEverySamples int
	// Speaker, when set, is attached to every final result as "spk".
	Speaker []float64
	// FailCreate makes NewRecognizer fail.
	FailCreate bool
	// MalformedResults makes Result/PartialResult return non-JSON text.
	MalformedResults bool
}

// Model is a deterministic recognizer.Model for tests and local runs.
type Model struct {
	cfg     ModelConfig
	created atomic.Int64
	closed  atomic.Int64
	mu      sync.Mutex
	live    map[*Recognizer]struct{}
}

func NewModel(cfg ModelConfig) *Model {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.FinalEverySamples <= 0 {
		cfg.FinalEverySamples = 8000
	}
	return &Model{cfg: cfg, live: make(map[*Recognizer]struct{})}
}

func (m *Model) Name() string { return "mock" }

func (m *Model) NewRecognizer(ctx context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.FailCreate {
		return nil, errors.New("mock recognizer unavailable")
	}
	r := &Recognizer{model: m, words: strings.Fields(m.cfg.Transcript)}
	m.created.Add(1)
	m.mu.Lock()
	m.live[r] = struct{}{}
	m.mu.Unlock()
	return r, nil
}

func (m *Model) Close() error { return nil }

// Created returns how many recognizers were handed out.
func (m *Model) Created() int64 { return m.created.Load() }

// Closed returns how many recognizers were released.
func (m *Model) Closed() int64 { return m.closed.Load() }

// Live returns how many recognizers are currently held.
func (m *Model) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Recognizer reveals the scripted transcript proportionally to the audio it
// has seen since the last final.
type Recognizer struct {
	model    *Model
	words    []string
	pending  int
	final    string
	released atomic.Bool
}

func (r *Recognizer) AcceptWaveform(samples []int16) (bool, error) {
	if r.released.Load() {
		return false, errors.New("recognizer released")
	}
	r.pending += len(samples)
	if r.pending < r.model.cfg.FinalEverySamples {
		return false, nil
	}
	r.pending = 0
	r.final = strings.Join(r.words, " ")
	return true, nil
}

func (r *Recognizer) Result() string {
	if r.model.cfg.MalformedResults {
		return "<final>"
	}
	out := map[string]any{"text": r.final}
	if len(r.model.cfg.Speaker) > 0 {
		out["spk"] = r.model.cfg.Speaker
	}
	return encode(out)
}

func (r *Recognizer) PartialResult() string {
	if r.model.cfg.MalformedResults {
		return "<partial>"
	}
	n := len(r.words) * r.pending / r.model.cfg.FinalEverySamples
	return encode(map[string]any{"partial": strings.Join(r.words[:n], " ")})
}

func (r *Recognizer) Close() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	r.model.closed.Add(1)
	r.model.mu.Lock()
	delete(r.model.live, r)
	r.model.mu.Unlock()
	return nil
}

func encode(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

var _ recognizer.Model = (*Model)(nil)
