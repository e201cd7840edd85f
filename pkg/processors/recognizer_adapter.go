package processors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
)

// AdapterConfig identifies the call an adapter serves.
type AdapterConfig struct {
	SessionID string
	CallSID   string
	TraceID   string
	Provider  string
}

// RecognizerAdapter turns a continuous sample stream into one TranscriptEvent
// per accepted batch. It is not safe for concurrent use; a call session
// drives it from its receive loop.
type RecognizerAdapter struct {
	rec    recognizer.Recognizer
	cfg    AdapterConfig
	seq    int64
	obs    metrics.Observer
	logger *slog.Logger
	now    func() time.Time
}

func NewRecognizerAdapter(rec recognizer.Recognizer, cfg AdapterConfig) *RecognizerAdapter {
	return &RecognizerAdapter{
		rec:    rec,
		cfg:    cfg,
		obs:    metrics.NoopObserver{},
		logger: logging.NewComponentLogger(slog.Default(), "recognizer_adapter"),
		now:    time.Now,
	}
}

// SetObserver sets the metrics observer.
func (a *RecognizerAdapter) SetObserver(obs metrics.Observer) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	a.obs = obs
}

// SetLogger sets the adapter logger.
func (a *RecognizerAdapter) SetLogger(logger *slog.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Bind updates the identifiers stamped onto emitted events.
func (a *RecognizerAdapter) Bind(sessionID, callSID string) {
	a.cfg.SessionID = sessionID
	a.cfg.CallSID = callSID
}

// Seq returns the number of batches accepted so far.
func (a *RecognizerAdapter) Seq() int64 { return a.seq }

// AcceptSamples feeds samples to the recognizer. A finalized utterance yields
// a final event; anything else, including engine failures and unparseable
// results, yields a partial event whose text may be empty.
func (a *RecognizerAdapter) AcceptSamples(samples []int16) frames.TranscriptEvent {
	a.seq++
	ev := frames.TranscriptEvent{
		SessionID: a.cfg.SessionID,
		CallSID:   a.cfg.CallSID,
		TraceID:   a.cfg.TraceID,
		Seq:       a.seq,
	}
	started := a.now()

	final, err := a.rec.AcceptWaveform(samples)
	if err != nil {
		a.degraded(errorsx.Wrap(err, errorsx.ReasonRecognizerAccept))
		ev.Time = a.now()
		return ev
	}

	if final {
		text, speaker, err := parseFinal(a.rec.Result())
		if err != nil {
			a.degraded(err)
		} else {
			ev.IsFinal = true
			ev.Text = text
			ev.Speaker = speaker
		}
	} else {
		text, err := parsePartial(a.rec.PartialResult())
		if err != nil {
			a.degraded(err)
		} else {
			ev.Text = text
		}
	}
	ev.Time = a.now()

	if ev.IsFinal {
		a.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventTranscriptFinal,
			Time:  ev.Time,
			Value: float64(ev.Time.Sub(started).Microseconds()) / 1000,
			Tags:  a.tags(),
			Fields: map[string]any{
				"seq":   ev.Seq,
				"chars": len(ev.Text),
			},
		})
	}
	return ev
}

func (a *RecognizerAdapter) degraded(err error) {
	a.logger.Warn("recognizer_result_degraded",
		slog.String(frames.MetaSessionID, a.cfg.SessionID),
		slog.Int64("seq", a.seq),
		errorsx.Attr(err),
		slog.String("error", err.Error()))
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventRecognizerDegraded,
		Time: a.now(),
		Tags: a.tags(),
	})
}

func (a *RecognizerAdapter) tags() map[string]string {
	tags := map[string]string{
		frames.MetaSessionID: a.cfg.SessionID,
		frames.MetaComponent: "recognizer",
	}
	if a.cfg.TraceID != "" {
		tags[frames.MetaTraceID] = a.cfg.TraceID
	}
	if a.cfg.Provider != "" {
		tags["provider"] = a.cfg.Provider
	}
	return tags
}

type finalResult struct {
	Text *string   `json:"text"`
	Spk  []float64 `json:"spk"`
}

type partialResult struct {
	Partial *string `json:"partial"`
}

func parseFinal(raw string) (string, []float64, error) {
	var res finalResult
	if err := decodeResult(raw, &res); err != nil {
		return "", nil, err
	}
	if res.Text == nil {
		return "", nil, errorsx.New(errorsx.ReasonRecognizerResult, "final result has no text field")
	}
	return strings.TrimSpace(*res.Text), res.Spk, nil
}

func parsePartial(raw string) (string, error) {
	var res partialResult
	if err := decodeResult(raw, &res); err != nil {
		return "", err
	}
	if res.Partial == nil {
		return "", errorsx.New(errorsx.ReasonRecognizerResult, "partial result has no partial field")
	}
	return strings.TrimSpace(*res.Partial), nil
}

func decodeResult(raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		return errorsx.Wrap(errors.New("empty result payload"), errorsx.ReasonRecognizerResult)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerResult)
	}
	return nil
}
