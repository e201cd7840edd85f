//go:build vosk

package vosk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
)

// Model wraps a loaded Vosk model and optional speaker model. Both are
// read-only after load and shared by every call.
type Model struct {
	cfg    Config
	model  *vosk.VoskModel
	spk    *vosk.VoskSpkModel
	logger *slog.Logger
}

// Load reads the model from disk. It fails when the path is missing or invalid.
func Load(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("vosk model_path is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = codec.TelephonySampleRate
	}
	vosk.SetLogLevel(cfg.LogLevel)

	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model %q: %w", cfg.ModelPath, err)
	}
	m := &Model{cfg: cfg, model: model, logger: logging.NewComponentLogger(slog.Default(), "vosk_model")}
	if cfg.SpeakerModelPath != "" {
		spk, err := vosk.NewSpkModel(cfg.SpeakerModelPath)
		if err != nil {
			model.Free()
			return nil, fmt.Errorf("load vosk speaker model %q: %w", cfg.SpeakerModelPath, err)
		}
		m.spk = spk
	}
	m.logger.Info("vosk_model_loaded",
		slog.String("model_path", cfg.ModelPath),
		slog.Bool("speaker_model", m.spk != nil),
		slog.Int("sample_rate", cfg.SampleRate))
	return m, nil
}

func (m *Model) Name() string { return "vosk" }

func (m *Model) NewRecognizer(_ context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = m.cfg.SampleRate
	}
	var (
		rec *vosk.VoskRecognizer
		err error
	)
	if m.spk != nil {
		rec, err = vosk.NewRecognizerSpk(m.model, float64(rate), m.spk)
	} else {
		rec, err = vosk.NewRecognizer(m.model, float64(rate))
	}
	if err != nil {
		return nil, err
	}
	m.logger.Debug("vosk_recognizer_created",
		slog.String(frames.MetaSessionID, cfg.SessionID),
		slog.Int("sample_rate", rate))
	return &Recognizer{rec: rec}, nil
}

func (m *Model) Close() error {
	if m.spk != nil {
		m.spk.Free()
	}
	m.model.Free()
	return nil
}

type Recognizer struct {
	rec  *vosk.VoskRecognizer
	buf  []byte
	once sync.Once
}

func (r *Recognizer) AcceptWaveform(samples []int16) (bool, error) {
	r.buf = codec.PCM16LE(r.buf, samples)
	switch r.rec.AcceptWaveform(r.buf) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk rejected waveform")
	}
}

func (r *Recognizer) Result() string { return r.rec.Result() }

func (r *Recognizer) PartialResult() string { return r.rec.PartialResult() }

func (r *Recognizer) Close() error {
	r.once.Do(r.rec.Free)
	return nil
}

var _ recognizer.Model = (*Model)(nil)
