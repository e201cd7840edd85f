package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SmartFormat    bool
	UtteranceEndMS int
	ConnectRetries int
	ConnectBackoff time.Duration
}

// Model hands out one live Deepgram stream per call. The API key and options
// are shared; no acoustic state lives in the process.
type Model struct {
	cfg    Config
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config) *Model {
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &Model{
		cfg:    cfg,
		retry:  resilience.NewRetryPolicy(cfg.ConnectRetries, cfg.ConnectBackoff),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
	}
}

func (m *Model) Name() string { return "deepgram" }

func (m *Model) Close() error { return nil }

func (m *Model) NewRecognizer(ctx context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = codec.TelephonySampleRate
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	r := newRecognizer(streamCtx, cancel, cfg, m.logger.With(slog.String(frames.MetaSessionID, cfg.SessionID)))

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          m.cfg.Model,
		Language:       m.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    m.cfg.SmartFormat,
	}
	if m.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", m.cfg.UtteranceEndMS)
		opts.VadEvents = true
	}

	err := m.retry.Do(ctx, func() error {
		dg, err := client.NewWSUsingCallback(streamCtx, m.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, &callback{parent: r})
		if err != nil {
			return err
		}
		if !dg.Connect() {
			return fmt.Errorf("deepgram connection failed")
		}
		r.dg = dg
		return nil
	})
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	r.logger.Info("deepgram_connected",
		slog.String(frames.MetaCallSID, cfg.CallSID),
		slog.String("model", m.cfg.Model),
		slog.Int("sample_rate", cfg.SampleRate))

	go func() {
		err := r.dg.Stream(r.pipeReader)
		if err != nil && streamCtx.Err() == nil {
			r.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
		r.endStream(err)
	}()
	return r, nil
}

// audioBacklog is how many chunks may wait for the socket, about one second
// of 20 ms Twilio frames.
const audioBacklog = 50

var (
	errBacklogFull = errors.New("deepgram: audio backlog full")
	errStreamEnded = errors.New("deepgram: stream ended")
	errClosed      = errors.New("deepgram: recognizer closed")
)

func newRecognizer(ctx context.Context, cancel context.CancelFunc, cfg recognizer.Config, logger *slog.Logger) *Recognizer {
	r := &Recognizer{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		audio:  make(chan []byte, audioBacklog),
	}
	r.pipeReader, r.pipeWriter = io.Pipe()
	go r.pump()
	return r
}

// pump moves queued audio into the pipe Stream reads from. Writes block while
// the socket is slow, which is why they happen here and not on the caller.
func (r *Recognizer) pump() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case chunk := <-r.audio:
			if _, err := r.pipeWriter.Write(chunk); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// endStream unblocks any pending write once Stream has returned.
func (r *Recognizer) endStream(err error) {
	if err == nil {
		err = errStreamEnded
	}
	r.fail(err)
	_ = r.pipeReader.CloseWithError(err)
}

func (r *Recognizer) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Recognizer adapts Deepgram's asynchronous transcript callbacks to the
// synchronous accept/result contract. Results are latched as they arrive
// and observed on the next AcceptWaveform.
type Recognizer struct {
	cfg        recognizer.Config
	dg         *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	audio      chan []byte
	logger     *slog.Logger

	mu         sync.Mutex
	err        error
	partial    string
	final      string
	finalReady bool
	closeOnce  sync.Once
}

// AcceptWaveform never waits on the network. Once the stream has failed, or
// while the backlog is full, it returns an error and the audio is dropped.
func (r *Recognizer) AcceptWaveform(samples []int16) (bool, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	select {
	case r.audio <- codec.PCM16LE(nil, samples):
	default:
		return false, errBacklogFull
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalReady {
		r.finalReady = false
		return true, nil
	}
	return false, nil
}

func (r *Recognizer) Result() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return encode(map[string]string{"text": r.final})
}

func (r *Recognizer) PartialResult() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return encode(map[string]string{"partial": r.partial})
}

func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		r.fail(errClosed)
		r.cancel()
		_ = r.pipeWriter.Close()
		if r.dg != nil {
			r.dg.Stop()
		}
		r.logger.Info("deepgram_connection_released")
	})
	return nil
}

func (r *Recognizer) onTranscript(text string, isFinal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isFinal {
		r.partial = text
		return
	}
	if r.finalReady && r.final != "" {
		r.final = strings.TrimSpace(r.final + " " + text)
	} else {
		r.final = text
	}
	r.finalReady = true
	r.partial = ""
}

func encode(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}
	c.parent.onTranscript(text, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ recognizer.Model = (*Model)(nil)
