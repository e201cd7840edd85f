// Package session runs one call-audio stream from connection accept to close.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/processors"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/resilience"
	"github.com/harunnryd/callscribe/pkg/sinks"
)

// Close reasons sent on locally initiated closes.
const (
	ReasonShutdown              = "Server shutting down"
	ReasonMalformedFrame        = "malformed frame"
	ReasonRecognizerUnavailable = "recognizer unavailable"
	ReasonCallCompleted         = "call completed"
	ReasonIdleTimeout           = "idle timeout"
)

const (
	writeWait      = time.Second
	maxCloseReason = 123
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetCloseHandler(h func(code int, text string) error)
	RemoteAddr() net.Addr
	Close() error
}

type Config struct {
	// SampleRate is the rate the recognizer is created with. It only differs
	// from 8000 when Resample is set.
	SampleRate      int
	Resample        bool
	CloseGrace      time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = codec.TelephonySampleRate
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

type Options struct {
	Model    recognizer.Model
	Sink     sinks.Sink
	Observer metrics.Observer
	Breaker  *resilience.CircuitBreaker
	Logger   *slog.Logger
	// OnStart runs on the session goroutine once the stream identifiers are bound.
	OnStart func(*Session)
}

// Stats are the per-session counters.
type Stats struct {
	MediaFrames int64
	Samples     int64
	Finals      int64
}

// Session owns one connection and the recognizer built for it. Frames are
// handled strictly in arrival order on the goroutine that calls Run.
type Session struct {
	cfg     Config
	conn    Conn
	model   recognizer.Model
	sink    sinks.Sink
	obs     metrics.Observer
	breaker *resilience.CircuitBreaker
	logger  atomic.Pointer[slog.Logger]
	onStart func(*Session)
	router  *Router

	rec     recognizer.Recognizer
	adapter *processors.RecognizerAdapter
	factor  int
	// upsampler is nil unless resampling is on. It carries the last sample
	// of one frame into the next.
	upsampler *codec.Upsampler

	traceID string
	created time.Time
	state   atomic.Int32

	mu          sync.Mutex
	sessionID   string
	callSID     string
	accountSID  string
	from        string
	format      frames.MediaFormat
	custom      map[string]string
	stopped     bool
	closing     bool
	closeCode   int
	closeReason string

	mediaFrames atomic.Int64
	samplesIn   atomic.Int64
	finals      atomic.Int64

	samples   []int16
	upsampled []int16

	closeOnce   sync.Once
	releaseOnce sync.Once
	done        chan struct{}
}

func New(conn Conn, cfg Config, opts Options) (*Session, error) {
	if conn == nil {
		return nil, errors.New("session: nil connection")
	}
	if opts.Model == nil {
		return nil, errors.New("session: nil recognizer model")
	}
	cfg = cfg.withDefaults()
	factor := 1
	if cfg.Resample {
		f, err := codec.UpsampleFactor(codec.TelephonySampleRate, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		factor = f
	}
	if opts.Sink == nil {
		opts.Sink = sinks.Discard
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	traceID := uuid.NewString()
	s := &Session{
		cfg:     cfg,
		conn:    conn,
		model:   opts.Model,
		sink:    opts.Sink,
		obs:     opts.Observer,
		breaker: opts.Breaker,
		onStart: opts.OnStart,
		factor:  factor,
		traceID: traceID,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	if factor > 1 {
		s.upsampler = codec.NewUpsampler(factor)
	}
	s.logger.Store(logging.NewComponentLogger(opts.Logger, "session").With(slog.String(frames.MetaTraceID, traceID)))
	s.router = NewRouter(s.log())
	s.router.Handle(frames.KindConnected, s.onConnected)
	s.router.Handle(frames.KindStart, s.onStartFrame)
	s.router.Handle(frames.KindMedia, s.onMedia)
	s.router.Handle(frames.KindStop, s.onStop)
	s.router.Handle(frames.KindMark, s.onMark)
	s.router.Handle(frames.KindDTMF, s.onDTMF)
	return s, nil
}

func (s *Session) TraceID() string { return s.traceID }

func (s *Session) log() *slog.Logger { return s.logger.Load() }

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

func (s *Session) State() State { return State(s.state.Load()) }

// Stopped reports whether the peer announced the logical end of the stream.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// CloseStatus returns the code and reason of the close frame this side sent.
func (s *Session) CloseStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) Stats() Stats {
	return Stats{
		MediaFrames: s.mediaFrames.Load(),
		Samples:     s.samplesIn.Load(),
		Finals:      s.finals.Load(),
	}
}

// Done is closed once the connection and recognizer are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run builds the recognizer and processes frames until the connection ends.
// Cancelling ctx closes the stream with 1001. Run releases every resource of
// the session before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.release()
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.conn.SetCloseHandler(s.onPeerClose)

	if !s.breaker.Allow() {
		s.closeWith(websocket.CloseTryAgainLater, ReasonRecognizerUnavailable)
		return errorsx.New(errorsx.ReasonRecognizerCircuit, "recognizer circuit open")
	}
	rate := codec.TelephonySampleRate * s.factor
	rec, err := s.model.NewRecognizer(ctx, recognizer.Config{TraceID: s.traceID, SampleRate: rate})
	if err != nil {
		s.breaker.OnError(err)
		err = errorsx.Wrap(err, errorsx.ReasonRecognizerCreate)
		s.log().Error("recognizer_create_failed",
			slog.String("provider", s.model.Name()),
			errorsx.Attr(err),
			slog.String("error", err.Error()))
		s.closeWith(websocket.CloseInternalServerErr, ReasonRecognizerUnavailable)
		return err
	}
	s.breaker.OnSuccess()
	s.rec = rec
	s.adapter = processors.NewRecognizerAdapter(rec, processors.AdapterConfig{TraceID: s.traceID, Provider: s.model.Name()})
	s.adapter.SetObserver(s.obs)
	s.adapter.SetLogger(s.log())

	stop := context.AfterFunc(ctx, func() { s.Close(websocket.CloseGoingAway, ReasonShutdown) })
	defer stop()

	s.log().Info("session_opened",
		slog.String("remote_addr", remoteAddr(s.conn)),
		slog.Int("sample_rate", rate))
	s.record(metrics.EventSessionStarted, 0, nil)

	for {
		s.armReadDeadline()
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return s.readFailed(err)
		}
		if s.isClosing() {
			continue
		}
		if _, err := s.router.Route(ctx, msg); err != nil {
			if errors.Is(err, frames.ErrMalformed) {
				err = errorsx.Wrap(err, errorsx.ReasonProtocolMalformedFrame)
				s.log().Warn("protocol_error",
					errorsx.Attr(err),
					slog.String("error", err.Error()))
				s.record(metrics.EventProtocolError, 0, nil)
				s.closeWith(websocket.CloseProtocolError, ReasonMalformedFrame)
				return err
			}
			s.log().Warn("frame_handler_failed", slog.String("error", err.Error()))
		}
	}
}

// Close starts a locally initiated close: the close frame is sent once and
// the peer gets CloseGrace to answer before the connection is dropped.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.closeWith(code, reason)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.CloseGrace))
}

// Abort drops the connection without a close handshake. The session goroutine
// then exits at its next read and releases the recognizer.
func (s *Session) Abort() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.log().Warn("session_aborted")
	_ = s.conn.Close()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// armReadDeadline applies the idle timeout unless a close is already pending,
// in which case the grace deadline set by Close stays in force.
func (s *Session) armReadDeadline() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
}

func (s *Session) onPeerClose(code int, text string) error {
	s.log().Info("peer_close_received",
		slog.Int("close_code", code),
		slog.String("close_reason", text))
	s.closeWith(code, text)
	return nil
}

// closeWith sends the single close frame of this connection.
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))

		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log().Debug("close_frame_write_failed",
				slog.Int("close_code", code),
				slog.String("error", err.Error()))
		}
	})
}

func (s *Session) readFailed(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.state.Store(int32(StateClosed))
		if ce.Code == websocket.CloseAbnormalClosure && !s.isClosing() {
			s.log().Warn("transport_closed_abnormally", slog.String("error", err.Error()))
			return errorsx.Wrap(err, errorsx.ReasonTransportClose)
		}
		return nil
	}
	if s.isClosing() {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && s.cfg.IdleTimeout > 0 {
		s.log().Info("session_idle_timeout", slog.Duration("idle_timeout", s.cfg.IdleTimeout))
		s.closeWith(websocket.CloseGoingAway, ReasonIdleTimeout)
		return nil
	}
	s.log().Warn("transport_read_failed",
		errorsx.ReasonTransportRead.Attr(),
		slog.String("error", err.Error()))
	return errorsx.Wrap(err, errorsx.ReasonTransportRead)
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.rec != nil {
			if err := s.rec.Close(); err != nil {
				s.log().Warn("recognizer_release_failed", slog.String("error", err.Error()))
			}
		}
		_ = s.conn.Close()

		stats := s.Stats()
		code, reason := s.CloseStatus()
		s.record(metrics.EventSessionClosed, float64(time.Since(s.created).Milliseconds()), map[string]any{
			"media_frames": stats.MediaFrames,
			"finals":       stats.Finals,
			"close_code":   code,
		})
		s.log().Info("session_closed",
			slog.String(frames.MetaSessionID, s.SessionID()),
			slog.Int("close_code", code),
			slog.String("close_reason", reason),
			slog.Int64("media_frames", stats.MediaFrames),
			slog.Int64("samples", stats.Samples),
			slog.Int64("finals", stats.Finals),
			slog.Duration("duration", time.Since(s.created)))
		close(s.done)
	})
}

func (s *Session) onConnected(_ context.Context, f frames.Frame) error {
	s.log().Info("stream_connected",
		slog.String("protocol", f.Protocol),
		slog.String("version", f.Version))
	return nil
}

func (s *Session) onStartFrame(_ context.Context, f frames.Frame) error {
	if s.State() != StateAwaitingStart {
		s.log().Warn("duplicate_start_ignored",
			slog.String(frames.MetaSessionID, s.SessionID()),
			slog.String("announced", f.SessionID()))
		return nil
	}
	s.mu.Lock()
	s.sessionID = f.SessionID()
	if f.Start != nil {
		s.callSID = f.Start.CallSID
		s.accountSID = f.Start.AccountSID
		s.from = f.Start.From
		s.format = f.Start.MediaFormat
		s.custom = f.Start.CustomParameters
	}
	sessionID, callSID, from, format := s.sessionID, s.callSID, s.from, s.format
	s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(StateAwaitingStart), int32(StateStreaming)) {
		return nil
	}

	s.adapter.Bind(sessionID, callSID)
	logger := s.log().With(slog.String(frames.MetaSessionID, sessionID))
	s.logger.Store(logger)
	s.router.logger = logger
	attrs := []any{
		slog.String(frames.MetaCallSID, callSID),
		slog.String("encoding", format.Encoding),
		slog.Int("media_sample_rate", format.SampleRate),
	}
	if from != "" {
		attrs = append(attrs, slog.String(frames.MetaFromNumber, redact.Number(from)))
	}
	if sessionID == "" {
		s.log().Warn("start_without_stream_sid")
	}
	s.log().Info("stream_started", attrs...)
	if s.onStart != nil {
		s.onStart(s)
	}
	return nil
}

func (s *Session) onMedia(ctx context.Context, f frames.Frame) error {
	payload, err := f.Media.Bytes()
	if err != nil {
		s.log().Warn("media_payload_skipped",
			errorsx.ReasonProtocolInvalidPayload.Attr(),
			slog.String("error", err.Error()))
		return nil
	}
	s.samples = codec.DecodeInto(s.samples, payload)
	batch := s.samples
	if s.upsampler != nil {
		s.upsampled = s.upsampler.Process(s.upsampled, s.samples)
		batch = s.upsampled
	}
	s.mediaFrames.Add(1)
	s.samplesIn.Add(int64(len(s.samples)))
	s.record(metrics.EventMediaFrame, float64(len(payload)), nil)

	ev := s.adapter.AcceptSamples(batch)
	if ev.IsFinal {
		s.finals.Add(1)
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.log().Warn("transcript_sink_failed",
			errorsx.Attr(err),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *Session) onStop(_ context.Context, f frames.Frame) error {
	reason := ""
	if f.Stop != nil {
		reason = f.Stop.Reason
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.log().Info("stream_stopped", slog.String("reason", reason))
	return nil
}

func (s *Session) onMark(_ context.Context, f frames.Frame) error {
	name := ""
	if f.Mark != nil {
		name = f.Mark.Name
	}
	s.log().Debug("stream_mark", slog.String("mark", name))
	return nil
}

func (s *Session) onDTMF(_ context.Context, f frames.Frame) error {
	digit := ""
	if f.DTMF != nil {
		digit = f.DTMF.Digit
	}
	s.log().Info("stream_dtmf", slog.String("digit", digit))
	return nil
}

func (s *Session) record(name string, value float64, fields map[string]any) {
	tags := map[string]string{
		frames.MetaTraceID:   s.traceID,
		frames.MetaComponent: "session",
	}
	if id := s.SessionID(); id != "" {
		tags[frames.MetaSessionID] = id
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}

func remoteAddr(c Conn) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
