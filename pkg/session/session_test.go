package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/resilience"
	"github.com/harunnryd/callscribe/pkg/sinks"
)

type stubRecognizer struct {
	mu         sync.Mutex
	batches    [][]int16
	rate       int
	finalEvery int
	accepts    int
	closed     atomic.Int32
}

func (r *stubRecognizer) AcceptWaveform(samples []int16) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int16(nil), samples...))
	r.accepts++
	return r.finalEvery > 0 && r.accepts%r.finalEvery == 0, nil
}

func (r *stubRecognizer) Result() string        { return `{"text":"done"}` }
func (r *stubRecognizer) PartialResult() string { return `{"partial":"p"}` }
func (r *stubRecognizer) Close() error          { r.closed.Add(1); return nil }

func (r *stubRecognizer) Batches() [][]int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

type stubModel struct {
	mu         sync.Mutex
	recs       map[string]*stubRecognizer
	finalEvery int
	failCreate error
}

func newStubModel() *stubModel {
	return &stubModel{recs: make(map[string]*stubRecognizer)}
}

func (m *stubModel) Name() string { return "stub" }
func (m *stubModel) Close() error { return nil }

func (m *stubModel) NewRecognizer(_ context.Context, cfg recognizer.Config) (recognizer.Recognizer, error) {
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	r := &stubRecognizer{rate: cfg.SampleRate, finalEvery: m.finalEvery}
	m.mu.Lock()
	m.recs[cfg.TraceID] = r
	m.mu.Unlock()
	return r, nil
}

func (m *stubModel) rec(traceID string) *stubRecognizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[traceID]
}

type harness struct {
	srv      *httptest.Server
	sessions chan *Session
	events   chan frames.TranscriptEvent
	obs      *metrics.MemoryObserver
	reg      *Registry
	ctx      context.Context
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, model recognizer.Model, cfg Config, breaker *resilience.CircuitBreaker) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		sessions: make(chan *Session, 4),
		events:   make(chan frames.TranscriptEvent, 64),
		obs:      metrics.NewMemoryObserver(),
		reg:      NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	sink := sinks.SinkFunc(func(_ context.Context, ev frames.TranscriptEvent) error {
		h.events <- ev
		return nil
	})
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := New(conn, cfg, Options{Model: model, Sink: sink, Observer: h.obs, Breaker: breaker})
		if err != nil {
			_ = conn.Close()
			return
		}
		h.reg.Add(s)
		defer h.reg.Remove(s)
		h.sessions <- s
		_ = s.Run(h.ctx)
	}))
	t.Cleanup(func() {
		cancel()
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) nextSession(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a session to be accepted")
		return nil
	}
}

func (h *harness) nextEvent(t *testing.T) frames.TranscriptEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a transcript event")
		return frames.TranscriptEvent{}
	}
}

func (h *harness) noEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("expected no transcript event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, c *websocket.Conn, code int, text string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		if ce.Code != code || ce.Text != text {
			t.Fatalf("expected close %d %q, got %d %q", code, text, ce.Code, ce.Text)
		}
		return
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected session to be released")
	}
}

func TestStartThenMediaEmitsOneEventPerFrame(t *testing.T) {
	model := newStubModel()
	h := newHarness(t, model, Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"kind":"start","streamSid":"CA123"}`)
	send(t, c, `{"event":"media","streamSid":"CA123","media":{"payload":"/wA="}}`)
	ev := h.nextEvent(t)
	if ev.SessionID != "CA123" || ev.Seq != 1 || ev.IsFinal || ev.Text != "p" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if s.State() != StateStreaming || s.SessionID() != "CA123" {
		t.Fatalf("expected STREAMING CA123, got %s %q", s.State(), s.SessionID())
	}
	rec := model.rec(s.TraceID())
	batches := rec.Batches()
	if len(batches) != 1 || len(batches[0]) != 2 || batches[0][0] != 0 || batches[0][1] != -32124 {
		t.Fatalf("expected samples [0 -32124], got %v", batches)
	}
	if rec.rate != 8000 {
		t.Fatalf("expected recognizer at 8000 Hz, got %d", rec.rate)
	}

	for i := 0; i < 3; i++ {
		send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	}
	for want := int64(2); want <= 4; want++ {
		if ev := h.nextEvent(t); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}
	if got := len(h.obs.Named(metrics.EventMediaFrame)); got != 4 {
		t.Fatalf("expected 4 media metrics, got %d", got)
	}
}

func TestFinalEventsFollowRecognizer(t *testing.T) {
	model := newStubModel()
	model.finalEvery = 2
	h := newHarness(t, model, Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	if ev := h.nextEvent(t); ev.IsFinal {
		t.Fatalf("expected partial first")
	}
	ev := h.nextEvent(t)
	if !ev.IsFinal || ev.Text != "done" || ev.CallSID != "CA1" {
		t.Fatalf("expected final done, got %+v", ev)
	}
	if s.Stats().Finals != 1 {
		t.Fatalf("expected one final counted, got %d", s.Stats().Finals)
	}
}

func TestStopThenPeerCloseEchoes(t *testing.T) {
	model := newStubModel()
	h := newHarness(t, model, Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"start","streamSid":"MZ1"}`)
	send(t, c, `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)
	if err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "normal")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	expectClose(t, c, websocket.CloseNormalClosure, "normal")
	waitDone(t, s)

	if !s.Stopped() {
		t.Fatalf("expected stop to be recorded")
	}
	if code, reason := s.CloseStatus(); code != websocket.CloseNormalClosure || reason != "normal" {
		t.Fatalf("expected echo 1000 normal, got %d %q", code, reason)
	}
	rec := model.rec(s.TraceID())
	s.release()
	if got := rec.closed.Load(); got != 1 {
		t.Fatalf("expected recognizer released once, got %d", got)
	}
	if got := len(h.obs.Named(metrics.EventSessionClosed)); got != 1 {
		t.Fatalf("expected one session_closed metric, got %d", got)
	}
}

func TestPeerCloseWithoutStatusEchoesEmpty(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	if err := c.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	expectClose(t, c, websocket.CloseNoStatusReceived, "")
	waitDone(t, s)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	model := newStubModel()
	h := newHarness(t, model, Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"start","streamSid":"MZ1"}`)
	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	h.nextEvent(t)

	h.cancel()
	expectClose(t, c, websocket.CloseGoingAway, ReasonShutdown)
	waitDone(t, s)
	if got := model.rec(s.TraceID()).closed.Load(); got != 1 {
		t.Fatalf("expected recognizer released once, got %d", got)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
}

func TestShutdownWithoutPeerReplyIsBounded(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{CloseGrace: 50 * time.Millisecond}, nil)
	h.dial(t)
	s := h.nextSession(t)

	h.cancel()
	waitDone(t, s)
	if code, reason := s.CloseStatus(); code != websocket.CloseGoingAway || reason != ReasonShutdown {
		t.Fatalf("expected 1001 shutdown, got %d %q", code, reason)
	}
}

func TestMalformedFrameClosesOnlyThatSession(t *testing.T) {
	model := newStubModel()
	h := newHarness(t, model, Config{}, nil)

	bad := h.dial(t)
	badSess := h.nextSession(t)
	good := h.dial(t)
	goodSess := h.nextSession(t)

	send(t, bad, `{"event":"start","streamSid":"MZ1"}`)
	send(t, good, `{"event":"start","streamSid":"MZ2"}`)
	send(t, bad, `{"streamSid":"MZ1","media":{"payload":"/w=="}}`)
	expectClose(t, bad, websocket.CloseProtocolError, ReasonMalformedFrame)
	waitDone(t, badSess)

	send(t, good, `{"event":"media","media":{"payload":"/w=="}}`)
	ev := h.nextEvent(t)
	if ev.SessionID != "MZ2" {
		t.Fatalf("expected event from MZ2, got %+v", ev)
	}
	if goodSess.State() != StateStreaming {
		t.Fatalf("expected healthy session to keep streaming, got %s", goodSess.State())
	}
	if got := model.rec(badSess.TraceID()).closed.Load(); got != 1 {
		t.Fatalf("expected recognizer released once, got %d", got)
	}
	if got := len(h.obs.Named(metrics.EventProtocolError)); got != 1 {
		t.Fatalf("expected protocol error metric, got %d", got)
	}
}

func TestNonJSONFrameIsProtocolError(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)
	send(t, c, `hello`)
	expectClose(t, c, websocket.CloseProtocolError, ReasonMalformedFrame)
	waitDone(t, s)
}

func TestSecondStartDoesNotRebind(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"start","streamSid":"MZ1"}`)
	send(t, c, `{"event":"start","streamSid":"MZ2"}`)
	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	if ev := h.nextEvent(t); ev.SessionID != "MZ1" {
		t.Fatalf("expected MZ1 to stay bound, got %q", ev.SessionID)
	}
	if s.SessionID() != "MZ1" {
		t.Fatalf("expected MZ1, got %q", s.SessionID())
	}
}

func TestMediaToleratedBeforeStartAndBadPayloadSkipped(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	send(t, c, `{"event":"mark","mark":{"name":"m1"}}`)
	send(t, c, `{"event":"something_new"}`)
	send(t, c, `{"event":"media","media":{"payload":"%%%"}}`)
	send(t, c, `{"event":"media"}`)
	h.noEvent(t)

	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	ev := h.nextEvent(t)
	if ev.SessionID != "" || ev.Seq != 1 {
		t.Fatalf("expected unbound first event, got %+v", ev)
	}
	if s.State() != StateAwaitingStart {
		t.Fatalf("expected AWAITING_START, got %s", s.State())
	}
}

func TestResampleInterpolatesAcrossFrames(t *testing.T) {
	model := newStubModel()
	h := newHarness(t, model, Config{Resample: true, SampleRate: 16000}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	// Each frame decodes to [0, -32124].
	send(t, c, `{"event":"media","media":{"payload":"/wA="}}`)
	h.nextEvent(t)
	send(t, c, `{"event":"media","media":{"payload":"/wA="}}`)
	h.nextEvent(t)

	rec := model.rec(s.TraceID())
	if rec.rate != 16000 {
		t.Fatalf("expected recognizer at 16000 Hz, got %d", rec.rate)
	}
	var got []int16
	for _, b := range rec.Batches() {
		got = append(got, b...)
	}
	want := []int16{0, -16062, -32124, -16062, 0, -16062}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNewRejectsBadResampleRate(t *testing.T) {
	c := nopConn{}
	if _, err := New(c, Config{Resample: true, SampleRate: 11025}, Options{Model: newStubModel()}); err == nil {
		t.Fatalf("expected error for non-multiple rate")
	}
	if _, err := New(c, Config{}, Options{}); err == nil {
		t.Fatalf("expected error without model")
	}
}

func TestRecognizerCreateFailureClosesWithInternalError(t *testing.T) {
	model := newStubModel()
	model.failCreate = errors.New("out of memory")
	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	h := newHarness(t, model, Config{}, breaker)

	c := h.dial(t)
	s := h.nextSession(t)
	expectClose(t, c, websocket.CloseInternalServerErr, ReasonRecognizerUnavailable)
	waitDone(t, s)
	if breaker.Allow() {
		t.Fatalf("expected breaker to open after create failure")
	}

	c2 := h.dial(t)
	h.nextSession(t)
	expectClose(t, c2, websocket.CloseTryAgainLater, ReasonRecognizerUnavailable)
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{IdleTimeout: 50 * time.Millisecond}, nil)
	c := h.dial(t)
	s := h.nextSession(t)
	expectClose(t, c, websocket.CloseGoingAway, ReasonIdleTimeout)
	waitDone(t, s)
}

func TestRegistryLookupAndCloseAll(t *testing.T) {
	h := newHarness(t, newStubModel(), Config{}, nil)
	c := h.dial(t)
	s := h.nextSession(t)

	send(t, c, `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA9"}}`)
	send(t, c, `{"event":"media","media":{"payload":"/w=="}}`)
	h.nextEvent(t)

	found, ok := h.reg.ByCallSID("CA9")
	if !ok || found != s {
		t.Fatalf("expected lookup by call sid to find the session")
	}
	if _, ok := h.reg.ByCallSID("CA0"); ok {
		t.Fatalf("expected no session for unknown call")
	}
	if h.reg.Count() != 1 {
		t.Fatalf("expected one live session, got %d", h.reg.Count())
	}

	h.reg.CloseAll(websocket.CloseNormalClosure, ReasonCallCompleted)
	expectClose(t, c, websocket.CloseNormalClosure, ReasonCallCompleted)
	waitDone(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !h.reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("expected registry to drain")
	}
	h.reg.SetDraining(true)
	if h.reg.Add(s) {
		t.Fatalf("expected draining registry to refuse sessions")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateAwaitingStart: "AWAITING_START",
		StateStreaming:     "STREAMING",
		StateClosed:        "CLOSED",
		State(9):           "UNKNOWN",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Fatalf("expected %s, got %s", want, st.String())
		}
	}
}
