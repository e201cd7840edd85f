package callscribe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
	"github.com/harunnryd/callscribe/pkg/transports"
)

type stubTransport struct {
	deps    TransportDeps
	started atomic.Bool
	stopped atomic.Bool
	runCtx  atomic.Pointer[context.Context]
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Start(ctx context.Context) error {
	s.runCtx.Store(&ctx)
	s.started.Store(true)
	return nil
}

func (s *stubTransport) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *stubTransport) ReadyFields() map[string]any {
	return map[string]any{"stream_url": "wss://example.test/stream"}
}

type failingModel struct{ closed atomic.Bool }

func (m *failingModel) Name() string { return "failing" }

func (m *failingModel) NewRecognizer(context.Context, recognizer.Config) (recognizer.Recognizer, error) {
	return nil, errors.New("no recognizer")
}

func (m *failingModel) Close() error {
	m.closed.Store(true)
	return nil
}

func testConfig() Config {
	return Config{
		Environment: "test",
		Transport:   ProviderConfig{Provider: "stub"},
		Recognizer:  RecognizerConfig{Provider: "mock", SampleRate: 8000, BreakerThreshold: 3},
		Server:      ServerConfig{DrainTimeoutMS: 500},
		Sinks:       SinksConfig{Log: true, Console: ConsoleSinkConfig{Enabled: true}},
		Observability: ObservabilityConfig{
			Metrics:    "jsonl",
			SampleRate: 1,
			Latency:    true,
		},
	}
}

func testRegistry(tr *stubTransport) *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	reg.RegisterTransport("stub", func(_ Config, deps TransportDeps) (transports.Transport, error) {
		tr.deps = deps
		return tr, nil
	})
	return reg
}

func TestEngineRunAndDrain(t *testing.T) {
	tr := &stubTransport{}
	var out bytes.Buffer
	e, err := NewEngine(context.Background(), EngineOptions{
		Config:    testConfig(),
		Providers: testRegistry(tr),
		Stdout:    &out,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("expected engine, got %v", err)
	}
	if tr.deps.Model == nil || tr.deps.Registry != e.Registry() || tr.deps.Breaker == nil || tr.deps.Sink == nil {
		t.Fatalf("expected transport deps to be wired, got %+v", tr.deps)
	}
	if m, ok := e.Model().(*mock.Model); !ok || m.Created() != 1 || m.Live() != 0 {
		t.Fatalf("expected one probed and released recognizer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !tr.started.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.started.Load() {
		t.Fatalf("expected transport to start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean drain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not stop")
	}
	if !tr.stopped.Load() || !e.Registry().Draining() {
		t.Fatalf("expected transport stopped and registry draining")
	}
	if runCtx := tr.runCtx.Load(); runCtx == nil || (*runCtx).Err() == nil {
		t.Fatalf("expected session context to be cancelled")
	}
}

func TestEngineModelLoadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Recognizer.Provider = "vosk"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: testRegistry(&stubTransport{}),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if !errorsx.HasReason(err, errorsx.ReasonModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

func TestEngineProbeFailure(t *testing.T) {
	model := &failingModel{}
	reg := testRegistry(&stubTransport{})
	reg.RegisterModel("failing", func(context.Context, Config) (recognizer.Model, error) { return model, nil })
	cfg := testConfig()
	cfg.Recognizer.Provider = "failing"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: reg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if !errorsx.HasReason(err, errorsx.ReasonRecognizerCreate) {
		t.Fatalf("expected recognizer create error, got %v", err)
	}
	if !model.closed.Load() {
		t.Fatalf("expected model to be released after failed probe")
	}
}

func TestEngineUnknownProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Provider = "sip"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatalf("expected unknown transport error")
	}
}

func TestBuiltinSettingsValidation(t *testing.T) {
	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	cfg := testConfig()

	cfg.Recognizer.Settings = map[string]any{"transcript": "hello", "colour": "blue"}
	if _, err := reg.BuildModel(context.Background(), "mock", cfg); err == nil {
		t.Fatalf("expected unknown mock setting to be rejected")
	}

	cfg.Recognizer.Settings = map[string]any{"model": "nova-2"}
	if _, err := reg.BuildModel(context.Background(), "deepgram", cfg); err == nil {
		t.Fatalf("expected missing api_key to be rejected")
	}

	cfg.Recognizer.Settings = map[string]any{"api_key": "k", "utterance_end_ms": 9000}
	if _, err := reg.BuildModel(context.Background(), "Deepgram", cfg); err == nil {
		t.Fatalf("expected out of range utterance_end_ms to be rejected")
	}

	cfg.Recognizer.Settings = map[string]any{"api_key": "k"}
	if m, err := reg.BuildModel(context.Background(), "deepgram", cfg); err != nil || m.Name() != "deepgram" {
		t.Fatalf("expected deepgram model, got %v", err)
	}
}

func TestDialRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Transport = ProviderConfig{Provider: "twilio", Settings: map[string]any{"public_url": "https://example.test"}}
	_, err := Dial(context.Background(), cfg, nil, "+15550001", "+15550002", "", transports.DialOptions{})
	if err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

func TestReplayTranscribesCapture(t *testing.T) {
	cfg := testConfig()
	cfg.Recognizer.Settings = map[string]any{"transcript": "hello there", "final_every_samples": 4}
	cfg.Observability = ObservabilityConfig{Metrics: "none"}
	cfg.Sinks = SinksConfig{Console: ConsoleSinkConfig{Enabled: true}}

	capture := strings.Join([]string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ9","callSid":"CA9"},"streamSid":"MZ9"}`,
		``,
		`{"event":"media","media":{"payload":"/wA="},"streamSid":"MZ9"}`,
		`{"event":"media","media":{"payload":"/wA="},"streamSid":"MZ9"}`,
		`{"event":"stop","streamSid":"MZ9"}`,
	}, "\n")

	var out bytes.Buffer
	cs, err := Replay(context.Background(), EngineOptions{
		Config: cfg,
		Stdout: &out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, strings.NewReader(capture))
	if err != nil {
		t.Fatalf("expected replay to finish, got %v", err)
	}
	if cs.Code != 1000 || cs.Reason != replayCloseReason {
		t.Fatalf("expected echoed close, got %+v", cs)
	}
	if !strings.Contains(out.String(), "[MZ9] hello there\n") {
		t.Fatalf("expected final transcript on console, got %q", out.String())
	}
}

func TestReplayMalformedCapture(t *testing.T) {
	cfg := testConfig()
	cfg.Observability = ObservabilityConfig{Metrics: "none"}
	cs, err := Replay(context.Background(), EngineOptions{
		Config: cfg,
		Stdout: io.Discard,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, strings.NewReader("not json\n"))
	if err != nil {
		t.Fatalf("expected close status, got %v", err)
	}
	if cs.Code != 1002 {
		t.Fatalf("expected protocol error close, got %+v", cs)
	}
}
