package callscribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/observers"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/resilience"
	"github.com/harunnryd/callscribe/pkg/runner"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/sinks"
	"github.com/harunnryd/callscribe/pkg/transports"
)

const (
	probeTraceID = "startup_probe"
	// abortWait bounds how long aborted sessions get to release their
	// recognizers before the model is closed.
	abortWait = 2 * time.Second
)

// Engine owns the process-wide pieces: the shared model, the sinks, the
// observers and the transport accepting calls.
type Engine struct {
	cfg       Config
	model     recognizer.Model
	transport transports.Transport
	registry  *session.Registry
	breaker   *resilience.CircuitBreaker
	sink      sinks.Multi
	asyncObs  *metrics.AsyncObserver
	runner    *runner.LifecycleRunner
	logger    *slog.Logger
	closers   []io.Closer
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Stdout receives the banner and the console sink. Defaults to os.Stdout.
	Stdout io.Writer
	// Logger overrides the logger built from log_level and log_format.
	Logger *slog.Logger
	// Banner prints the startup banner when set.
	Banner bool
}

// NewEngine loads the model and verifies a recognizer can be created from it.
// Either failure is fatal.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("callscribe_init",
		"environment", cfg.Environment,
		"recognizer_provider", cfg.Recognizer.Provider,
		"sample_rate", cfg.Recognizer.SampleRate,
		"resample", cfg.Recognizer.Resample,
		"transport", cfg.Transport.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltins(providers)
	}

	e := &Engine{cfg: cfg, logger: logger, registry: session.NewRegistry()}

	model, err := providers.BuildModel(ctx, cfg.Recognizer.Provider, cfg)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonModelLoad, "load model: %w", err)
	}
	e.model = model
	if err := probeRecognizer(ctx, model, cfg.Recognizer.SampleRate); err != nil {
		_ = model.Close()
		return nil, err
	}
	logger.Info("model_ready", "provider", model.Name())

	obs, err := e.buildObservers(stdout)
	if err != nil {
		e.release()
		return nil, err
	}
	if err := e.buildSinks(ctx, stdout); err != nil {
		e.release()
		return nil, err
	}
	e.breaker = resilience.NewCircuitBreaker(cfg.Recognizer.BreakerThreshold,
		time.Duration(cfg.Recognizer.BreakerCooldownMS)*time.Millisecond)

	transport, err := providers.BuildTransport(cfg.Transport.Provider, cfg, TransportDeps{
		Model:    model,
		Sink:     e.sink,
		Observer: obs,
		Breaker:  e.breaker,
		Registry: e.registry,
		Logger:   logger,
	})
	if err != nil {
		e.release()
		return nil, err
	}
	e.transport = transport

	hooks := runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := e.transport.Start(ctx); err != nil {
				return err
			}
			fields := []any{"transport", e.transport.Name(), "version", runner.Version}
			if rr, ok := e.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
			return nil
		},
		OnDrainTimeout: func() {
			n := e.registry.AbortAll()
			ctx, cancel := context.WithTimeout(context.Background(), abortWait)
			defer cancel()
			if !e.registry.WaitForEmpty(ctx, 10*time.Millisecond) {
				logger.Error("sessions_stuck_after_abort", "aborted", n, "active_calls", e.registry.Count())
				return
			}
			logger.Warn("sessions_aborted", "count", n)
		},
		OnStop: func() {
			e.release()
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.registry.Count())
		},
	}
	e.runner = runner.NewLifecycleRunner(runner.DrainFunc(e.drain), hooks, cfg.DrainTimeout())
	if opts.Banner {
		e.runner.SetBanner(stdout)
	}
	return e, nil
}

// Run serves calls until ctx is cancelled, then drains live sessions.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Model() recognizer.Model { return e.model }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) drain(ctx context.Context) error {
	e.registry.SetDraining(true)
	if e.transport != nil {
		if err := e.transport.Stop(); err != nil {
			e.logger.Warn("transport_stop_failed", "error", err)
		}
	}
	e.registry.CloseAll(websocket.CloseGoingAway, session.ReasonShutdown)
	if !e.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		e.logger.Warn("drain_incomplete", "active_calls", e.registry.Count())
		return ctx.Err()
	}
	return nil
}

func (e *Engine) release() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
		if n := e.asyncObs.Dropped(); n > 0 {
			e.logger.Warn("metrics_dropped", "count", n)
		}
	}
	if err := e.sink.Close(); err != nil {
		e.logger.Warn("sink_close_failed", "error", err)
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
	e.closers = nil
	if e.model != nil {
		_ = e.model.Close()
	}
}

func (e *Engine) buildObservers(stdout io.Writer) (metrics.Observer, error) {
	var sampled []metrics.Observer
	switch strings.ToLower(strings.TrimSpace(e.cfg.Observability.Metrics)) {
	case "", "log":
		sampled = append(sampled, observers.NewLoggerObserver(logging.NewComponentLogger(e.logger, "metrics"), slog.LevelDebug))
	case "jsonl":
		w := stdout
		if path := strings.TrimSpace(e.cfg.Observability.MetricsPath); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open metrics file: %w", err)
			}
			e.closers = append(e.closers, f)
			w = f
		}
		sampled = append(sampled, metrics.NewJSONLObserver(w))
	}

	var list []metrics.Observer
	if e.cfg.Observability.Latency {
		list = append(list, observers.NewLatencyObserver(e.logger))
	}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		if days := e.cfg.Observability.RetentionDays; days > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(days)*24*time.Hour)
			if err != nil {
				e.logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				e.logger.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		timeline := observers.NewTimelineObserver(dir, e.cfg.Observability.RecordMedia)
		usage := observers.NewUsageObserver(dir)
		e.closers = append(e.closers, timeline, usage)
		list = append(list, timeline, usage)
	}
	if len(sampled) > 0 {
		list = append(list, metrics.NewSamplingObserver(observers.NewMultiObserver(sampled...), e.cfg.Observability.SampleRate))
	}
	if len(list) == 0 {
		return metrics.NoopObserver{}, nil
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), e.cfg.Observability.Buffer)
	return e.asyncObs, nil
}

func (e *Engine) buildSinks(ctx context.Context, stdout io.Writer) error {
	if e.cfg.Sinks.Log {
		e.sink = append(e.sink, sinks.NewLogSink(e.logger))
	}
	if e.cfg.Sinks.Console.Enabled {
		e.sink = append(e.sink, sinks.NewConsoleSink(stdout, e.cfg.Sinks.Console.Partials))
	}
	if e.cfg.Sinks.MQTT.Enabled {
		s, err := sinks.NewMQTTSink(e.cfg.Sinks.MQTT.MQTTConfig)
		if err != nil {
			return fmt.Errorf("mqtt sink: %w", err)
		}
		e.sink = append(e.sink, s)
	}
	if e.cfg.Sinks.Postgres.Enabled {
		s, err := sinks.NewPostgresSink(ctx, e.cfg.Sinks.Postgres.PostgresConfig)
		if err != nil {
			return fmt.Errorf("postgres sink: %w", err)
		}
		e.sink = append(e.sink, s)
	}
	return nil
}

func probeRecognizer(ctx context.Context, model recognizer.Model, sampleRate int) error {
	rec, err := model.NewRecognizer(ctx, recognizer.Config{TraceID: probeTraceID, SampleRate: sampleRate})
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonRecognizerCreate, "startup recognizer probe: %w", err)
	}
	return rec.Close()
}
