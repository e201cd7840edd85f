package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/session"
)

var ErrNotStarted = errors.New("mock transport not started")

// Transport runs call sessions over in-memory connections. It is used for
// replaying captured streams and for tests without a network.
type Transport struct {
	cfg      session.Config
	opts     session.Options
	registry *session.Registry

	mu     sync.Mutex
	ctx    context.Context
	nextID atomic.Int64
	wg     sync.WaitGroup
}

func New(cfg session.Config, opts session.Options, registry *session.Registry) *Transport {
	if registry == nil {
		registry = session.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{cfg: cfg, opts: opts, registry: registry}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Registry() *session.Registry { return t.registry }

// Start records the context sessions run under. Cancelling it closes every
// open stream with 1001.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	return nil
}

// Stop refuses new streams. Open sessions end through their own close path.
func (t *Transport) Stop() error {
	t.registry.SetDraining(true)
	return nil
}

// Open accepts a new in-memory stream and runs its session in the background.
func (t *Transport) Open() (*Client, error) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotStarted
	}
	if t.registry.Draining() {
		return nil, errors.New("mock transport draining")
	}
	if !t.opts.Breaker.Allow() {
		return nil, errorsx.New(errorsx.ReasonRecognizerCircuit, "recognizer circuit open")
	}

	c := newConn(fmt.Sprintf("memory-%d", t.nextID.Add(1)))
	s, err := session.New(c, t.cfg, t.opts)
	if err != nil {
		return nil, err
	}
	if !t.registry.Add(s) {
		_ = c.Close()
		return nil, errors.New("mock transport draining")
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.registry.Remove(s)
		if err := s.Run(ctx); err != nil {
			t.opts.Logger.Debug("session_ended_with_error",
				errorsx.Attr(err),
				slog.String("error", err.Error()))
		}
	}()
	return &Client{conn: c, done: s.Done()}, nil
}

// Wait blocks until every session opened so far has returned.
func (t *Transport) Wait() {
	t.wg.Wait()
}
