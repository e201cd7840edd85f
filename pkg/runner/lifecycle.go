package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner starts the service, blocks until its context ends and then
// drains live calls within a bounded timeout.
type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	stopped  chan struct{}
	timeout  time.Duration
	banner   io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		stopped: make(chan struct{}),
		timeout: timeout,
	}
}

// SetBanner prints the startup banner to w when Run begins.
func (r *LifecycleRunner) SetBanner(w io.Writer) {
	r.banner = w
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return fmt.Errorf("runner: cannot start from state %s", r.State())
	}
	PrintBanner(r.banner)
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(r.ctx); err != nil {
			r.cancel()
			r.setState(StateStopped)
			return err
		}
	}
	r.setState(StateRunning)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.stopErr = r.drain()
		if errors.Is(r.stopErr, ErrDrainTimeout) && r.hooks.OnDrainTimeout != nil {
			r.hooks.OnDrainTimeout()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		close(r.stopped)
	})
	return r.stopErr
}

// drain reports ErrDrainTimeout whenever the deadline passed, even if the
// drainer itself returned nil.
func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.drainer.Drain(ctx)
	if ctx.Err() != nil {
		return ErrDrainTimeout
	}
	return err
}

// Stopped is closed once OnStop has returned.
func (r *LifecycleRunner) Stopped() <-chan struct{} {
	return r.stopped
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
