package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycleRunnerDrainsAfterCancel(t *testing.T) {
	var started, stopped atomic.Bool
	var drainSawCancel atomic.Bool
	var runCtx context.Context

	drain := DrainFunc(func(ctx context.Context) error {
		drainSawCancel.Store(runCtx.Err() != nil)
		return nil
	})
	r := NewLifecycleRunner(drain, Hooks{
		OnStart: func(ctx context.Context) error {
			runCtx = ctx
			started.Store(true)
			return nil
		},
		OnStop: func() { stopped.Store(true) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if !started.Load() || !stopped.Load() || !drainSawCancel.Load() {
		t.Fatalf("expected start, drain after cancel and stop hooks")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	drain := DrainFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	var order []string
	r := NewLifecycleRunner(drain, Hooks{
		OnDrainTimeout: func() { order = append(order, "abort") },
		OnStop:         func() { order = append(order, "stop") },
	}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if len(order) != 2 || order[0] != "abort" || order[1] != "stop" {
		t.Fatalf("expected abort before stop, got %v", order)
	}
	select {
	case <-r.Stopped():
	default:
		t.Fatalf("expected stopped channel closed")
	}
}

func TestLifecycleRunnerCleanDrainSkipsAbort(t *testing.T) {
	aborted := false
	r := NewLifecycleRunner(DrainFunc(func(context.Context) error { return nil }), Hooks{
		OnDrainTimeout: func() { aborted = true },
	}, time.Second)
	if err := r.Stop(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if aborted {
		t.Fatalf("expected no abort after clean drain")
	}
}

func TestLifecycleRunnerStartFailure(t *testing.T) {
	boom := errors.New("model missing")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error { return boom }}, time.Second)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to be rejected")
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("expected version line, got %q", buf.String())
	}
}
