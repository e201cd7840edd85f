package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	// OnStart receives the context that is cancelled when shutdown begins.
	OnStart func(ctx context.Context) error
	// OnDrainTimeout runs when Drain overran its deadline, before OnStop. It
	// must leave nothing running that OnStop is about to release.
	OnDrainTimeout func()
	OnStop         func()
}

// Drainer waits for in-flight calls to finish or for ctx to expire.
type Drainer interface {
	Drain(ctx context.Context) error
}

// DrainFunc adapts a function to the Drainer interface.
type DrainFunc func(ctx context.Context) error

func (f DrainFunc) Drain(ctx context.Context) error { return f(ctx) }

// Version is overridden at build time with -ldflags "-X ...runner.Version=".
var Version = "dev"

func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"CALLSCRIBE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, true, bytes.NewBufferString(tpl))
}
