// Package sinks delivers transcript events to their consumers.
package sinks

import (
	"context"
	"errors"

	"github.com/harunnryd/callscribe/pkg/frames"
)

// Sink receives every transcript event of every session. Implementations must
// return promptly; a failing sink never terminates a session.
type Sink interface {
	Emit(ctx context.Context, ev frames.TranscriptEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev frames.TranscriptEvent) error

func (f SinkFunc) Emit(ctx context.Context, ev frames.TranscriptEvent) error { return f(ctx, ev) }

// Closer is implemented by sinks holding external resources.
type Closer interface {
	Close() error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev frames.TranscriptEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, frames.TranscriptEvent) error { return nil })
