package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/redact"
)

// ConsoleSink prints finalized utterances one per line. With live partials
// enabled, one session at a time owns the live line and its partial is redrawn
// in place. Other sessions' partials are not drawn until that session emits a
// final. Their finals still print, and the owner's line is restored below them.
type ConsoleSink struct {
	mu       sync.Mutex
	w        io.Writer
	partials bool
	owner    string
	live     string
}

func NewConsoleSink(w io.Writer, partials bool) *ConsoleSink {
	return &ConsoleSink{w: w, partials: partials}
}

func (s *ConsoleSink) Emit(_ context.Context, ev frames.TranscriptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := redact.Text(ev.Text)
	if ev.IsFinal {
		return s.final(ev.SessionID, text)
	}
	if !s.partials || text == "" {
		return nil
	}
	if s.owner != "" && s.owner != ev.SessionID {
		return nil
	}
	s.owner, s.live = ev.SessionID, text
	_, err := fmt.Fprintf(s.w, "\r\033[K[%s] %s", ev.SessionID, text)
	return err
}

func (s *ConsoleSink) final(sessionID, text string) error {
	if s.owner == "" {
		if text == "" {
			return nil
		}
		_, err := fmt.Fprintf(s.w, "[%s] %s\n", sessionID, text)
		return err
	}
	if _, err := fmt.Fprint(s.w, "\r\033[K"); err != nil {
		return err
	}
	if s.owner == sessionID {
		s.owner, s.live = "", ""
	}
	if text != "" {
		if _, err := fmt.Fprintf(s.w, "[%s] %s\n", sessionID, text); err != nil {
			return err
		}
	}
	if s.owner != "" {
		_, err := fmt.Fprintf(s.w, "[%s] %s", s.owner, s.live)
		return err
	}
	return nil
}
