package deepgram

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
)

// newIdleRecognizer has nothing reading its pipe, like a socket that stopped
// draining.
func newIdleRecognizer() *Recognizer {
	ctx, cancel := context.WithCancel(context.Background())
	return newRecognizer(ctx, cancel, recognizer.Config{}, New(Config{}).logger)
}

func newTestRecognizer() *Recognizer {
	r := newIdleRecognizer()
	go func() { _, _ = io.Copy(io.Discard, r.pipeReader) }()
	return r
}

func acceptWithin(t *testing.T, r *Recognizer, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := r.AcceptWaveform([]int16{1, 2, 3})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatalf("expected AcceptWaveform to return within %s", d)
		return nil
	}
}

func TestRecognizerLatchesFinalUntilNextAccept(t *testing.T) {
	r := newTestRecognizer()
	defer r.Close()

	r.onTranscript("hel", false)
	final, err := r.AcceptWaveform([]int16{1, 2})
	if err != nil || final {
		t.Fatalf("expected partial, got final=%v err=%v", final, err)
	}
	if got := r.PartialResult(); got != `{"partial":"hel"}` {
		t.Fatalf("unexpected partial %s", got)
	}

	r.onTranscript("hello", true)
	r.onTranscript("there", true)
	final, _ = r.AcceptWaveform([]int16{3})
	if !final {
		t.Fatalf("expected final to be latched")
	}
	if got := r.Result(); got != `{"text":"hello there"}` {
		t.Fatalf("unexpected final %s", got)
	}
	if final, _ = r.AcceptWaveform([]int16{4}); final {
		t.Fatalf("expected final to be reported once")
	}
	if got := r.PartialResult(); got != `{"partial":""}` {
		t.Fatalf("expected partial cleared after final, got %s", got)
	}
}

func TestRecognizerAcceptAfterCloseFails(t *testing.T) {
	r := newTestRecognizer()
	_ = r.Close()
	_ = r.Close()
	if _, err := r.AcceptWaveform([]int16{1}); err == nil {
		t.Fatalf("expected write error after close")
	}
}

func TestRecognizerFailsFastAfterStreamEnds(t *testing.T) {
	r := newIdleRecognizer()
	defer r.Close()

	// Fill the pipe with a write nobody reads, then end the stream under it.
	if err := acceptWithin(t, r, time.Second); err != nil {
		t.Fatalf("expected first chunk queued, got %v", err)
	}
	r.endStream(errors.New("socket reset"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := acceptWithin(t, r, time.Second)
		if err != nil {
			if err.Error() != "socket reset" {
				t.Fatalf("expected stream error surfaced, got %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected accept to fail after the stream ended")
		}
	}
}

func TestRecognizerCleanStreamEndStillFails(t *testing.T) {
	r := newIdleRecognizer()
	defer r.Close()
	r.endStream(nil)
	if err := acceptWithin(t, r, time.Second); !errors.Is(err, errStreamEnded) {
		t.Fatalf("expected errStreamEnded, got %v", err)
	}
}

func TestRecognizerBacklogIsBounded(t *testing.T) {
	r := newIdleRecognizer()
	defer r.Close()

	var err error
	for i := 0; i < audioBacklog+2 && err == nil; i++ {
		err = acceptWithin(t, r, time.Second)
	}
	if !errors.Is(err, errBacklogFull) {
		t.Fatalf("expected errBacklogFull once the socket stops draining, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	m := New(Config{})
	if m.cfg.Model == "" || m.cfg.Language == "" || m.Name() != "deepgram" {
		t.Fatalf("expected defaults, got %+v", m.cfg)
	}
}
