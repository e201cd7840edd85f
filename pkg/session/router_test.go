package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/frames"
)

type nopConn struct{}

func (nopConn) ReadMessage() (int, []byte, error)                { return 0, nil, errors.New("closed") }
func (nopConn) WriteControl(int, []byte, time.Time) error        { return nil }
func (nopConn) SetReadLimit(int64)                               {}
func (nopConn) SetReadDeadline(time.Time) error                  { return nil }
func (nopConn) SetCloseHandler(func(code int, text string) error) {}
func (nopConn) RemoteAddr() net.Addr                             { return nil }
func (nopConn) Close() error                                     { return nil }

func TestRouterDispatchesByKind(t *testing.T) {
	r := NewRouter(nil)
	var got []frames.Kind
	record := func(_ context.Context, f frames.Frame) error {
		got = append(got, f.Kind)
		return nil
	}
	r.Handle(frames.KindStart, record)
	r.Handle(frames.KindMedia, record)

	for _, raw := range []string{
		`{"event":"start","streamSid":"MZ1"}`,
		`{"event":"dtmf","dtmf":{"digit":"1"}}`,
		`{"kind":"MEDIA","media":{"payload":"/w=="}}`,
	} {
		if _, err := r.Route(context.Background(), []byte(raw)); err != nil {
			t.Fatalf("route %s: %v", raw, err)
		}
	}
	if len(got) != 2 || got[0] != frames.KindStart || got[1] != frames.KindMedia {
		t.Fatalf("expected start then media, got %v", got)
	}
}

func TestRouterMalformed(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Route(context.Background(), []byte(`{}`)); !errors.Is(err, frames.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRouterPropagatesHandlerError(t *testing.T) {
	r := NewRouter(nil)
	boom := errors.New("boom")
	r.Handle(frames.KindStop, func(context.Context, frames.Frame) error { return boom })
	kind, err := r.Route(context.Background(), []byte(`{"event":"stop"}`))
	if kind != frames.KindStop || !errors.Is(err, boom) {
		t.Fatalf("expected stop handler error, got %q %v", kind, err)
	}
}
