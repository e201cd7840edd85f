package callscribe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	memtransport "github.com/harunnryd/callscribe/pkg/transports/mock"
)

const replayCloseReason = "replay finished"

// Replay feeds a captured media stream, one JSON message per line, through a
// single session over the in-memory transport and reports how it closed.
func Replay(ctx context.Context, opts EngineOptions, r io.Reader) (memtransport.CloseStatus, error) {
	opts.Config.Transport = ProviderConfig{Provider: "mock"}
	e, err := NewEngine(ctx, opts)
	if err != nil {
		return memtransport.CloseStatus{}, err
	}
	defer func() { _ = e.Stop() }()

	tr, ok := e.Transport().(*memtransport.Transport)
	if !ok {
		return memtransport.CloseStatus{}, fmt.Errorf("replay needs the in-memory transport, got %s", e.Transport().Name())
	}
	if err := tr.Start(ctx); err != nil {
		return memtransport.CloseStatus{}, err
	}
	client, err := tr.Open()
	if err != nil {
		return memtransport.CloseStatus{}, err
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), int(e.cfg.SessionConfig().MaxMessageBytes)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := client.Send(append([]byte(nil), line...)); err != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		client.Drop()
		<-client.Done()
		return memtransport.CloseStatus{}, fmt.Errorf("read capture: %w", err)
	}

	client.CloseWith(websocket.CloseNormalClosure, replayCloseReason)
	select {
	case <-client.Done():
	case <-ctx.Done():
	case <-time.After(e.cfg.DrainTimeout()):
	}
	select {
	case cs := <-client.Closed():
		return cs, nil
	default:
		return memtransport.CloseStatus{}, fmt.Errorf("session ended without a close frame")
	}
}
