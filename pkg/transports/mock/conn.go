package mock

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// CloseStatus is the code and reason of a close frame.
type CloseStatus struct {
	Code   int
	Reason string
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "mock: read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }

// conn is the server side of an in-memory media stream. It reproduces the
// parts of *websocket.Conn behaviour sessions rely on: close handler
// invocation, *websocket.CloseError on peer close and read deadlines.
type conn struct {
	in        chan []byte
	peerClose chan CloseStatus
	sent      chan CloseStatus
	closed    chan struct{}
	closeOnce sync.Once
	closeSent atomic.Bool
	addr      memAddr

	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{}
	handler  func(code int, text string) error
	limit    int64
}

func newConn(addr string) *conn {
	return &conn{
		in:        make(chan []byte, 64),
		peerClose: make(chan CloseStatus, 1),
		sent:      make(chan CloseStatus, 1),
		closed:    make(chan struct{}),
		changed:   make(chan struct{}),
		addr:      memAddr(addr),
	}
}

func (c *conn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		deadline, changed, limit := c.deadline, c.changed, c.limit
		c.mu.Unlock()

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, timeoutError{}
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}
		mt, msg, again, err := c.wait(expired, changed, limit)
		if timer != nil {
			timer.Stop()
		}
		if !again {
			return mt, msg, err
		}
	}
}

// wait blocks for the next event. Queued frames win over a pending close so
// a peer that sends and then closes has every frame read first.
func (c *conn) wait(expired <-chan time.Time, changed <-chan struct{}, limit int64) (int, []byte, bool, error) {
	select {
	case msg := <-c.in:
		return c.message(msg, limit)
	default:
	}
	select {
	case msg := <-c.in:
		return c.message(msg, limit)
	case cs := <-c.peerClose:
		if cs.Code != websocket.CloseAbnormalClosure {
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				_ = h(cs.Code, cs.Reason)
			}
		}
		return 0, nil, false, &websocket.CloseError{Code: cs.Code, Text: cs.Reason}
	case <-c.closed:
		return 0, nil, false, net.ErrClosed
	case <-expired:
		return 0, nil, false, timeoutError{}
	case <-changed:
		return 0, nil, true, nil
	}
}

func (c *conn) message(msg []byte, limit int64) (int, []byte, bool, error) {
	if limit > 0 && int64(len(msg)) > limit {
		return 0, nil, false, websocket.ErrReadLimit
	}
	return websocket.TextMessage, msg, false, nil
}

func (c *conn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	if !c.closeSent.CompareAndSwap(false, true) {
		return websocket.ErrCloseSent
	}
	cs := CloseStatus{Code: websocket.CloseNoStatusReceived}
	if len(data) >= 2 {
		cs.Code = int(binary.BigEndian.Uint16(data))
		cs.Reason = string(data[2:])
	}
	c.sent <- cs
	return nil
}

func (c *conn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

func (c *conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *conn) SetCloseHandler(h func(code int, text string) error) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *conn) RemoteAddr() net.Addr { return c.addr }

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var errClosed = errors.New("mock: connection closed")

// Client is the caller's end of an in-memory stream.
type Client struct {
	conn *conn
	done <-chan struct{}
}

// Send delivers one raw frame to the session.
func (c *Client) Send(raw []byte) error {
	select {
	case <-c.conn.closed:
		return errClosed
	case c.conn.in <- raw:
		return nil
	}
}

// CloseWith starts a peer-initiated close handshake.
func (c *Client) CloseWith(code int, reason string) {
	select {
	case c.conn.peerClose <- CloseStatus{Code: code, Reason: reason}:
	default:
	}
}

// Drop simulates the peer vanishing without a close frame.
func (c *Client) Drop() {
	c.CloseWith(websocket.CloseAbnormalClosure, "")
}

// Closed yields the close frame the session sent, if any.
func (c *Client) Closed() <-chan CloseStatus { return c.conn.sent }

// Done is closed once the session has released its resources.
func (c *Client) Done() <-chan struct{} { return c.done }
