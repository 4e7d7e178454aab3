package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize is the default bound on a single inbound frame
const MaxFrameSize = 64 * 1024

// FrameLimit returns a read limit that fits any chat frame carrying up to
// maxMessageLength runes. JSON escaping takes at most 6 bytes per rune.
func FrameLimit(maxMessageLength int) int64 {
	limit := int64(6*maxMessageLength + 1024)
	if limit < MaxFrameSize {
		return MaxFrameSize
	}
	return limit
}

// Transport is an order-preserving, message-oriented duplex connection.
// ReadFrame is called from one goroutine only; WriteFrame and Close may
// be called concurrently with it.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
	RemoteAddr() string
}

// TransportOptions tune a websocket transport
type TransportOptions struct {
	// ReadLimit bounds inbound frames; 0 means MaxFrameSize
	ReadLimit    int64
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings. A peer that stays silent
	// for two intervals is treated as gone.
	PingInterval time.Duration
}

type wsTransport struct {
	conn *websocket.Conn
	opts TransportOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebsocketTransport wraps an established websocket connection
func NewWebsocketTransport(conn *websocket.Conn, opts TransportOptions) Transport {
	t := &wsTransport{conn: conn, opts: opts, done: make(chan struct{})}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = MaxFrameSize
	}
	conn.SetReadLimit(limit)
	if opts.PingInterval > 0 {
		t.extendDeadline()
		conn.SetPongHandler(func(string) error {
			t.extendDeadline()
			return nil
		})
		conn.SetPingHandler(func(data string) error {
			t.extendDeadline()
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
		go t.keepalive()
	}
	return t
}

func (t *wsTransport) extendDeadline() {
	t.conn.SetReadDeadline(time.Now().Add(2 * t.opts.PingInterval))
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.PingInterval)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if t.opts.PingInterval > 0 {
			t.extendDeadline()
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.opts.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// DialWebsocket opens a websocket transport to endpoint
func DialWebsocket(ctx context.Context, endpoint string, timeout time.Duration, opts TransportOptions) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return NewWebsocketTransport(conn, opts), nil
}

// isClosedError reports whether err is an ordinary end of connection
func isClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, ErrClosed)
}
