package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Transport abstracts the duplex channel to the provider so that
// platform-specific socket APIs stay an adapter, not duplicated logic.
// Handlers must be registered before Open; they are invoked from the
// transport's read goroutine.
type Transport interface {
	Open(ctx context.Context, endpoint string) error
	Send(data []byte) error
	Close() error

	OnMessage(fn func(data []byte))
	// OnClose fires once per connection when the transport stops reading.
	// err is nil for a caller-initiated close.
	OnClose(fn func(err error))
	OnError(fn func(err error))
}

const wsHandshakeTimeout = 10 * time.Second

type wsTransport struct {
	log zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool // caller asked for the close

	onMessage func([]byte)
	onClose   func(error)
	onError   func(error)
}

// NewWebsocketTransport returns the production Transport backed by a
// websocket connection.
func NewWebsocketTransport(log zerolog.Logger) Transport {
	return &wsTransport{log: log.With().Str("component", "ws-transport").Logger()}
}

func (t *wsTransport) OnMessage(fn func([]byte)) { t.onMessage = fn }
func (t *wsTransport) OnClose(fn func(error))    { t.onClose = fn }
func (t *wsTransport) OnError(fn func(error))    { t.onError = fn }

func (t *wsTransport) Open(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", endpoint)
	}

	t.mu.Lock()
	if t.conn != nil {
		// a reconnect replaces the previous transport
		_ = t.conn.Close()
	}
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	t.log.Debug().Str("endpoint", endpoint).Msg("transport open")
	go t.readLoop(conn)
	return nil
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			callerClosed := t.closed
			t.mu.Unlock()

			if callerClosed {
				t.notifyClose(nil)
				return
			}
			t.log.Warn().Err(err).Msg("transport read failed")
			if t.onError != nil {
				t.onError(err)
			}
			t.notifyClose(err)
			return
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

func (t *wsTransport) notifyClose(err error) {
	if t.onClose != nil {
		t.onClose(err)
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("transport is not open")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closed = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
