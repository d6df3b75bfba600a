package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	rlog "passpot/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketChannel is the client side of the signaling relay. It implements
// ports.SignalingChannel over a single websocket connection and fans inbound
// envelopes out to subscribers from a dedicated read loop.
type WebSocketChannel struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[int]ports.SignalingHandler
	nextHandle int

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.SugaredLogger
}

// DialOptions configures the connection to the relay.
type DialOptions struct {
	// URL is the relay endpoint, e.g. ws://host:8080/ws.
	URL string
	// Token is the bearer token; it is passed as a query parameter the way
	// the relay expects it.
	Token string
	// WriteTimeout bounds each outbound write. Zero means 10s.
	WriteTimeout time.Duration
}

// Dial connects to the signaling relay and starts the read loop.
func Dial(ctx context.Context, opts DialOptions) (*WebSocketChannel, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}

	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	ch := &WebSocketChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		handlers:     make(map[int]ports.SignalingHandler),
		closed:       make(chan struct{}),
		logger:       rlog.New("info").Sugar(),
	}

	conn.SetPingHandler(func(appData string) error {
		ch.writeMu.Lock()
		defer ch.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go ch.readLoop()
	return ch, nil
}

// Send delivers one signaling message to the relay. Writes are serialized;
// the context only bounds the wait for the write slot since gorilla writes
// use deadlines, not contexts.
func (c *WebSocketChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	select {
	case <-c.closed:
		return fmt.Errorf("signaling channel closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling send failed: %w", err)
	}
	return nil
}

// Subscribe registers a handler for inbound messages. The returned function
// removes it. Handlers run on the read loop goroutine, one message at a time.
func (c *WebSocketChannel) Subscribe(handler ports.SignalingHandler) func() {
	c.handlersMu.Lock()
	handle := c.nextHandle
	c.nextHandle++
	c.handlers[handle] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, handle)
		c.handlersMu.Unlock()
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) readLoop() {
	for {
		var msg domain.SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warnw("signaling read failed", "error", err)
				}
				c.Close()
			}
			return
		}

		if msg.Type == "" {
			// Server error frames and other non-envelope traffic.
			continue
		}

		c.handlersMu.RLock()
		handlers := make([]ports.SignalingHandler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}
