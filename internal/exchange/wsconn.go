package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"depthwatch/internal/telemetry"
)

// StreamHandler supplies the venue half of a stream: subscriptions to send
// after every (re)connect, frame handling, and the client keepalive.
type StreamHandler interface {
	// OnConnect runs after a successful dial, before the read loop starts.
	OnConnect() error
	// OnMessage receives every frame read from the socket.
	OnMessage(data []byte)
	// Keepalive returns the client ping payload and its cadence. A nil
	// payload disables client pings.
	Keepalive() (any, time.Duration)
}

// WSConn is a websocket connection that redials forever with a fixed pause.
// It owns the socket; handlers write through WriteJSON, which serializes
// writes against the keepalive loop.
type WSConn struct {
	url  string
	feed string
	log  zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn prepares a connection to url. feed labels telemetry and is not
// sent on the wire.
func NewWSConn(url, feed string, log zerolog.Logger) *WSConn {
	return &WSConn{url: url, feed: feed, log: log}
}

// Run dials, reads until failure, and redials after ReconnectWait. Blocks
// until ctx is cancelled.
func (c *WSConn) Run(ctx context.Context, h StreamHandler) error {
	for {
		err := c.connectAndRead(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		telemetry.WSReconnects.WithLabelValues(c.feed).Inc()
		c.log.Warn().Err(err).Dur("wait", ReconnectWait).Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectWait):
		}
	}
}

// Close releases the current connection, if any. A concurrent Run notices
// the read failure and exits through its context check.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// WriteJSON sends one frame under the write deadline. Fails when the socket
// is between connects.
func (c *WSConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSConn) connectAndRead(ctx context.Context, h StreamHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Unblock the read loop when the process shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	defer func() {
		stop()
		c.mu.Lock()
		conn.Close()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := h.OnConnect(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if payload, every := h.Keepalive(); payload != nil {
		pingCtx, pingCancel := context.WithCancel(ctx)
		defer pingCancel()
		go c.pingLoop(pingCtx, payload, every)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		telemetry.WSMessages.WithLabelValues(c.feed).Inc()
		h.OnMessage(msg)
	}
}

func (c *WSConn) pingLoop(ctx context.Context, payload any, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.WriteJSON(payload); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
