package api

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"depthwatch/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// Envelope wraps every frame pushed to websocket subscribers.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans serialized frames out to websocket clients. The client set is
// owned by the Run goroutine; handlers and producers reach it through
// channels only, so no lock guards the map.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	count      atomic.Int64
	log        zerolog.Logger
}

// NewHub creates a hub. Run must be started before clients attach.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Broadcast serializes the envelope once and shares the bytes with every
// client queue. A full hub queue drops the frame rather than stalling the
// producer.
func (h *Hub) Broadcast(typ string, data any) {
	msg, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("marshal frame")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("type", typ).Msg("broadcast queue full, frame dropped")
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]bool)

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range clients {
				close(c.send)
			}
			h.setCount(0)
			return

		case c := <-h.register:
			clients[c] = true
			h.setCount(len(clients))
			h.log.Info().Int("clients", len(clients)).Msg("client connected")

		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				h.setCount(len(clients))
				h.log.Info().Int("clients", len(clients)).Msg("client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Stalled client; cut it loose rather than block the fan-out.
					delete(clients, c)
					close(c.send)
					h.setCount(len(clients))
					h.log.Warn().Msg("client send queue full, dropped")
				}
			}
		}
	}
}

func (h *Hub) setCount(n int) {
	h.count.Store(int64(n))
	telemetry.WSClients.Set(float64(n))
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Client is one websocket subscriber. The hub owns the send channel, the
// write pump owns the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// attach queues the seed frames, registers the connection and starts its
// pumps. Seeds land before any broadcast the client will see.
func (h *Hub) attach(conn *websocket.Conn, seed [][]byte) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	for _, msg := range seed {
		select {
		case c.send <- msg:
		default:
		}
	}
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
	go c.writePump()
	go c.readPump()
	return c
}

// writePump drains the send channel onto the connection and keeps the
// client alive with pings. A closed send channel ends the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; the stream is server-push only. Pongs
// refresh the read deadline.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("client read error")
			}
			return
		}
	}
}
