package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

// Client is one WebSocket subscriber. Writes go through a buffered channel
// so a slow consumer never blocks the broadcast path; when the buffer fills
// the event is dropped for that client.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan bus.EngineEvent
	done chan struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.EngineEvent, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues an event for delivery, dropping it if the client is backed up.
func (c *Client) Send(event bus.EngineEvent) {
	select {
	case c.send <- event:
	case <-c.done:
	default:
		slog.Warn("gateway: dropping event for slow client", "id", c.id, "event", event.Name)
	}
}

// Run pumps events to the connection until it closes or ctx ends.
func (c *Client) Run(ctx context.Context) {
	go c.readPump()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
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

// readPump discards inbound frames (the stream is one-way) and surfaces
// disconnects via c.done.
func (c *Client) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.conn.Close()
}
