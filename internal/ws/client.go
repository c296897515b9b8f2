package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codestream/internal/ratelimit"
	"github.com/manpreetbhatti/codestream/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 256

	// connections past this many dropped messages are closed
	maxRateLimitViolations = 1000
)

var ErrSendBufferFull = errors.New("send buffer full")

// Client is one websocket connection. It satisfies registry.Conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *ratelimit.Limiter
}

func newClient(conn *websocket.Conn, limiter *ratelimit.Limiter) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues data for the write pump without blocking.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return registry.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return registry.ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and hang up. Safe to call
// more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readPump delivers inbound text frames to handle until the peer goes away.
func (c *Client) readPump(label string, handle func([]byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for %s (warning #%d)", label, violations)
			}
			if violations > maxRateLimitViolations {
				log.Printf("🚫 Disconnecting %s for excessive rate limit violations", label)
				return
			}
			continue
		}

		handle(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.flush()
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
