// Package ws serves the collaborative editing websocket endpoint.
package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/manpreetbhatti/codestream/internal/protocol"
	"github.com/manpreetbhatti/codestream/internal/ratelimit"
	"github.com/manpreetbhatti/codestream/internal/registry"
	"github.com/manpreetbhatti/codestream/internal/session"
)

// Sessions is the protocol handler surface a connection drives.
type Sessions interface {
	Join(ctx context.Context, conn registry.Conn, roomID, userID, username string) (*session.Participant, error)
	Leave(p *session.Participant)
	HandleMessage(ctx context.Context, p *session.Participant, data []byte)
}

// Config bounds inbound traffic per connection.
type Config struct {
	MessagesPerSecond float64
	MessageBurst      int
}

// Server upgrades requests and runs one read and one write pump per client.
type Server struct {
	sessions Sessions
	config   Config
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func NewServer(sessions Sessions, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions: sessions,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/:room_id", s.HandleWebSocket)
}

// HandleWebSocket joins the caller to a room.
// GET /ws/:room_id?user_id=&username=
func (s *Server) HandleWebSocket(c echo.Context) error {
	roomID := c.Param("room_id")
	userID := c.QueryParam("user_id")
	username := c.QueryParam("username")

	if roomID == "" || userID == "" || username == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "room_id, user_id and username are required"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return nil
	}

	var limiter *ratelimit.Limiter
	if s.config.MessagesPerSecond > 0 {
		limiter = ratelimit.NewLimiter(s.config.MessagesPerSecond, s.config.MessageBurst)
	}
	client := newClient(conn, limiter)
	s.track(client)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()

	p, err := s.sessions.Join(s.ctx, client, roomID, userID, username)
	if err != nil {
		log.Printf("Failed to join %s to room %s: %v", userID, roomID, err)
		if data, err := protocol.Error("Failed to join room").Encode(); err == nil {
			client.Send(data)
		}
		client.Close()
		s.untrack(client)
		return nil
	}

	log.Printf("🔌 %s (%s) connected to room %s", username, userID, roomID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(client)

		label := fmt.Sprintf("%s in room %s", userID, roomID)
		client.readPump(label, func(data []byte) {
			s.sessions.HandleMessage(s.ctx, p, data)
		})

		s.sessions.Leave(p)
		log.Printf("🔌 %s disconnected from room %s", userID, roomID)
	}()

	return nil
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every connection and waits for the pumps to exit or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
