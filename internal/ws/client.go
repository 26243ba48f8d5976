package ws

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
	"github.com/manpreetbhatti/memecraft/backend/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Connections that keep flooding past their limit are cut off.
	maxRateViolations = 1000
)

var (
	ErrSlowConsumer = errors.New("client send buffer full")
	ErrClientClosed = errors.New("client closed")
)

// Config tunes the websocket endpoint.
type Config struct {
	MaxMessageSize    int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    1024 * 1024,
		SendBuffer:        256,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		AllowedOrigins:    []string{"*"},
	}
}

// Client is one websocket connection. It satisfies collab.Peer.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ collab.Peer = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// Send queues a frame without blocking. A full buffer closes the client.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closed = true
		close(c.send)
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Server upgrades HTTP requests and hands the sockets to a Hub.
type Server struct {
	hub      *Hub
	cfg      Config
	upgrades *ratelimit.ClientLimiters
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer builds the /ws handler. upgrades may be nil to disable per-IP
// admission limits.
func NewServer(hub *Hub, cfg Config, upgrades *ratelimit.ClientLimiters, logger *slog.Logger) *Server {
	s := &Server{
		hub:      hub,
		cfg:      cfg,
		upgrades: upgrades,
		logger:   logger.With(slog.String("component", "ws")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.upgrades != nil && !s.upgrades.Allow(remoteIP(r)) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         s.hub,
		conn:        conn,
		id:          id,
		send:        make(chan []byte, s.cfg.SendBuffer),
		rateLimiter: ratelimit.NewLimiter(s.cfg.MessagesPerSecond, s.cfg.MessageBurst),
		logger:      s.logger.With(slog.String("connID", id)),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.cfg.MaxMessageSize)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *Client) readPump(maxMessageSize int64) {
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

	violations := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", slog.Any("error", err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", slog.Int("violations", violations))
			}
			if violations > maxRateViolations {
				c.logger.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", slog.Int("type", messageType))
			continue
		}

		select {
		case c.hub.inbound <- &Message{Client: c, Data: message}:
		case <-c.hub.done:
			return
		}
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
