package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Close frame payloads are limited to 125 bytes, two of which hold the code.
const maxCloseReasonBytes = 123

type WebSocketConfig struct {
	// AllowedOrigins follows origin.IsAllowed; empty means same host only.
	AllowedOrigins []string

	MaxMessageBytes   int64
	MessagesPerSecond int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Clock drives the per-connection rate limiter. Nil uses the wall clock.
	Clock ratelimit.Clock
}

// outboundFrame is the text frame written for every emitted event.
type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebSocketServer serves the signaling protocol over plain WebSockets. Each
// text frame carries one JSON envelope.
type WebSocketServer struct {
	cfg        WebSocketConfig
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewWebSocketServer(cfg WebSocketConfig, d *Dispatcher, logger *slog.Logger, m *metrics.Metrics) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebSocketServer{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		metrics:    m,
		conns:      make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if origin.CheckRequest(r, cfg.AllowedOrigins) {
				return true
			}
			m.Inc(metrics.OriginRejected)
			logger.Debug("websocket origin rejected", "origin", r.Header.Get("Origin"), "host", r.Host)
			return false
		},
	}
	return s
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		done: make(chan struct{}),
	}
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	s.logger.Debug("websocket connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	s.serve(r.Context(), c)
}

func (s *WebSocketServer) serve(ctx context.Context, c *wsConn) {
	defer func() {
		c.close()
		s.untrack(c)
		s.dispatcher.HandleDisconnect(ctx, c)
		s.metrics.Inc(metrics.ConnectionsClosed)
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	c.extendDeadline(s.cfg.IdleTimeout)
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline(s.cfg.IdleTimeout)
		return nil
	})
	go c.keepalive(s.cfg.PingInterval)

	limiter := ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MessagesPerSecond)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closing.Load():
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				s.metrics.Inc(metrics.MessageTooLarge)
				s.logger.Debug("signaling message too large", "conn_id", c.id)
			case isTimeout(err):
				s.metrics.Inc(metrics.IdleTimeout)
				s.logger.Debug("websocket idle timeout", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendDeadline(s.cfg.IdleTimeout)

		// Limit after the read so the peer sees the close frame instead of a
		// reset caused by unread bytes.
		if !limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			s.logger.Warn("signaling rate limit exceeded", "conn_id", c.id)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ProtocolViolation)
			s.logger.Warn("protocol violation, disconnecting", "conn_id", c.id, "reason", "expected text message")
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			s.dispatcher.Violation(ctx, c, "invalid json")
			return
		}
		// Frames already buffered behind a violation are never dispatched.
		if err := s.dispatcher.HandleMessage(ctx, c, raw); errors.Is(err, ErrProtocolViolation) || c.closing.Load() {
			return
		}
	}
}

// Close sends 1001 to every open connection and refuses new ones.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
	}
}

func (s *WebSocketServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WebSocketServer) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *WebSocketServer) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type wsConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Emit(event string, payload any) error {
	data, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Disconnect(reason string) {
	c.closeWith(websocket.ClosePolicyViolation, reason)
	c.close()
}

func (c *wsConn) closeWith(code int, reason string) {
	c.closing.Store(true)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) extendDeadline(idle time.Duration) {
	if idle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	}
}

func (c *wsConn) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	reason = reason[:maxCloseReasonBytes]
	for !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
