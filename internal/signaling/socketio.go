package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

// InboundEvent is the socket.io event clients emit envelopes on.
const InboundEvent = "message"

var errOriginNotAllowed = errors.New("origin not allowed")

type SocketIOConfig struct {
	// Path is the mount point, e.g. "/socket.io".
	Path           string
	AllowedOrigins []string

	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int

	Clock ratelimit.Clock
}

// SocketIOServer serves the signaling protocol to socket.io clients: envelopes
// arrive on the "message" event and replies go out as "socketIds" and "signal"
// events.
type SocketIOServer struct {
	cfg        SocketIOConfig
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	io      *socket.Server
	handler http.Handler

	closeOnce sync.Once
}

func NewSocketIOServer(cfg SocketIOConfig, d *Dispatcher, logger *slog.Logger, m *metrics.Metrics) *SocketIOServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SocketIOServer{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		metrics:    m,
	}

	opts := socket.DefaultServerOptions()
	opts.SetPath(cfg.Path)
	opts.SetServeClient(false)
	if cfg.PingInterval > 0 {
		opts.SetPingInterval(cfg.PingInterval)
	}
	if cfg.MaxMessageBytes > 0 {
		opts.SetMaxHttpBufferSize(cfg.MaxMessageBytes)
	}
	if cors := corsOptions(cfg.AllowedOrigins); cors != nil {
		opts.SetCors(cors)
	}
	opts.SetAllowRequest(func(ctx *types.HttpContext) error {
		if origin.CheckRequest(ctx.Request(), cfg.AllowedOrigins) {
			return nil
		}
		m.Inc(metrics.OriginRejected)
		logger.Debug("socket.io origin rejected", "origin", ctx.Request().Header.Get("Origin"))
		return errOriginNotAllowed
	})

	s.io = socket.NewServer(nil, opts)
	s.io.On("connection", func(args ...any) {
		if len(args) == 0 {
			return
		}
		if sock, ok := args[0].(*socket.Socket); ok {
			s.onConnection(sock)
		}
	})
	s.handler = s.io.ServeHandler(nil)
	return s
}

func (s *SocketIOServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *SocketIOServer) Close() {
	s.closeOnce.Do(func() {
		s.io.Close(nil)
	})
}

func (s *SocketIOServer) onConnection(sock *socket.Socket) {
	c := &sioConn{sock: sock}
	limiter := ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MessagesPerSecond)
	ctx := context.Background()

	s.metrics.Inc(metrics.ConnectionsOpened)
	s.logger.Debug("socket.io connected", "conn_id", c.ID())

	// socket.io delivers events for one socket in order, so neither the limiter
	// nor violated needs locking. Events queued behind a violation are dropped
	// until the disconnect lands.
	violated := false
	sock.On(InboundEvent, func(args ...any) {
		if violated {
			return
		}
		if !limiter.Allow() {
			violated = true
			s.metrics.Inc(metrics.RateLimited)
			s.logger.Warn("signaling rate limit exceeded", "conn_id", c.ID())
			c.Disconnect("rate limit exceeded")
			return
		}
		raw, ok := envelopeArg(args)
		if !ok {
			violated = true
			s.dispatcher.Violation(ctx, c, "missing message argument")
			return
		}
		if err := s.dispatcher.HandleMessage(ctx, c, raw); errors.Is(err, ErrProtocolViolation) {
			violated = true
		}
	})

	sock.On("disconnect", func(reason ...any) {
		s.dispatcher.HandleDisconnect(ctx, c)
		s.metrics.Inc(metrics.ConnectionsClosed)
		s.logger.Debug("socket.io disconnected", "conn_id", c.ID(), "reason", firstArg(reason))
	})
}

// envelopeArg drops a trailing acknowledgement callback, if the client sent
// one, and returns the first data argument.
func envelopeArg(args []any) (any, bool) {
	if n := len(args); n > 0 {
		if _, isAck := args[n-1].(func([]any, error)); isAck {
			args = args[:n-1]
		}
	}
	if len(args) == 0 {
		return nil, false
	}
	return args[0], true
}

func firstArg(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// corsOptions maps the origin allowlist onto socket.io's CORS settings. An
// empty list means same host only, which needs no CORS headers.
func corsOptions(allowed []string) *types.Cors {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return &types.Cors{Origin: "*"}
	}
	origins := make([]any, 0, len(allowed))
	for _, o := range allowed {
		origins = append(origins, o)
	}
	return &types.Cors{Origin: origins, Credentials: true}
}

type sioConn struct {
	sock *socket.Socket
}

var _ Conn = (*sioConn)(nil)

func (c *sioConn) ID() string { return string(c.sock.Id()) }

func (c *sioConn) Emit(event string, payload any) error {
	return c.sock.Emit(event, payload)
}

func (c *sioConn) Disconnect(string) {
	c.sock.Disconnect(true)
}
