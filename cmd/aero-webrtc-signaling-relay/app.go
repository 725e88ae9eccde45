package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

// app wires one Dispatcher to its transports and the HTTP surface.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	build  httpserver.BuildInfo

	metrics    *metrics.Metrics
	dispatcher *signaling.Dispatcher
	ws         *signaling.WebSocketServer
	sio        *signaling.SocketIOServer // nil when disabled
	http       *httpserver.Server
}

type statsResponse struct {
	Registry        registry.Stats    `json:"registry"`
	WebSocketConns  int               `json:"websocketConnections"`
	SocketIOEnabled bool              `json:"socketioEnabled"`
	Events          map[string]uint64 `json:"events"`
}

type groupResponse struct {
	App         string   `json:"app"`
	DisplayName string   `json:"displayName"`
	SocketIDs   []string `json:"socketIds"`
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) *app {
	m := metrics.New()
	d := signaling.NewDispatcher(logger, m)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		build:      build,
		metrics:    m,
		dispatcher: d,
		ws: signaling.NewWebSocketServer(signaling.WebSocketConfig{
			AllowedOrigins:    cfg.AllowedOrigins,
			MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
			MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
			IdleTimeout:       cfg.SignalingWSIdleTimeout,
			PingInterval:      cfg.SignalingWSPingInterval,
		}, d, logger, m),
		http: httpserver.New(cfg, logger, build),
	}

	mux := a.http.Mux()
	mux.Handle("GET "+cfg.SignalingWSPath, a.ws)

	if cfg.SocketIOEnabled {
		a.sio = signaling.NewSocketIOServer(signaling.SocketIOConfig{
			Path:              cfg.SocketIOPath,
			AllowedOrigins:    cfg.AllowedOrigins,
			PingInterval:      cfg.SocketIOPingInterval,
			MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
			MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		}, d, logger, m)
		// Polling uses both GET and POST.
		mux.Handle(cfg.SocketIOPath+"/", a.sio)
	}

	a.http.SetStats(func() any {
		return statsResponse{
			Registry:        d.Stats(),
			WebSocketConns:  a.ws.ConnCount(),
			SocketIOEnabled: a.sio != nil,
			Events:          m.Snapshot(),
		}
	})
	// Empty values are valid names, so presence is checked rather than content.
	mux.HandleFunc("GET /stats/group", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("app") || !q.Has("displayName") {
			httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "app and displayName query parameters are required"})
			return
		}
		appName, displayName := q.Get("app"), q.Get("displayName")
		httpserver.WriteJSON(w, http.StatusOK, groupResponse{
			App:         appName,
			DisplayName: displayName,
			SocketIDs:   d.Peers(appName, displayName),
		})
	})
	a.http.SetMetrics(m,
		metrics.Gauge{
			Name:  "aero_webrtc_signaling_relay_registered_connections",
			Help:  "Connections that have completed init.",
			Value: func() float64 { return float64(d.Stats().Connections) },
		},
		metrics.Gauge{
			Name:  "aero_webrtc_signaling_relay_groups",
			Help:  "Non-empty (app, display name) groups.",
			Value: func() float64 { return float64(d.Stats().Groups) },
		},
		metrics.Gauge{
			Name:  "aero_webrtc_signaling_relay_websocket_connections",
			Help:  "Open plain WebSocket connections.",
			Value: func() float64 { return float64(a.ws.ConnCount()) },
		},
	)

	return a
}

// serve runs until ctx is done or the listener fails, then shuts down within
// cfg.ShutdownTimeout.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	stopMDNS := a.advertise(ln.Addr())
	defer stopMDNS()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.closeTransports()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are invisible to http.Server.Shutdown, so the
	// transports close their own.
	a.closeTransports()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) closeTransports() {
	a.ws.Close()
	if a.sio != nil {
		a.sio.Close()
	}
}

func (a *app) advertise(addr net.Addr) func() {
	noop := func() {}
	if !a.cfg.MDNSEnabled {
		return noop
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return noop
	}

	svc := discovery.Service{
		Instance: a.cfg.MDNSInstance,
		Port:     tcp.Port,
		WSPath:   a.cfg.SignalingWSPath,
		Version:  a.build.Commit,
	}
	if a.cfg.SocketIOEnabled {
		svc.SocketIOPath = a.cfg.SocketIOPath
	}
	stop, err := discovery.Advertise(svc)
	if err != nil {
		// Discovery is a convenience; the relay keeps serving without it.
		a.logger.Warn("mdns advertisement failed", "err", err)
		return noop
	}
	a.logger.Info("mdns advertising", "instance", svc.Instance, "service", discovery.ServiceType, "port", svc.Port)
	return stop
}
