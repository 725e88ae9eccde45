package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvPort            = "PORT"
	EnvListenAddr      = "LISTEN_ADDR"
	EnvPublicBaseURL   = "PUBLIC_BASE_URL"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvMode            = "MODE"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Signaling transports.
	EnvSignalingWSPath  = "SIGNALING_WS_PATH"
	EnvSocketIOEnabled  = "SOCKETIO_ENABLED"
	EnvSocketIOPath     = "SOCKETIO_PATH"
	EnvSocketIOPingTime = "SOCKETIO_PING_INTERVAL"

	// Per-connection hardening.
	EnvSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	EnvMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// LAN discovery.
	EnvMDNSEnabled  = "MDNS_ENABLED"
	EnvMDNSInstance = "MDNS_INSTANCE"

	DefaultPort                          = 8080
	DefaultShutdown                      = 15 * time.Second
	DefaultMode                          = ModeDev
	DefaultSignalingWSPath               = "/signal"
	DefaultSocketIOPath                  = "/socket.io"
	DefaultSocketIOPingInterval          = 25 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMDNSInstance                  = "aero-webrtc-signaling-relay"
)

// DefaultAllowedOrigins accepts any browser origin. Many unrelated apps share
// one relay through app namespaces, so cross-origin access is the norm.
var DefaultAllowedOrigins = []string{"*"}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// SignalingWSPath is the route for the plain WebSocket transport.
	SignalingWSPath string

	// SocketIOEnabled serves the socket.io transport at SocketIOPath for clients
	// built against the socket.io protocol.
	SocketIOEnabled      bool
	SocketIOPath         string
	SocketIOPingInterval time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond <= 0 disables per-connection rate limiting.
	MaxSignalingMessagesPerSecond int

	MDNSEnabled  bool
	MDNSInstance string

	// ICEServers is handed to peers via GET /webrtc/ice. The relay itself never
	// opens PeerConnections.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It is surfaced via
// /readyz and /webrtc/ice instead of failing startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// ListenPort returns the TCP port portion of ListenAddr, or 0 if it cannot be
// parsed.
func (c Config) ListenPort() int {
	_, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(envLookup, EnvConfigFile, "")
	if v, ok := configFileFromArgs(args); ok {
		configFile = v
	}
	lookup := envLookup
	if configFile != "" {
		fileValues, err := readFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layeredLookup(envLookup, fileValues)
	}

	modeDefault := envOrDefault(lookup, EnvMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, EnvLogFormat, "")
	logLevelDefault := envOrDefault(lookup, EnvLogLevel, "")

	port, err := envIntOrDefault(lookup, EnvPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	listenAddr := envOrDefault(lookup, EnvListenAddr, net.JoinHostPort("", strconv.Itoa(port)))
	publicBaseURL := envOrDefault(lookup, EnvPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, strings.Join(DefaultAllowedOrigins, ","))

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	signalingWSPath := envOrDefault(lookup, EnvSignalingWSPath, DefaultSignalingWSPath)
	socketIOEnabled, err := envBoolOrDefault(lookup, EnvSocketIOEnabled, true)
	if err != nil {
		return Config{}, err
	}
	socketIOPath := envOrDefault(lookup, EnvSocketIOPath, DefaultSocketIOPath)
	socketIOPingInterval, err := envDurationOrDefault(lookup, EnvSocketIOPingTime, DefaultSocketIOPingInterval)
	if err != nil {
		return Config{}, err
	}

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	mdnsEnabled, err := envBoolOrDefault(lookup, EnvMDNSEnabled, false)
	if err != nil {
		return Config{}, err
	}
	mdnsInstance := envOrDefault(lookup, EnvMDNSInstance, DefaultMDNSInstance)

	iceServersJSON := envOrDefault(lookup, EnvICEServersJSON, "")
	stunURLs := envOrDefault(lookup, EnvStunURLs, "")
	turnURLs := envOrDefault(lookup, EnvTurnURLs, "")
	turnUsername := envOrDefault(lookup, EnvTurnUsername, "")
	turnCredential := envOrDefault(lookup, EnvTurnCredential, "")

	fs := flag.NewFlagSet("aero-webrtc-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "Path to a YAML config file (env "+EnvConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+EnvListenAddr+", default :$"+EnvPort+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&signalingWSPath, "signaling-ws-path", signalingWSPath, "Route for the WebSocket signaling transport (env "+EnvSignalingWSPath+")")
	fs.BoolVar(&socketIOEnabled, "socketio-enabled", socketIOEnabled, "Serve the socket.io signaling transport (env "+EnvSocketIOEnabled+")")
	fs.StringVar(&socketIOPath, "socketio-path", socketIOPath, "Route prefix for the socket.io transport (env "+EnvSocketIOPath+")")
	fs.DurationVar(&socketIOPingInterval, "socketio-ping-interval", socketIOPingInterval, "socket.io heartbeat interval (env "+EnvSocketIOPingTime+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+EnvSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+EnvSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection, 0 = unlimited (env "+EnvMaxSignalingMessagesPerSecond+")")

	fs.BoolVar(&mdnsEnabled, "mdns", mdnsEnabled, "Advertise the relay on the local network via mDNS (env "+EnvMDNSEnabled+")")
	fs.StringVar(&mdnsInstance, "mdns-instance", mdnsInstance, "mDNS instance name (env "+EnvMDNSInstance+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+EnvICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+EnvStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+EnvTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+EnvTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+EnvTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", EnvAllowedOrigins, err)
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	var errs []error
	if err := validateRoute(signalingWSPath); err != nil {
		errs = append(errs, fmt.Errorf("signaling ws path: %w", err))
	}
	if socketIOEnabled {
		socketIOPath = strings.TrimSuffix(socketIOPath, "/")
		if err := validateRoute(socketIOPath); err != nil {
			errs = append(errs, fmt.Errorf("socket.io path: %w", err))
		} else if socketIOPath == strings.TrimSuffix(signalingWSPath, "/") {
			errs = append(errs, fmt.Errorf("socket.io path %q collides with signaling ws path", socketIOPath))
		}
		if socketIOPingInterval <= 0 {
			errs = append(errs, fmt.Errorf("socket.io ping interval must be > 0"))
		}
	}
	if signalingWSIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("signaling ws idle timeout must be > 0"))
	}
	if signalingWSPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("signaling ws ping interval must be > 0"))
	} else if signalingWSPingInterval >= signalingWSIdleTimeout {
		errs = append(errs, fmt.Errorf("signaling ws ping interval (%s) must be < idle timeout (%s)", signalingWSPingInterval, signalingWSIdleTimeout))
	}
	if maxSignalingMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("max signaling message bytes must be > 0"))
	}
	if mdnsEnabled && strings.TrimSpace(mdnsInstance) == "" {
		errs = append(errs, fmt.Errorf("mdns instance name must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		SignalingWSPath:      signalingWSPath,
		SocketIOEnabled:      socketIOEnabled,
		SocketIOPath:         socketIOPath,
		SocketIOPingInterval: socketIOPingInterval,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		MDNSEnabled:  mdnsEnabled,
		MDNSInstance: strings.TrimSpace(mdnsInstance),
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// configFileFromArgs finds --config/-config ahead of the real flag parse so the
// file can supply defaults for every other flag.
func configFileFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func validateRoute(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%q must start with /", path)
	}
	if path == "/" {
		return fmt.Errorf("%q must not be the root path", path)
	}
	if strings.ContainsAny(path, " {}") {
		return fmt.Errorf("%q contains invalid characters", path)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}
