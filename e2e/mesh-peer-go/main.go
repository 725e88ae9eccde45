package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/meshpeer"
)

// mesh-peer-go joins a relay group as a WebRTC peer and prints one line per
// event on stdout:
//
//	PEERS <id>,<id>    socketIds answer to init
//	OPEN <id>          datachannel to a peer opened
//	MSG <id> <text>    message received from a peer
//
// Every peer that opens is sent MESSAGE once.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayURL := os.Getenv("RELAY_URL")
	if relayURL == "" {
		discovered, err := discoverRelay(ctx, time.Duration(envIntOrDefault("DISCOVER_TIMEOUT_MS", 2000))*time.Millisecond)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no RELAY_URL and discovery failed: %v\n", err)
			os.Exit(2)
		}
		relayURL = discovered
	}

	var iceServers []webrtc.ICEServer
	if raw := os.Getenv(config.EnvICEServersJSON); raw != "" {
		parsed, err := config.ParseICEServersJSON(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid %s: %v\n", config.EnvICEServersJSON, err)
			os.Exit(2)
		}
		iceServers = parsed
	}

	api, err := meshpeer.NewAPI(meshpeer.APIOptions{LogLevel: envOrDefault("WEBRTC_LOG_LEVEL", "warn")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	message := envOrDefault("MESSAGE", "hello")

	var client *meshpeer.Client
	client, err = meshpeer.Dial(ctx, meshpeer.Config{
		URL:        relayURL,
		Origin:     os.Getenv("ORIGIN"),
		App:        envOrDefault("APP", "aero-e2e"),
		Group:      envOrDefault("GROUP", "mesh"),
		API:        api,
		ICEServers: iceServers,
		Logger:     logger,
		OnPeers: func(ids []string) {
			fmt.Printf("PEERS %s\n", strings.Join(ids, ","))
		},
		OnOpen: func(peerID string) {
			fmt.Printf("OPEN %s\n", peerID)
			if err := client.Send(peerID, []byte(message)); err != nil {
				logger.Warn("send failed", "peer", peerID, "err", err)
			}
		},
		OnMessage: func(peerID string, data []byte) {
			fmt.Printf("MSG %s %s\n", peerID, data)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("READY %s\n", relayURL)

	if err := client.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func discoverRelay(ctx context.Context, timeout time.Duration) (string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	relays, err := discovery.Browse(browseCtx)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", fmt.Errorf("no %s service answered within %s", discovery.ServiceType, timeout)
	}
	return relays[0].WebSocketURL(), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
