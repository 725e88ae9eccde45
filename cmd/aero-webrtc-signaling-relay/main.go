// Aero-webrtc-signaling-relay brokers WebRTC negotiation between browser
// peers. Clients register under an application namespace and a display name,
// learn which peers are already present, and exchange opaque signal payloads
// through the relay.
//
// Usage:
//
//	aero-webrtc-signaling-relay [flags]
//	aero-webrtc-signaling-relay version
//
// Every flag has an environment variable equivalent; see --help.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// configError marks failures that happen before the relay starts serving.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var cerr configError
	if errors.As(err, &cerr) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aero-webrtc-signaling-relay",
		Short: "WebRTC signaling relay",
		Long: `Relays WebRTC negotiation messages between browser peers.

Peers connect over a plain WebSocket or socket.io, register with an init
message and exchange signal messages addressed by connection id. Signal data
is forwarded verbatim and never interpreted by the relay.`,
		// Flags belong to config.Load so that env defaults, the config file and
		// flags share one definition.
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args)
			if err != nil {
				if errors.Is(err, flag.ErrHelp) {
					return nil
				}
				return configError{err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cfg)
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			build := resolveBuildInfo(buildCommit, buildTime)
			commit, when := build.Commit, build.BuildTime
			if commit == "" {
				commit = "unknown"
			}
			if when == "" {
				when = "unknown"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "aero-webrtc-signaling-relay commit=%s built=%s\n", commit, when)
			return err
		},
	}
}

func runRelay(ctx context.Context, cfg config.Config) error {
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return configError{err}
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"signaling_ws_path", cfg.SignalingWSPath,
		"socketio_enabled", cfg.SocketIOEnabled,
		"socketio_path", cfg.SocketIOPath,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"mdns_enabled", cfg.MDNSEnabled,
	)
	logStartupWarnings(logger, cfg)

	a := newApp(cfg, logger, resolveBuildInfo(buildCommit, buildTime))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return a.serve(ctx, ln)
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
