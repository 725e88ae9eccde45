package main

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	logger := slog.New(&recordingHandler{mu: mu, records: records})
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(*records)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(slices.Clone(h.attrs), attrs...)
	return &nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(slices.Clone(h.groups), name)
	return &nh
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) []string {
	var codes []string
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

func TestStartupWarnings(t *testing.T) {
	stun := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	tests := []struct {
		name    string
		cfg     config.Config
		want    []string
		notWant []string
	}{
		{
			name: "quiet dev config",
			cfg: config.Config{
				Mode:                          config.ModeDev,
				AllowedOrigins:                []string{"*"},
				MaxSignalingMessageBytes:      64 * 1024,
				MaxSignalingMessagesPerSecond: 50,
				ICEServers:                    stun,
			},
		},
		{
			name: "wildcard origins in prod",
			cfg: config.Config{
				Mode:                          config.ModeProd,
				AllowedOrigins:                []string{"*"},
				MaxSignalingMessagesPerSecond: 50,
				ICEServers:                    stun,
			},
			want: []string{"allowed_origins_wildcard"},
		},
		{
			name: "rate limit disabled in prod",
			cfg: config.Config{
				Mode:           config.ModeProd,
				AllowedOrigins: []string{"https://app.example.com"},
				ICEServers:     stun,
			},
			want:    []string{"signaling_rate_limit_disabled_in_prod"},
			notWant: []string{"allowed_origins_wildcard"},
		},
		{
			name: "rate limit disabled in dev is fine",
			cfg: config.Config{
				Mode:       config.ModeDev,
				ICEServers: stun,
			},
			notWant: []string{"signaling_rate_limit_disabled_in_prod"},
		},
		{
			name: "large messages",
			cfg: config.Config{
				Mode:                          config.ModeDev,
				MaxSignalingMessageBytes:      8 << 20,
				MaxSignalingMessagesPerSecond: 50,
				ICEServers:                    stun,
			},
			want: []string{"signaling_message_bytes_large"},
		},
		{
			name: "mdns in prod",
			cfg: config.Config{
				Mode:                          config.ModeProd,
				MDNSEnabled:                   true,
				MDNSInstance:                  "relay",
				MaxSignalingMessagesPerSecond: 50,
				ICEServers:                    stun,
			},
			want: []string{"mdns_enabled_in_prod"},
		},
		{
			name: "no ice servers",
			cfg: config.Config{
				Mode:                          config.ModeDev,
				MaxSignalingMessagesPerSecond: 50,
			},
			want: []string{"ice_servers_empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupWarnings(logger, tt.cfg)

			codes := warningCodes(records())
			if len(tt.want) == 0 && len(tt.notWant) == 0 && len(codes) != 0 {
				t.Fatalf("unexpected warnings: %v", codes)
			}
			for _, code := range tt.want {
				if !slices.Contains(codes, code) {
					t.Fatalf("missing warning_code=%s, got %v", code, codes)
				}
			}
			for _, code := range tt.notWant {
				if slices.Contains(codes, code) {
					t.Fatalf("unexpected warning_code=%s", code)
				}
			}
		})
	}
}

func TestStartupWarnings_InvalidICEConfig(t *testing.T) {
	t.Setenv(config.EnvICEServersJSON, "{")
	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	logger, records := newRecordingLogger()
	logStartupWarnings(logger, cfg)

	codes := warningCodes(records())
	if !slices.Contains(codes, "ice_config_invalid") {
		t.Fatalf("missing ice_config_invalid, got %v", codes)
	}
	if slices.Contains(codes, "ice_servers_empty") {
		t.Fatalf("ice_servers_empty should not be reported alongside an invalid config")
	}
}
