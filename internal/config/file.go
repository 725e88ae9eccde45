package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML config file. Every field maps onto one
// environment key so the file behaves like a lower-priority environment.
type fileConfig struct {
	Port            *int     `yaml:"port"`
	ListenAddr      string   `yaml:"listen_addr"`
	PublicBaseURL   string   `yaml:"public_base_url"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	Mode            string   `yaml:"mode"`
	LogFormat       string   `yaml:"log_format"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`

	Signaling struct {
		WSPath               string `yaml:"ws_path"`
		IdleTimeout          string `yaml:"idle_timeout"`
		PingInterval         string `yaml:"ping_interval"`
		MaxMessageBytes      *int64 `yaml:"max_message_bytes"`
		MaxMessagesPerSecond *int   `yaml:"max_messages_per_second"`
	} `yaml:"signaling"`

	SocketIO struct {
		Enabled      *bool  `yaml:"enabled"`
		Path         string `yaml:"path"`
		PingInterval string `yaml:"ping_interval"`
	} `yaml:"socketio"`

	MDNS struct {
		Enabled  *bool  `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"mdns"`

	ICE struct {
		ServersJSON    string   `yaml:"servers_json"`
		StunURLs       []string `yaml:"stun_urls"`
		TurnURLs       []string `yaml:"turn_urls"`
		TurnUsername   string   `yaml:"turn_username"`
		TurnCredential string   `yaml:"turn_credential"`
	} `yaml:"ice"`
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values, err := parseFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

func parseFile(data []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	values := make(map[string]string)
	set := func(key, v string) {
		if v != "" {
			values[key] = v
		}
	}

	if fc.Port != nil {
		values[EnvPort] = strconv.Itoa(*fc.Port)
	}
	set(EnvListenAddr, fc.ListenAddr)
	set(EnvPublicBaseURL, fc.PublicBaseURL)
	set(EnvAllowedOrigins, strings.Join(fc.AllowedOrigins, ","))
	set(EnvMode, fc.Mode)
	set(EnvLogFormat, fc.LogFormat)
	set(EnvLogLevel, fc.LogLevel)
	set(EnvShutdownTimeout, fc.ShutdownTimeout)

	set(EnvSignalingWSPath, fc.Signaling.WSPath)
	set(EnvSignalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	set(EnvSignalingWSPingInterval, fc.Signaling.PingInterval)
	if fc.Signaling.MaxMessageBytes != nil {
		values[EnvMaxSignalingMessageBytes] = strconv.FormatInt(*fc.Signaling.MaxMessageBytes, 10)
	}
	if fc.Signaling.MaxMessagesPerSecond != nil {
		values[EnvMaxSignalingMessagesPerSecond] = strconv.Itoa(*fc.Signaling.MaxMessagesPerSecond)
	}

	if fc.SocketIO.Enabled != nil {
		values[EnvSocketIOEnabled] = strconv.FormatBool(*fc.SocketIO.Enabled)
	}
	set(EnvSocketIOPath, fc.SocketIO.Path)
	set(EnvSocketIOPingTime, fc.SocketIO.PingInterval)

	if fc.MDNS.Enabled != nil {
		values[EnvMDNSEnabled] = strconv.FormatBool(*fc.MDNS.Enabled)
	}
	set(EnvMDNSInstance, fc.MDNS.Instance)

	set(EnvICEServersJSON, fc.ICE.ServersJSON)
	set(EnvStunURLs, strings.Join(fc.ICE.StunURLs, ","))
	set(EnvTurnURLs, strings.Join(fc.ICE.TurnURLs, ","))
	set(EnvTurnUsername, fc.ICE.TurnUsername)
	set(EnvTurnCredential, fc.ICE.TurnCredential)

	return values, nil
}

// layeredLookup consults the environment first and falls back to file values.
func layeredLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}
