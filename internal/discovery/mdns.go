// Package discovery advertises the relay on the local network over mDNS and
// lets clients find it.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_aero-signal._tcp"
	ServiceDomain = "local."
)

// TXT record keys.
const (
	txtPath     = "path"
	txtSocketIO = "socketio"
	txtVersion  = "version"
)

// Service describes what the relay announces.
type Service struct {
	Instance string
	Port     int

	// WSPath is the plain WebSocket endpoint. SocketIOPath is empty when the
	// socket.io transport is disabled.
	WSPath       string
	SocketIOPath string
	Version      string
}

func (s Service) TXT() []string {
	txt := []string{txtPath + "=" + s.WSPath}
	if s.SocketIOPath != "" {
		txt = append(txt, txtSocketIO+"="+s.SocketIOPath)
	}
	if s.Version != "" {
		txt = append(txt, txtVersion+"="+s.Version)
	}
	return txt
}

// Advertise registers svc on all interfaces. The returned function withdraws
// the announcement.
func Advertise(svc Service) (func(), error) {
	if svc.Port <= 0 {
		return nil, fmt.Errorf("mdns: invalid port %d", svc.Port)
	}
	server, err := zeroconf.Register(svc.Instance, ServiceType, ServiceDomain, svc.Port, svc.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return server.Shutdown, nil
}

// Relay is a relay found on the network.
type Relay struct {
	Instance     string
	Addr         string // host:port
	WSPath       string
	SocketIOPath string
	Version      string
}

// WebSocketURL is the ws:// URL of the relay's WebSocket endpoint.
func (r Relay) WebSocketURL() string {
	return "ws://" + r.Addr + r.WSPath
}

// Browse collects relays until ctx is done. Results are sorted by instance
// name.
func Browse(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Relay, 1)
	go func() {
		seen := make(map[string]Relay)
		// The resolver closes entries once ctx is done.
		for entry := range entries {
			if r, ok := parseEntry(entry); ok {
				seen[r.Instance] = r
			}
		}
		out := make([]Relay, 0, len(seen))
		for _, r := range seen {
			out = append(out, r)
		}
		slices.SortFunc(out, func(a, b Relay) int { return strings.Compare(a.Instance, b.Instance) })
		found <- out
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	return <-found, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || entry.Port <= 0 {
		return Relay{}, false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Relay{}, false
	}

	r := Relay{
		Instance: entry.Instance,
		Addr:     net.JoinHostPort(host, strconv.Itoa(entry.Port)),
	}
	for _, kv := range entry.Text {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case txtPath:
			r.WSPath = value
		case txtSocketIO:
			r.SocketIOPath = value
		case txtVersion:
			r.Version = value
		}
	}
	if r.WSPath == "" {
		return Relay{}, false
	}
	return r, true
}
