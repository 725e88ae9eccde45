package meshpeer_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/meshpeer"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

func startRelay(t *testing.T) (url string, m *metrics.Metrics, srv *signaling.WebSocketServer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m = metrics.New()
	d := signaling.NewDispatcher(logger, m)
	srv = signaling.NewWebSocketServer(signaling.WebSocketConfig{MaxMessageBytes: 64 * 1024}, d, logger, m)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), m, srv
}

func newVNets(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var nets []*vnet.Net
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return nets
}

type meshMember struct {
	name   string
	client *meshpeer.Client
	peers  chan []string
	opened chan string

	mu       sync.Mutex
	received map[string][]string
	gotMsg   chan struct{}
}

func (m *meshMember) messages() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.received))
	for k, v := range m.received {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func joinMesh(t *testing.T, ctx context.Context, relayURL, name string, n *vnet.Net) *meshMember {
	t.Helper()

	opts := meshpeer.APIOptions{LogLevel: "disabled"}
	if n != nil {
		opts.Net = n
	}
	api, err := meshpeer.NewAPI(opts)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	m := &meshMember{
		name:     name,
		peers:    make(chan []string, 1),
		opened:   make(chan string, 8),
		received: map[string][]string{},
		gotMsg:   make(chan struct{}, 16),
	}
	c, err := meshpeer.Dial(ctx, meshpeer.Config{
		URL:    relayURL,
		App:    "mesh-test",
		Group:  "room",
		API:    api,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnPeers: func(ids []string) {
			m.peers <- ids
		},
		OnOpen: func(peerID string) {
			m.opened <- peerID
		},
		OnMessage: func(peerID string, data []byte) {
			m.mu.Lock()
			m.received[peerID] = append(m.received[peerID], string(data))
			m.mu.Unlock()
			m.gotMsg <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("Dial(%s): %v", name, err)
	}
	m.client = c

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		_ = c.Close()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("%s Run: %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("%s Run did not return", name)
		}
	})

	select {
	case <-m.peers:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: no socketIds from relay", name)
	}
	return m
}

func waitOpen(t *testing.T, m *meshMember, want int) []string {
	t.Helper()
	var ids []string
	deadline := time.After(20 * time.Second)
	for len(ids) < want {
		select {
		case id := <-m.opened:
			ids = append(ids, id)
		case <-deadline:
			t.Fatalf("%s: %d/%d datachannels open", m.name, len(ids), want)
		}
	}
	return ids
}

func TestMesh_ThreePeersConnectThroughRelay(t *testing.T) {
	relayURL, m, _ := startRelay(t)
	nets := newVNets(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Join one at a time so each newcomer sees the members before it.
	a := joinMesh(t, ctx, relayURL, "a", nets[0])
	b := joinMesh(t, ctx, relayURL, "b", nets[1])
	c := joinMesh(t, ctx, relayURL, "c", nets[2])

	members := []*meshMember{a, b, c}
	for _, mem := range members {
		waitOpen(t, mem, 2)
	}

	for _, mem := range members {
		if got := mem.client.OpenPeers(); len(got) != 2 {
			t.Fatalf("%s open peers=%v", mem.name, got)
		}
		if n := mem.client.Broadcast([]byte("hello from " + mem.name)); n != 2 {
			t.Fatalf("%s broadcast reached %d peers", mem.name, n)
		}
	}

	for _, mem := range members {
		deadline := time.After(10 * time.Second)
		for i := 0; i < 2; i++ {
			select {
			case <-mem.gotMsg:
			case <-deadline:
				t.Fatalf("%s received %v", mem.name, mem.messages())
			}
		}
		got := mem.messages()
		if len(got) != 2 {
			t.Fatalf("%s received from %d peers: %v", mem.name, len(got), got)
		}
		for _, msgs := range got {
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "hello from ") || msgs[0] == "hello from "+mem.name {
				t.Fatalf("%s received %v", mem.name, got)
			}
		}
	}

	if m.Get(metrics.SignalRelayed) == 0 {
		t.Fatalf("expected signals to pass through the relay")
	}
}

func TestClient_SendToUnknownPeer(t *testing.T) {
	relayURL, _, _ := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := joinMesh(t, ctx, relayURL, "a", nil)
	if err := a.client.Send("nobody", []byte("x")); err != meshpeer.ErrPeerNotOpen {
		t.Fatalf("Send err=%v, want ErrPeerNotOpen", err)
	}
	if n := a.client.Broadcast([]byte("x")); n != 0 {
		t.Fatalf("Broadcast reached %d peers", n)
	}
}

func TestClient_RunReturnsWhenContextDone(t *testing.T) {
	relayURL, _, _ := startRelay(t)

	c, err := meshpeer.Dial(context.Background(), meshpeer.Config{URL: relayURL, App: "x", Group: "g"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestDial_RequiresAppAndGroup(t *testing.T) {
	relayURL, _, _ := startRelay(t)
	if _, err := meshpeer.Dial(context.Background(), meshpeer.Config{URL: relayURL, App: "x"}); err == nil {
		t.Fatalf("expected Dial to require a group")
	}
	if _, err := meshpeer.Dial(context.Background(), meshpeer.Config{URL: relayURL, Group: "g"}); err == nil {
		t.Fatalf("expected Dial to require an app")
	}
	if _, err := meshpeer.Dial(context.Background(), meshpeer.Config{App: "x", Group: "g"}); err == nil {
		t.Fatalf("expected Dial to require a URL")
	}
}

func TestClient_RelayShutdownEndsRun(t *testing.T) {
	relayURL, _, srv := startRelay(t)

	c, err := meshpeer.Dial(context.Background(), meshpeer.Config{URL: relayURL, App: "x", Group: "g"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	joined := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	go func() {
		for srv.ConnCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		t.Fatalf("client never registered with the relay")
	}

	srv.Close()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "1001") {
			t.Fatalf("Run err=%v, want relay close 1001", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}
