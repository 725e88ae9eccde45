// Package meshpeer is a Go mesh participant for the signaling relay. It joins
// a group over the WebSocket transport, offers a PeerConnection to every peer
// already in the group and answers offers from peers that join later. Each
// pair of peers ends up with one ordered, reliable DataChannel.
package meshpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

var (
	ErrClosed      = errors.New("meshpeer: client closed")
	ErrPeerNotOpen = errors.New("meshpeer: no open datachannel to peer")
)

type Config struct {
	// URL of the relay's WebSocket endpoint, e.g. ws://127.0.0.1:8080/signal.
	URL string
	// Origin is sent on the handshake when set.
	Origin string

	App string
	// Group is the display name every member of the mesh registers under.
	// Signals are addressed to (App, Group).
	Group string

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// OnPeers receives the socketIds answer to the client's init.
	OnPeers func(peerIDs []string)
	// OnOpen fires when the DataChannel to a peer opens.
	OnOpen func(peerID string)
	// OnMessage receives DataChannel messages. data is owned by the callee.
	OnMessage func(peerID string, data []byte)
}

type Client struct {
	cfg    Config
	api    *webrtc.API
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Dial opens the signaling connection. Call Run to join the group.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("meshpeer: URL is required")
	}
	if cfg.App == "" || cfg.Group == "" {
		return nil, errors.New("meshpeer: App and Group are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	return &Client{
		cfg:      cfg,
		api:      api,
		logger:   logger.With("app", cfg.App, "group", cfg.Group),
		conn:     conn,
		sessions: make(map[string]*session),
	}, nil
}

// Run sends init and handles relay events until ctx is done, Close is
// called, or the relay drops the connection. It returns nil for the first
// two.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.writeEnvelope(signaling.KindInit, c.cfg.Group); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("relay closed connection: %d %s", ce.Code, ce.Text)
			}
			return err
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		switch f.Event {
		case signaling.EventSocketIDs:
			var p signaling.SocketIDsPayload
			if err := json.Unmarshal(f.Data, &p); err != nil {
				c.logger.Warn("dropping malformed socketIds", "err", err)
				continue
			}
			c.handlePeers(p.SocketIDs)
		case signaling.EventSignal:
			var p signaling.RelayedSignal
			if err := json.Unmarshal(f.Data, &p); err != nil {
				c.logger.Warn("dropping malformed signal", "err", err)
				continue
			}
			c.handleSignal(p.SocketID, p.SignalData)
		default:
			c.logger.Debug("ignoring relay event", "event", f.Event)
		}
	}
}

// Send writes data to the DataChannel of peerID.
func (c *Client) Send(peerID string, data []byte) error {
	c.mu.Lock()
	s := c.sessions[peerID]
	c.mu.Unlock()
	if s == nil {
		return ErrPeerNotOpen
	}
	dc := s.openChannel()
	if dc == nil {
		return ErrPeerNotOpen
	}
	return dc.Send(data)
}

// Broadcast sends data to every open peer and reports how many accepted it.
func (c *Client) Broadcast(data []byte) int {
	sent := 0
	for _, id := range c.OpenPeers() {
		if err := c.Send(id, data); err == nil {
			sent++
		}
	}
	return sent
}

// OpenPeers lists peers with an open DataChannel, sorted.
func (c *Client) OpenPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, s := range c.sessions {
		if s.openChannel() != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = map[string]*session{}
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) handlePeers(peerIDs []string) {
	c.logger.Info("joined group", "peers", len(peerIDs))
	if c.cfg.OnPeers != nil {
		c.cfg.OnPeers(peerIDs)
	}
	// The newcomer offers to everyone already present, so two peers never
	// offer to each other at once.
	for _, id := range peerIDs {
		if err := c.offer(id); err != nil {
			c.logger.Warn("offer failed", "peer", id, "err", err)
		}
	}
}

func (c *Client) offer(peerID string) error {
	s, err := c.newSession(peerID, true)
	if err != nil {
		return err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		c.dropSession(s)
		return err
	}
	// Send before SetLocalDescription so no candidate can overtake the offer.
	if err := c.sendDescription(peerID, offer); err != nil {
		c.dropSession(s)
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		c.dropSession(s)
		return err
	}
	return nil
}

func (c *Client) handleSignal(from, raw string) {
	sd, err := DecodeSignalData(raw)
	if err != nil {
		c.logger.Warn("dropping signal", "peer", from, "err", err)
		return
	}

	c.mu.Lock()
	s := c.sessions[from]
	c.mu.Unlock()

	switch sd.Type {
	case TypeOffer:
		if s != nil {
			c.logger.Warn("ignoring renegotiation offer", "peer", from)
			return
		}
		if err := c.answer(from, sd.Description()); err != nil {
			c.logger.Warn("answer failed", "peer", from, "err", err)
		}
	case TypeAnswer:
		if s == nil {
			c.logger.Debug("answer for unknown peer", "peer", from)
			return
		}
		if err := s.setRemoteDescription(sd.Description()); err != nil {
			c.logger.Warn("apply answer failed", "peer", from, "err", err)
			c.dropSession(s)
		}
	case TypeCandidate:
		if s == nil {
			c.logger.Debug("candidate for unknown peer", "peer", from)
			return
		}
		if err := s.addCandidate(*sd.Candidate); err != nil {
			c.logger.Warn("add candidate failed", "peer", from, "err", err)
		}
	}
}

func (c *Client) answer(peerID string, offer webrtc.SessionDescription) error {
	s, err := c.newSession(peerID, false)
	if err != nil {
		return err
	}
	if err := s.setRemoteDescription(offer); err != nil {
		c.dropSession(s)
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		c.dropSession(s)
		return err
	}
	if err := c.sendDescription(peerID, answer); err != nil {
		c.dropSession(s)
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		c.dropSession(s)
		return err
	}
	return nil
}

func (c *Client) newSession(peerID string, initiator bool) (*session, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	s := &session{peerID: peerID, pc: pc}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, ErrClosed
	}
	if old := c.sessions[peerID]; old != nil {
		_ = old.Close()
	}
	c.sessions[peerID] = s
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := EncodeCandidate(cand.ToJSON())
		if err == nil {
			err = c.sendSignal(peerID, data)
		}
		if err != nil && !c.isClosed() {
			c.logger.Debug("send candidate failed", "peer", peerID, "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "peer", peerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.dropSession(s)
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			c.dropSession(s)
			return nil, err
		}
		c.attach(s, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if err := validateMeshDataChannel(dc); err != nil {
				c.logger.Warn("rejecting datachannel",
					"peer", peerID,
					"label", dc.Label(),
					"ordered", dc.Ordered(),
					"err", err,
				)
				_ = dc.Close()
				return
			}
			c.attach(s, dc)
		})
	}
	return s, nil
}

func (c *Client) attach(s *session, dc *webrtc.DataChannel) {
	s.setDataChannel(dc)
	peerID := s.peerID
	dc.OnOpen(func() {
		c.logger.Info("datachannel open", "peer", peerID)
		if c.cfg.OnOpen != nil {
			c.cfg.OnOpen(peerID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.cfg.OnMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		c.cfg.OnMessage(peerID, append([]byte(nil), msg.Data...))
	})
}

func (c *Client) dropSession(s *session) {
	c.mu.Lock()
	if c.sessions[s.peerID] == s {
		delete(c.sessions, s.peerID)
	}
	c.mu.Unlock()
	_ = s.Close()
}

func (c *Client) sendDescription(peerID string, desc webrtc.SessionDescription) error {
	data, err := EncodeDescription(desc)
	if err != nil {
		return err
	}
	return c.sendSignal(peerID, data)
}

func (c *Client) sendSignal(peerID, signalData string) error {
	return c.writeEnvelope(signaling.KindSignal, map[string]string{
		"socketId":   peerID,
		"username":   c.cfg.Group,
		"signalData": signalData,
	})
}

func (c *Client) writeEnvelope(kind signaling.Kind, payload any) error {
	env := map[string]any{
		"app": c.cfg.App,
		"data": map[string]any{
			"msg":     string(kind),
			"payload": payload,
		},
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}
