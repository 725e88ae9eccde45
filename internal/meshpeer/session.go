package meshpeer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// session owns the PeerConnection to one remote mesh peer.
type session struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	// Candidates that arrived before the remote description.
	pending []webrtc.ICECandidateInit

	close sync.Once
}

func (s *session) setDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	old := s.dc
	s.dc = dc
	s.mu.Unlock()
	if old != nil && old != dc {
		_ = old.Close()
	}
}

func (s *session) openChannel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc == nil || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return s.dc
}

func (s *session) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

func (s *session) Close() error {
	var err error
	s.close.Do(func() {
		err = s.pc.Close()
	})
	return err
}
