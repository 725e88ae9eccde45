package meshpeer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Signal data types. The JSON layout matches what browser peers built on
// simple-peer exchange, so Go and browser peers can share a group.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// SignalData is the decoded form of the opaque signalData string the relay
// forwards between peers.
type SignalData struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

var errUnknownSignalType = errors.New("unknown signal data type")

func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	var typ string
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		typ = TypeOffer
	case webrtc.SDPTypeAnswer:
		typ = TypeAnswer
	default:
		return "", fmt.Errorf("unsupported sdp type %s", desc.Type)
	}
	return encode(SignalData{Type: typ, SDP: desc.SDP})
}

func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	return encode(SignalData{Type: TypeCandidate, Candidate: &c})
}

func encode(sd SignalData) (string, error) {
	b, err := json.Marshal(sd)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSignalData parses and checks a signalData string.
func DecodeSignalData(s string) (SignalData, error) {
	var sd SignalData
	if err := json.Unmarshal([]byte(s), &sd); err != nil {
		return SignalData{}, fmt.Errorf("decode signal data: %w", err)
	}
	switch sd.Type {
	case TypeOffer, TypeAnswer:
		if sd.SDP == "" {
			return SignalData{}, fmt.Errorf("%s without sdp", sd.Type)
		}
	case TypeCandidate:
		if sd.Candidate == nil {
			return SignalData{}, errors.New("candidate without body")
		}
	default:
		return SignalData{}, fmt.Errorf("%w: %q", errUnknownSignalType, sd.Type)
	}
	return sd, nil
}

// Description converts an offer or answer back into a SessionDescription.
func (sd SignalData) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}
