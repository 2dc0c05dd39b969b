// Package rtc validates WebRTC signaling payloads with pion types before the
// gateway relays them between peers. The gateway never terminates media.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/pion/webrtc/v4"
)

var (
	ErrEmptySDP       = errors.New("empty sdp")
	ErrBadSDPType     = errors.New("sdp type must be offer, answer or pranswer")
	ErrEmptyCandidate = errors.New("empty candidate")
)

// Validator implements core.SignalValidator.
type Validator struct{}

// Description accepts {"type":"offer","sdp":"..."} and checks that the SDP parses.
func (Validator) Description(raw json.RawMessage) (json.RawMessage, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
	default:
		return nil, ErrBadSDPType
	}
	if sd.SDP == "" {
		return nil, ErrEmptySDP
	}
	if _, err := sd.Unmarshal(); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return json.Marshal(sd)
}

// Candidate accepts an RTCIceCandidateInit object. An empty candidate string is
// the end-of-candidates marker and is passed through.
func (Validator) Candidate(raw json.RawMessage) (json.RawMessage, error) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return nil, fmt.Errorf("decode candidate: %w", err)
	}
	if ci.Candidate == "" && ci.SDPMid == nil && ci.SDPMLineIndex == nil {
		return nil, ErrEmptyCandidate
	}
	return json.Marshal(ci)
}

// ICEServers converts configured STUN/TURN servers for call_request envelopes.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
