package calls

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Whisper/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	ReasonTimeout  = "timeout"
	ReasonRejected = "rejected"
	ReasonEnded    = "ended"
	ReasonLeft     = "left"
	ReasonEmpty    = "empty"
	ReasonQuorum   = "quorum_lost"
	ReasonShutdown = "shutdown"
)

type newCallMessage struct {
	Type        string             `json:"type"`
	MessageID   int64              `json:"message_id"`
	SenderID    domain.UserID      `json:"sender_id"`
	Sender      domain.Profile     `json:"sender"`
	Content     string             `json:"content"`
	MessageType domain.MessageKind `json:"message_type"`
	CanJoin     bool               `json:"can_join"`
	CreatedAt   time.Time          `json:"created_at"`
}

type callRequest struct {
	Type           string             `json:"type"`
	CallType       domain.CallType    `json:"call_type"`
	FromUser       domain.UserID      `json:"from_user"`
	SenderUsername string             `json:"sender_username"`
	AvatarURL      string             `json:"avatar_url,omitempty"`
	ICEServers     []webrtc.ICEServer `json:"ice_servers,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

type callAccepted struct {
	Type      string        `json:"type"`
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	AvatarURL string        `json:"avatar_url,omitempty"`
}

type totalAccepted struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type callUser struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

type callEnded struct {
	Type     string        `json:"type"`
	Reason   string        `json:"reason"`
	EndedBy  domain.UserID `json:"ended_by,omitempty"`
	Duration float64       `json:"duration"`
}

type callEntryUpdated struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

// relayEnvelope carries an offer, answer or candidate to one peer.
type relayEnvelope struct {
	Type      string          `json:"type"`
	FromUser  domain.UserID   `json:"from_user"`
	Username  string          `json:"username"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	CallType  domain.CallType `json:"call_type"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type callInfo struct {
	Type string `json:"type"`
	Info
	CanJoin bool `json:"can_join"`
}
