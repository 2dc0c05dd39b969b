// Package calls runs the call signaling state machine on top of room fanout.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoCall         = errors.New("no active call")
	ErrSelfCall       = errors.New("you cannot call yourself")
	ErrNoCallee       = errors.New("missing call recipient")
	ErrNotRinging     = errors.New("call is not ringing")
	ErrNotParticipant = errors.New("not a call participant")
	ErrMissingTarget  = errors.New("missing target user")
	ErrBadSignal      = errors.New("bad signaling payload")
	ErrNotCallRoom    = errors.New("calls are not available in this room")
)

// Notifier is the delivery surface the manager needs.
type Notifier interface {
	Broadcast(room domain.RoomID, v any, exclude ...core.ConnID) app.PublishResult
	SendToUser(room domain.RoomID, user domain.UserID, v any) app.PublishResult
}

type Config struct {
	RingTimeout time.Duration
	QuorumGrace time.Duration
	ICEServers  []webrtc.ICEServer
}

// Manager owns every call session and the timers attached to them.
// Broadcasts always happen after the lock is released.
type Manager struct {
	mu       sync.Mutex
	sessions map[domain.RoomID]*Session
	closed   bool

	cfg      Config
	notify   Notifier
	entries  core.CallEntryStore
	validate core.SignalValidator
}

func NewManager(cfg Config, notify Notifier, entries core.CallEntryStore, validate core.SignalValidator) *Manager {
	return &Manager{
		sessions: make(map[domain.RoomID]*Session),
		cfg:      cfg,
		notify:   notify,
		entries:  entries,
		validate: validate,
	}
}

// Start opens a ringing session in room. The slot is reserved before the call
// entry is written so a concurrent start loses cleanly.
func (m *Manager) Start(ctx context.Context, room domain.RoomID, caller domain.Profile, ct domain.CallType) (Info, error) {
	s := &Session{
		Room:      room,
		Caller:    caller,
		Type:      ct,
		Status:    domain.CallRinging,
		StartedAt: time.Now().UTC(),
		accepted:  map[domain.UserID]struct{}{caller.ID: {}},
	}
	switch room.Kind() {
	case domain.RoomGroup:
		s.Group = true
	case domain.RoomPrivate:
		callee, ok := room.Peer(caller.ID)
		if !ok {
			return Info{}, ErrNoCallee
		}
		if callee == caller.ID {
			return Info{}, ErrSelfCall
		}
		s.CalleeID = callee
	default:
		return Info{}, ErrNotCallRoom
	}

	m.mu.Lock()
	if _, busy := m.sessions[room]; busy || m.closed {
		m.mu.Unlock()
		return Info{}, ErrCallInProgress
	}
	m.sessions[room] = s
	m.mu.Unlock()

	text := fmt.Sprintf("%s started a %s call", caller.Username, ct)
	entry, err := m.entries.CreateCallEntry(ctx, room, caller.ID, text)
	if err != nil {
		m.mu.Lock()
		if m.sessions[room] == s {
			delete(m.sessions, room)
		}
		m.mu.Unlock()
		return Info{}, fmt.Errorf("create call entry: %w", err)
	}

	m.mu.Lock()
	if m.sessions[room] != s {
		m.mu.Unlock()
		return Info{}, ErrNoCall
	}
	s.EntryID = entry.ID
	s.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringTimeout(s) })
	info := s.info()
	m.mu.Unlock()

	log.Info().Str("module", "app.calls").Str("room", string(room)).Int64("caller", int64(caller.ID)).Str("call_type", string(ct)).Msg("call started")

	m.notify.Broadcast(room, newCallMessage{
		Type:        "new_call_message",
		MessageID:   entry.ID,
		SenderID:    caller.ID,
		Sender:      caller,
		Content:     entry.Content,
		MessageType: domain.KindSystem,
		CanJoin:     s.Group,
		CreatedAt:   entry.CreatedAt,
	})
	m.notify.Broadcast(room, callRequest{
		Type:           "call_request",
		CallType:       ct,
		FromUser:       caller.ID,
		SenderUsername: caller.Username,
		AvatarURL:      caller.AvatarURL,
		ICEServers:     m.cfg.ICEServers,
		Timestamp:      s.StartedAt,
	})
	return info, nil
}

func (m *Manager) ringTimeout(s *Session) {
	m.mu.Lock()
	if m.sessions[s.Room] != s || s.Status != domain.CallRinging || s.answeredByOther() {
		m.mu.Unlock()
		return
	}
	s.ringTimer = nil
	dur := m.endLocked(s)
	m.mu.Unlock()

	log.Info().Str("module", "app.calls").Str("room", string(s.Room)).Msg("call not answered")
	m.notify.Broadcast(s.Room, callEnded{Type: "call_ended", Reason: ReasonTimeout, Duration: dur})
}

// Accept adds user to the accepted set. call_join is the group spelling of the same step.
func (m *Manager) Accept(room domain.RoomID, user domain.Profile) (int, error) {
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoCall
	}
	if !s.Group && user.ID != s.CalleeID && user.ID != s.Caller.ID {
		m.mu.Unlock()
		return 0, ErrNotParticipant
	}
	_, dup := s.accepted[user.ID]
	s.accepted[user.ID] = struct{}{}
	count := len(s.accepted)
	if user.ID != s.Caller.ID && s.Status == domain.CallRinging {
		s.Status = domain.CallInProgress
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
	}
	if s.Group && !s.quorumArmed && count > 1 {
		s.quorumArmed = true
		s.quorumTimer = time.AfterFunc(m.cfg.QuorumGrace, func() { m.quorumCheck(s) })
	}
	m.mu.Unlock()

	if dup {
		return count, nil
	}
	log.Info().Str("module", "app.calls").Str("room", string(room)).Int64("user", int64(user.ID)).Int("accepted", count).Msg("call accepted")
	m.notify.Broadcast(room, callAccepted{Type: "call_accepted", UserID: user.ID, Username: user.Username, AvatarURL: user.AvatarURL})
	m.notify.Broadcast(room, totalAccepted{Type: "total_accepted", Count: count})
	return count, nil
}

// quorumCheck runs once per session, a fixed delay after the accepted count first exceeded one.
func (m *Manager) quorumCheck(s *Session) {
	m.mu.Lock()
	if m.sessions[s.Room] != s {
		m.mu.Unlock()
		return
	}
	s.quorumTimer = nil
	if len(s.accepted) >= 1 {
		m.mu.Unlock()
		return
	}
	dur := m.endLocked(s)
	m.mu.Unlock()

	m.notify.Broadcast(s.Room, callEnded{Type: "call_ended", Reason: ReasonQuorum, Duration: dur})
}

// Reject declines a ringing call. A 1:1 call ends; in a group only the rejecting user is dropped.
func (m *Manager) Reject(room domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.Status != domain.CallRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	if !s.Group {
		if user != s.CalleeID {
			m.mu.Unlock()
			return ErrNotParticipant
		}
		dur := m.endLocked(s)
		m.mu.Unlock()
		m.notify.Broadcast(room, callEnded{Type: "call_ended", Reason: ReasonRejected, EndedBy: user, Duration: dur})
		return nil
	}
	delete(s.accepted, user)
	m.mu.Unlock()

	m.notify.Broadcast(room, callUser{Type: "call_rejected", UserID: user})
	return nil
}

// Relay forwards an offer, answer or ICE candidate to the target's connections in the room.
func (m *Manager) Relay(room domain.RoomID, from domain.Profile, kind string, to domain.UserID, payload json.RawMessage) error {
	if to == 0 {
		return ErrMissingTarget
	}
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return ErrNoCall
	}
	if !s.Group && !s.participant(from.ID) {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	ct := s.Type
	m.mu.Unlock()

	env := relayEnvelope{Type: kind, FromUser: from.ID, Username: from.Username, AvatarURL: from.AvatarURL, CallType: ct}
	canon, err := m.check(kind, payload)
	if err != nil {
		return err
	}
	switch kind {
	case "call_offer":
		env.Offer = canon
	case "call_answer":
		env.Answer = canon
	case "call_ice":
		env.Candidate = canon
	default:
		return ErrBadSignal
	}
	m.notify.SendToUser(room, to, env)
	return nil
}

func (m *Manager) check(kind string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, ErrBadSignal
	}
	if m.validate == nil {
		return payload, nil
	}
	var (
		out json.RawMessage
		err error
	)
	if kind == "call_ice" {
		out, err = m.validate.Candidate(payload)
	} else {
		out, err = m.validate.Description(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	return out, nil
}

// Leave removes user from the call. A 1:1 call cannot continue with one side and ends.
// In a group the caller leaving stamps the call entry, and the last participant
// leaving ends the call.
func (m *Manager) Leave(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return ErrNoCall
	}
	if !s.participant(user) {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	if !s.Group {
		dur := m.endLocked(s)
		m.mu.Unlock()
		m.notify.Broadcast(room, callEnded{Type: "call_ended", Reason: ReasonLeft, EndedBy: user, Duration: dur})
		return nil
	}

	delete(s.accepted, user)
	count := len(s.accepted)
	stamp := user == s.Caller.ID && !s.stamped
	if stamp {
		s.stamped = true
	}
	var dur float64
	if count == 0 {
		dur = m.endLocked(s)
	}
	entryID, caller, ct := s.EntryID, s.Caller.Username, s.Type
	m.mu.Unlock()

	if stamp {
		text := domain.CallEndedText(caller, ct)
		if err := m.entries.StampCallEntry(ctx, entryID, text); err != nil {
			log.Error().Err(err).Str("module", "app.calls").Int64("entry", entryID).Msg("stamp call entry")
		} else {
			m.notify.Broadcast(room, callEntryUpdated{Type: "call_message_updated", MessageID: entryID, Content: text})
		}
	}
	m.notify.Broadcast(room, callUser{Type: "call_leave", UserID: user})
	m.notify.Broadcast(room, totalAccepted{Type: "total_accepted", Count: count})
	if count == 0 {
		m.notify.Broadcast(room, callEnded{Type: "call_ended", Reason: ReasonEmpty, EndedBy: user, Duration: dur})
	}
	return nil
}

// End terminates the call for everyone.
func (m *Manager) End(room domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return ErrNoCall
	}
	if !s.Group && !s.participant(user) {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	dur := m.endLocked(s)
	m.mu.Unlock()

	log.Info().Str("module", "app.calls").Str("room", string(room)).Int64("by", int64(user)).Msg("call ended")
	m.notify.Broadcast(room, callEnded{Type: "call_ended", Reason: ReasonEnded, EndedBy: user, Duration: dur})
	return nil
}

// OnDisconnect applies the implicit leave for a user whose last connection in room went away.
func (m *Manager) OnDisconnect(ctx context.Context, room domain.RoomID, user domain.UserID) {
	m.mu.Lock()
	s, ok := m.sessions[room]
	part := ok && s.participant(user)
	m.mu.Unlock()
	if !part {
		return
	}
	if err := m.Leave(ctx, room, user); err != nil && !errors.Is(err, ErrNoCall) && !errors.Is(err, ErrNotParticipant) {
		log.Warn().Err(err).Str("module", "app.calls").Str("room", string(room)).Msg("implicit leave")
	}
}

// SendInfo tells one connection about the call running in room, if any.
func (m *Manager) SendInfo(room domain.RoomID, send func(v any) error) bool {
	m.mu.Lock()
	s, ok := m.sessions[room]
	if !ok {
		m.mu.Unlock()
		return false
	}
	env := callInfo{Type: "call_info", Info: s.info(), CanJoin: s.Group}
	m.mu.Unlock()
	if err := send(env); err != nil {
		log.Debug().Err(err).Str("module", "app.calls").Msg("send call info")
	}
	return true
}

func (m *Manager) Active(room domain.RoomID) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[room]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// pendingTimers counts armed timers across sessions.
func (m *Manager) pendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		n += s.timersPending()
	}
	return n
}

// Close ends every session and stops all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	ended := make([]domain.RoomID, 0, len(m.sessions))
	for room, s := range m.sessions {
		s.Status = domain.CallEnded
		s.stopTimers()
		delete(m.sessions, room)
		ended = append(ended, room)
	}
	m.closed = true
	m.mu.Unlock()

	for _, room := range ended {
		m.notify.Broadcast(room, callEnded{Type: "call_ended", Reason: ReasonShutdown})
	}
}

func (m *Manager) endLocked(s *Session) float64 {
	s.Status = domain.CallEnded
	s.stopTimers()
	if m.sessions[s.Room] == s {
		delete(m.sessions, s.Room)
	}
	return time.Since(s.StartedAt).Seconds()
}
