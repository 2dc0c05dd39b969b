package calls

import (
	"time"

	"github.com/dkeye/Whisper/internal/domain"
)

// Session is the signaling state of one call. At most one exists per room.
type Session struct {
	Room      domain.RoomID
	Group     bool
	Caller    domain.Profile
	CalleeID  domain.UserID
	Type      domain.CallType
	Status    domain.CallStatus
	StartedAt time.Time
	EntryID   int64

	accepted    map[domain.UserID]struct{}
	stamped     bool
	ringTimer   *time.Timer
	quorumTimer *time.Timer
	quorumArmed bool
}

// participant reports whether user takes part in the call: the caller, the
// callee of a 1:1 call, or anyone who accepted.
func (s *Session) participant(user domain.UserID) bool {
	if user == s.Caller.ID {
		return true
	}
	if !s.Group && user == s.CalleeID {
		return true
	}
	_, ok := s.accepted[user]
	return ok
}

// answeredByOther reports whether anyone other than the caller accepted.
func (s *Session) answeredByOther() bool {
	for u := range s.accepted {
		if u != s.Caller.ID {
			return true
		}
	}
	return false
}

func (s *Session) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.quorumTimer != nil {
		s.quorumTimer.Stop()
		s.quorumTimer = nil
	}
}

func (s *Session) timersPending() int {
	n := 0
	if s.ringTimer != nil {
		n++
	}
	if s.quorumTimer != nil {
		n++
	}
	return n
}

// Info is a read-only view of a session.
type Info struct {
	Room      domain.RoomID   `json:"room"`
	CallType  domain.CallType `json:"call_type"`
	Status    string          `json:"status"`
	CallerID  domain.UserID   `json:"caller_id"`
	Accepted  []domain.UserID `json:"accepted"`
	StartedAt time.Time       `json:"started_at"`
	EntryID   int64           `json:"message_id"`
}

func (s *Session) info() Info {
	acc := make([]domain.UserID, 0, len(s.accepted))
	for u := range s.accepted {
		acc = append(acc, u)
	}
	return Info{
		Room:      s.Room,
		CallType:  s.Type,
		Status:    s.Status.String(),
		CallerID:  s.Caller.ID,
		Accepted:  acc,
		StartedAt: s.StartedAt,
		EntryID:   s.EntryID,
	}
}
