package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Whisper/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidToken = errors.New("invalid token")
	ErrBadMedia     = errors.New("media url rejected")
)

// MessageStore persists chat state. Mutations that find the resource already in the
// requested state return changed=false and no error.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *domain.Message) (*domain.Message, error)
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	EditMessage(ctx context.Context, id int64, editor domain.UserID, content string) (*domain.Message, bool, error)
	DeleteMessage(ctx context.Context, id int64, actor domain.UserID) (*domain.Message, bool, error)
	MarkRead(ctx context.Context, id int64, reader domain.UserID) (*domain.Receipt, bool, error)
	// MarkRoomRead receipts every live message in room that sender wrote and
	// reader has not read yet, returning the ids it marked.
	MarkRoomRead(ctx context.Context, room domain.RoomID, sender, reader domain.UserID) ([]int64, time.Time, error)
	AddReaction(ctx context.Context, messageID int64, user domain.UserID, emoji string) (*domain.Reaction, bool, error)
	RemoveReaction(ctx context.Context, messageID int64, user domain.UserID, emoji string) (bool, error)
}

// CallEntryStore keeps the system chat line that represents a call.
type CallEntryStore interface {
	CreateCallEntry(ctx context.Context, room domain.RoomID, caller domain.UserID, text string) (*domain.Message, error)
	StampCallEntry(ctx context.Context, id int64, text string) error
}

// Directory answers identity and membership questions owned by the CRUD side.
type Directory interface {
	Profile(ctx context.Context, id domain.UserID) (*domain.Profile, error)
	AreFriends(ctx context.Context, a, b domain.UserID) (bool, error)
	IsGroupMember(ctx context.Context, group int64, user domain.UserID) (bool, error)
	LastSeenStore
}

// Store is the persistence collaborator.
type Store interface {
	MessageStore
	CallEntryStore
	Directory
	Close()
}

// Identity verifies a bearer credential.
type Identity interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// MediaResolver turns a client-supplied media reference into a durable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, kind domain.MessageKind, raw string) (string, error)
}

// LastSeenStore keeps the last-seen time once a user goes offline.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, id domain.UserID, at time.Time) error
	// LastSeen returns the zero time for users never seen offline.
	LastSeen(ctx context.Context, id domain.UserID) (time.Time, error)
}

// PresenceMirror publishes local presence transitions for other nodes.
type PresenceMirror interface {
	SetOnline(ctx context.Context, user domain.UserID) error
	Touch(ctx context.Context, user domain.UserID) error
	SetOffline(ctx context.Context, user domain.UserID, lastSeen time.Time) error
	Lookup(ctx context.Context, user domain.UserID) (online bool, lastSeen time.Time, err error)
}

// BusMessage is one fanout delivery shared between gateway nodes.
// User is zero for room broadcasts.
type BusMessage struct {
	Origin string        `json:"origin"`
	Room   domain.RoomID `json:"room,omitempty"`
	User   domain.UserID `json:"user,omitempty"`
	Frame  Frame         `json:"frame"`
}

type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
}

// SignalValidator checks WebRTC signaling payloads before they are relayed.
// It returns the payload re-encoded in canonical form.
type SignalValidator interface {
	Description(raw json.RawMessage) (json.RawMessage, error)
	Candidate(raw json.RawMessage) (json.RawMessage, error)
}
