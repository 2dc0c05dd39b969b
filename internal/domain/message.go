package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const PreviewLen = 100

var ErrEmptyContent = errors.New("message content is empty")

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindVoice  MessageKind = "voice"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// IsMedia reports whether content must be a resolvable URL.
func (k MessageKind) IsMedia() bool {
	return k == KindVoice || k == KindFile || k == KindImage
}

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindFile, KindImage, KindSystem:
		return true
	}
	return false
}

type Message struct {
	ID              int64       `json:"id"`
	RoomID          RoomID      `json:"room_id"`
	SenderID        UserID      `json:"sender_id"`
	Content         string      `json:"content"`
	Kind            MessageKind `json:"message_type"`
	ReplyToID       *int64      `json:"reply_to_id,omitempty"`
	VoiceDuration   *float64    `json:"voice_duration,omitempty"`
	FileSize        *int64      `json:"file_size,omitempty"`
	IsForwarded     bool        `json:"is_forwarded"`
	ForwardedFromID *int64      `json:"forwarded_from_id,omitempty"`
	OriginalSender  string      `json:"original_sender,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	EditedAt        *time.Time  `json:"edited_at,omitempty"`
	Deleted         bool        `json:"is_deleted"`
}

// Preview is the short form of a message shown in reply quotes.
func (m *Message) Preview() string {
	switch m.Kind {
	case KindVoice:
		return "🎤 Voice message"
	case KindImage:
		return "🖼️ Photo"
	case KindFile:
		return "📎 File"
	}
	if utf8.RuneCountInString(m.Content) <= PreviewLen {
		return m.Content
	}
	r := []rune(m.Content)
	return string(r[:PreviewLen]) + "..."
}

// NormalizeText trims a text body and rejects blank content.
func NormalizeText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyContent
	}
	return s, nil
}

type Reaction struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	UserID    UserID    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type Receipt struct {
	MessageID int64     `json:"message_id"`
	UserID    UserID    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
