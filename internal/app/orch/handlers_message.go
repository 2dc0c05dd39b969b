package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

type messageIn struct {
	Content       string   `json:"content"`
	MessageType   string   `json:"message_type"`
	ReplyToID     *int64   `json:"reply_to_id"`
	VoiceDuration *float64 `json:"voice_duration"`
	FileSize      *int64   `json:"file_size"`
}

type replyPreview struct {
	ID          int64              `json:"id"`
	SenderID    domain.UserID      `json:"sender_id"`
	Content     string             `json:"content"`
	MessageType domain.MessageKind `json:"message_type"`
}

type messageOut struct {
	Type            string             `json:"type"`
	ID              int64              `json:"id"`
	Room            domain.RoomID      `json:"room_id"`
	TempID          string             `json:"temp_id,omitempty"`
	SenderID        domain.UserID      `json:"sender_id"`
	SenderUsername  string             `json:"sender_username"`
	AvatarURL       string             `json:"avatar_url,omitempty"`
	Content         string             `json:"content"`
	MessageType     domain.MessageKind `json:"message_type"`
	CreatedAt       time.Time          `json:"created_at"`
	ReplyToID       *int64             `json:"reply_to_id,omitempty"`
	ReplyPreview    *replyPreview      `json:"reply_preview,omitempty"`
	VoiceDuration   *float64           `json:"voice_duration,omitempty"`
	FileSize        *int64             `json:"file_size,omitempty"`
	IsForwarded     bool               `json:"is_forwarded,omitempty"`
	ForwardedFromID *int64             `json:"forwarded_from_id,omitempty"`
	OriginalSender  string             `json:"original_sender,omitempty"`
}

func newMessageOut(m *domain.Message, sender domain.Profile, reply *domain.Message, tempID string) messageOut {
	out := messageOut{
		Type:            "message",
		ID:              m.ID,
		Room:            m.RoomID,
		TempID:          tempID,
		SenderID:        sender.ID,
		SenderUsername:  sender.Username,
		AvatarURL:       sender.AvatarURL,
		Content:         m.Content,
		MessageType:     m.Kind,
		CreatedAt:       m.CreatedAt,
		ReplyToID:       m.ReplyToID,
		VoiceDuration:   m.VoiceDuration,
		FileSize:        m.FileSize,
		IsForwarded:     m.IsForwarded,
		ForwardedFromID: m.ForwardedFromID,
		OriginalSender:  m.OriginalSender,
	}
	if reply != nil {
		out.ReplyPreview = &replyPreview{
			ID:          reply.ID,
			SenderID:    reply.SenderID,
			Content:     reply.Preview(),
			MessageType: reply.Kind,
		}
	}
	return out
}

func (o *Orchestrator) handleMessage(ctx context.Context, c *Client, data []byte, tempID string) error {
	if !c.Room.Conversational() {
		return validation("this room does not accept messages")
	}
	var p messageIn
	if err := decode(data, &p); err != nil {
		return err
	}
	kind := domain.MessageKind(p.MessageType)
	if kind == "" {
		kind = domain.KindText
	}
	if !kind.Valid() || kind == domain.KindSystem {
		return validation("unsupported message type")
	}

	content, err := o.messageContent(ctx, kind, p.Content)
	if err != nil {
		return err
	}

	var reply *domain.Message
	if p.ReplyToID != nil {
		reply, err = o.roomMessage(ctx, c.Room, *p.ReplyToID)
		var ee *EnvelopeError
		if errors.As(err, &ee) && ee.Kind == KindNotFound {
			return notFound("reply target not found")
		}
		if err != nil {
			return err
		}
	}

	msg := &domain.Message{
		RoomID:    c.Room,
		SenderID:  c.User.ID,
		Content:   content,
		Kind:      kind,
		ReplyToID: p.ReplyToID,
	}
	if kind == domain.KindVoice {
		msg.VoiceDuration = p.VoiceDuration
	}
	if kind == domain.KindFile || kind == domain.KindImage {
		msg.FileSize = p.FileSize
	}
	saved, err := o.Store.CreateMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	o.Fanout.Broadcast(c.Room, newMessageOut(saved, c.User, reply, tempID))
	return nil
}

// messageContent validates the body of a chat message for its kind.
func (o *Orchestrator) messageContent(ctx context.Context, kind domain.MessageKind, raw string) (string, error) {
	if kind.IsMedia() {
		url, err := o.Media.Resolve(ctx, kind, raw)
		if err != nil {
			return "", &EnvelopeError{Kind: KindValidation, Msg: fmt.Sprintf("%s message requires an http(s) url", kind), Err: err}
		}
		return url, nil
	}
	text, err := domain.NormalizeText(raw)
	if err != nil {
		return "", validation("message content is empty")
	}
	return text, nil
}

// roomMessage loads a live message and checks it belongs to room.
func (o *Orchestrator) roomMessage(ctx context.Context, room domain.RoomID, id int64) (*domain.Message, error) {
	m, err := o.Store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if m.RoomID != room || m.Deleted {
		return nil, notFound("message not found")
	}
	return m, nil
}

type typingIn struct {
	IsTyping *bool `json:"is_typing"`
}

type typingOut struct {
	Type     string        `json:"type"`
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	IsTyping bool          `json:"is_typing"`
}

func (o *Orchestrator) handleTyping(_ context.Context, c *Client, data []byte, _ string) error {
	var p typingIn
	if err := decode(data, &p); err != nil {
		return err
	}
	typing := p.IsTyping == nil || *p.IsTyping
	o.Fanout.Broadcast(c.Room, typingOut{Type: "typing", UserID: c.User.ID, Username: c.User.Username, IsTyping: typing}, c.Conn.ID())
	return nil
}

type messageRef struct {
	MessageID int64 `json:"message_id"`
}

func (p messageRef) check() error {
	if p.MessageID <= 0 {
		return validation("message_id is required")
	}
	return nil
}

type readOut struct {
	Type      string        `json:"type"`
	MessageID int64         `json:"message_id"`
	ReaderID  domain.UserID `json:"reader_id"`
	ReadAt    time.Time     `json:"read_at"`
}

func (o *Orchestrator) handleRead(ctx context.Context, c *Client, data []byte, _ string) error {
	var p messageRef
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}
	if _, err := o.roomMessage(ctx, c.Room, p.MessageID); err != nil {
		return err
	}
	rc, changed, err := o.Store.MarkRead(ctx, p.MessageID, c.User.ID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	out := readOut{Type: "message_read", MessageID: p.MessageID, ReaderID: c.User.ID, ReadAt: rc.ReadAt}
	if !changed {
		return o.Fanout.SendTo(c.Conn, out)
	}
	o.Fanout.Broadcast(c.Room, out)
	return nil
}

type deletedOut struct {
	Type      string        `json:"type"`
	MessageID int64         `json:"message_id"`
	DeletedBy domain.UserID `json:"deleted_by"`
	TempID    string        `json:"temp_id,omitempty"`
}

func (o *Orchestrator) handleDelete(ctx context.Context, c *Client, data []byte, tempID string) error {
	var p messageRef
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}
	m, err := o.Store.GetMessage(ctx, p.MessageID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("get message: %w", err)
	}
	if err != nil || m.RoomID != c.Room {
		return notFound("message not found")
	}
	_, changed, err := o.Store.DeleteMessage(ctx, p.MessageID, c.User.ID)
	if err != nil {
		if errors.Is(err, core.ErrForbidden) {
			return forbidden("only the sender can delete this message")
		}
		return fmt.Errorf("delete message: %w", err)
	}
	out := deletedOut{Type: "message_deleted", MessageID: p.MessageID, DeletedBy: c.User.ID, TempID: tempID}
	if !changed {
		return o.Fanout.SendTo(c.Conn, out)
	}
	o.Fanout.Broadcast(c.Room, out)
	return nil
}

type editIn struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type editedOut struct {
	Type      string     `json:"type"`
	MessageID int64      `json:"message_id"`
	Content   string     `json:"content"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	TempID    string     `json:"temp_id,omitempty"`
}

func (o *Orchestrator) handleEdit(ctx context.Context, c *Client, data []byte, tempID string) error {
	var p editIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.MessageID <= 0 {
		return validation("message_id is required")
	}
	content, err := domain.NormalizeText(p.Content)
	if err != nil {
		return validation("message content is empty")
	}
	m, err := o.roomMessage(ctx, c.Room, p.MessageID)
	if err != nil {
		return err
	}
	if m.Kind != domain.KindText {
		return validation("only text messages can be edited")
	}
	saved, changed, err := o.Store.EditMessage(ctx, p.MessageID, c.User.ID, content)
	if err != nil {
		if errors.Is(err, core.ErrForbidden) {
			return forbidden("only the sender can edit this message")
		}
		return fmt.Errorf("edit message: %w", err)
	}
	out := editedOut{Type: "message_edited", MessageID: saved.ID, Content: saved.Content, EditedAt: saved.EditedAt, TempID: tempID}
	if !changed {
		return o.Fanout.SendTo(c.Conn, out)
	}
	o.Fanout.Broadcast(c.Room, out)
	return nil
}

type forwardIn struct {
	MessageID     int64           `json:"message_id"`
	TargetUserIDs []domain.UserID `json:"target_user_ids"`
	GroupIDs      []int64         `json:"group_ids"`
}

type forwardOut struct {
	Type      string          `json:"type"`
	MessageID int64           `json:"message_id"`
	Users     []domain.UserID `json:"forwarded_to_users"`
	Groups    []int64         `json:"forwarded_to_groups"`
	Skipped   int             `json:"skipped"`
	TempID    string          `json:"temp_id,omitempty"`
}

// handleForward copies a message into private rooms with the target users and
// into group rooms. Targets that are not friends or groups the sender is not in
// are skipped.
func (o *Orchestrator) handleForward(ctx context.Context, c *Client, data []byte, tempID string) error {
	var p forwardIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.MessageID <= 0 {
		return validation("message_id is required")
	}
	if len(p.TargetUserIDs) == 0 && len(p.GroupIDs) == 0 {
		return validation("no forward targets")
	}
	src, err := o.roomMessage(ctx, c.Room, p.MessageID)
	if err != nil {
		return err
	}
	original := c.User.Username
	if src.SenderID != c.User.ID {
		if prof, err := o.Store.Profile(ctx, src.SenderID); err == nil {
			original = prof.Username
		}
	}

	res := forwardOut{Type: "forward_success", MessageID: src.ID, Users: []domain.UserID{}, Groups: []int64{}, TempID: tempID}
	for _, target := range p.TargetUserIDs {
		if target == c.User.ID || target <= 0 {
			res.Skipped++
			continue
		}
		ok, err := o.Store.AreFriends(ctx, c.User.ID, target)
		if err != nil || !ok {
			res.Skipped++
			continue
		}
		saved, err := o.Store.CreateMessage(ctx, forwardCopy(src, domain.PrivateRoom(c.User.ID, target), c.User.ID, original))
		if err != nil {
			return fmt.Errorf("forward to user: %w", err)
		}
		out := newMessageOut(saved, c.User, nil, "")
		o.Fanout.SendToUserEverywhere(target, out)
		res.Users = append(res.Users, target)
	}
	for _, g := range p.GroupIDs {
		ok, err := o.Store.IsGroupMember(ctx, g, c.User.ID)
		if err != nil || !ok {
			res.Skipped++
			continue
		}
		room := domain.GroupRoom(g)
		saved, err := o.Store.CreateMessage(ctx, forwardCopy(src, room, c.User.ID, original))
		if err != nil {
			return fmt.Errorf("forward to group: %w", err)
		}
		o.Fanout.Broadcast(room, newMessageOut(saved, c.User, nil, ""))
		res.Groups = append(res.Groups, g)
	}

	log.Info().Str("module", "app.orch").Int64("message", src.ID).Int("users", len(res.Users)).Int("groups", len(res.Groups)).Msg("forwarded")
	return o.Fanout.SendTo(c.Conn, res)
}

func forwardCopy(src *domain.Message, room domain.RoomID, sender domain.UserID, original string) *domain.Message {
	from := src.ID
	return &domain.Message{
		RoomID:          room,
		SenderID:        sender,
		Content:         src.Content,
		Kind:            src.Kind,
		VoiceDuration:   src.VoiceDuration,
		FileSize:        src.FileSize,
		IsForwarded:     true,
		ForwardedFromID: &from,
		OriginalSender:  original,
	}
}
