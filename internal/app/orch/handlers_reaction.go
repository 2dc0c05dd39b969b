package orch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/Whisper/internal/domain"
)

const maxEmojiLen = 16

type reactionIn struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (p *reactionIn) check() error {
	if p.MessageID <= 0 {
		return validation("message_id is required")
	}
	p.Emoji = strings.TrimSpace(p.Emoji)
	if p.Emoji == "" || utf8.RuneCountInString(p.Emoji) > maxEmojiLen {
		return validation("emoji is required")
	}
	return nil
}

type reactionOut struct {
	Type       string        `json:"type"`
	MessageID  int64         `json:"message_id"`
	ReactionID int64         `json:"reaction_id,omitempty"`
	UserID     domain.UserID `json:"user_id"`
	Username   string        `json:"username"`
	Emoji      string        `json:"emoji"`
	TempID     string        `json:"temp_id,omitempty"`
}

func (o *Orchestrator) handleReactionAdd(ctx context.Context, c *Client, data []byte, tempID string) error {
	var p reactionIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}
	if _, err := o.roomMessage(ctx, c.Room, p.MessageID); err != nil {
		return err
	}
	r, created, err := o.Store.AddReaction(ctx, p.MessageID, c.User.ID, p.Emoji)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	out := reactionOut{
		Type:       "reaction_added",
		MessageID:  p.MessageID,
		ReactionID: r.ID,
		UserID:     c.User.ID,
		Username:   c.User.Username,
		Emoji:      r.Emoji,
		TempID:     tempID,
	}
	if !created {
		return o.Fanout.SendTo(c.Conn, out)
	}
	o.Fanout.Broadcast(c.Room, out)
	return nil
}

func (o *Orchestrator) handleReactionRemove(ctx context.Context, c *Client, data []byte, tempID string) error {
	var p reactionIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}
	if _, err := o.roomMessage(ctx, c.Room, p.MessageID); err != nil {
		return err
	}
	removed, err := o.Store.RemoveReaction(ctx, p.MessageID, c.User.ID, p.Emoji)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	out := reactionOut{
		Type:      "reaction_removed",
		MessageID: p.MessageID,
		UserID:    c.User.ID,
		Username:  c.User.Username,
		Emoji:     p.Emoji,
		TempID:    tempID,
	}
	if !removed {
		return o.Fanout.SendTo(c.Conn, out)
	}
	o.Fanout.Broadcast(c.Room, out)
	return nil
}
