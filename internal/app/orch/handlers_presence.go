package orch

import (
	"context"
	"time"

	"github.com/dkeye/Whisper/internal/domain"
)

func (o *Orchestrator) handleOnlineUsers(_ context.Context, c *Client, _ []byte, _ string) error {
	return o.Fanout.SendTo(c.Conn, onlineUsersEnvelope{Type: "online_users", Room: c.Room, Users: o.OnlineUsers(c.Room)})
}

type userStatusIn struct {
	UserID domain.UserID `json:"user_id"`
}

type StatusView struct {
	Type     string        `json:"type"`
	UserID   domain.UserID `json:"user_id"`
	Online   bool          `json:"online"`
	LastSeen *time.Time    `json:"last_seen,omitempty"`
}

func (o *Orchestrator) handleUserStatus(ctx context.Context, c *Client, data []byte, _ string) error {
	var p userStatusIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.UserID <= 0 {
		return validation("user_id is required")
	}
	return o.Fanout.SendTo(c.Conn, o.UserStatus(ctx, p.UserID))
}

// UserStatus reports presence for any user, consulting the mirror for users
// unknown to this node.
func (o *Orchestrator) UserStatus(ctx context.Context, user domain.UserID) StatusView {
	online, last := o.Presence.Status(ctx, user)
	out := StatusView{Type: "user_status", UserID: user, Online: online}
	if !last.IsZero() {
		out.LastSeen = &last
	}
	return out
}

type pongOut struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Orchestrator) handlePing(_ context.Context, c *Client, _ []byte, _ string) error {
	return o.Fanout.SendTo(c.Conn, pongOut{Type: "pong", Timestamp: time.Now().UTC()})
}

func (o *Orchestrator) handlePong(context.Context, *Client, []byte, string) error { return nil }
