package orch

import (
	"context"
	"time"

	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

const storeTimeout = 5 * time.Second

type userOnlineEnvelope struct {
	Type      string        `json:"type"`
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type onlineUsersEnvelope struct {
	Type  string          `json:"type"`
	Room  domain.RoomID   `json:"room"`
	Users []domain.UserID `json:"users"`
}

// Connect joins the client to its room and announces it.
func (o *Orchestrator) Connect(c *Client) {
	if !o.Registry.Join(c.Room, c.Conn, c.User.ID) {
		return
	}
	o.Presence.MarkOnline(c.User.ID, c.Room)
	log.Info().Str("module", "app.orch").Str("conn", string(c.Conn.ID())).Str("room", string(c.Room)).Int64("user", int64(c.User.ID)).Msg("connected")

	o.Fanout.Broadcast(c.Room, userOnlineEnvelope{
		Type:      "user_online",
		UserID:    c.User.ID,
		Username:  c.User.Username,
		AvatarURL: c.User.AvatarURL,
		Timestamp: time.Now().UTC(),
	}, c.Conn.ID())
	o.sendOnlineUsers(c)
	o.markPeerRead(c)

	if c.Room.Conversational() {
		o.Calls.SendInfo(c.Room, func(v any) error { return o.Fanout.SendTo(c.Conn, v) })
	}
}

type roomReadOut struct {
	Type       string        `json:"type"`
	MessageIDs []int64       `json:"message_ids"`
	ReaderID   domain.UserID `json:"reader_id"`
	ReadAt     time.Time     `json:"read_at"`
}

// markPeerRead receipts the friend's unread messages when a private chat opens.
func (o *Orchestrator) markPeerRead(c *Client) {
	peer, ok := c.Room.Peer(c.User.ID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ids, at, err := o.Store.MarkRoomRead(ctx, c.Room, peer, c.User.ID)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("room", string(c.Room)).Msg("mark room read")
		return
	}
	if len(ids) == 0 {
		return
	}
	o.Fanout.Broadcast(c.Room, roomReadOut{Type: "messages_read", MessageIDs: ids, ReaderID: c.User.ID, ReadAt: at})
}

func (o *Orchestrator) sendOnlineUsers(c *Client) {
	_ = o.Fanout.SendTo(c.Conn, onlineUsersEnvelope{Type: "online_users", Room: c.Room, Users: o.OnlineUsers(c.Room)})
}

// OnlineUsers lists the users of room that presence reports online.
func (o *Orchestrator) OnlineUsers(room domain.RoomID) []domain.UserID {
	users := o.Registry.UsersIn(room)
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		if o.Presence.IsOnline(u) {
			out = append(out, u)
		}
	}
	return out
}

// Disconnect removes conn from every room it joined. Safe to call more than once.
// Call cleanup follows the registry's own verdict on whether this was the user's
// last connection in a room, so two devices leaving together cannot both skip it.
func (o *Orchestrator) Disconnect(ctx context.Context, conn core.SignalConnection) {
	id := conn.ID()
	for room, res := range o.Registry.LeaveAll(id) {
		log.Info().Str("module", "app.orch").Str("conn", string(id)).Str("room", string(room)).Int64("user", int64(res.User)).Bool("room_gone", res.RoomGone).Msg("disconnected")
		if res.LastInRoom {
			o.Calls.OnDisconnect(ctx, room, res.User)
		}
		if res.UserGone {
			o.Presence.BeginOffline(res.User)
		}
	}
}

// CanView reports whether user belongs to room: a side of the private chat, a
// member of the group, or the owner of the push-only channel.
func (o *Orchestrator) CanView(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	switch room.Kind() {
	case domain.RoomPrivate:
		_, ok := room.Peer(user)
		return ok, nil
	case domain.RoomGroup:
		group, ok := room.GroupID()
		if !ok {
			return false, nil
		}
		return o.Store.IsGroupMember(ctx, group, user)
	case domain.RoomNotification, domain.RoomFeed:
		return room == domain.NotificationRoom(user) || room == domain.FeedRoom(user), nil
	}
	return false, nil
}

// Kick disconnects conn and closes its transport.
func (o *Orchestrator) Kick(conn core.SignalConnection) {
	o.Disconnect(context.Background(), conn)
	conn.Close()
}

// ForceOffline closes every connection of user and skips the offline debounce.
func (o *Orchestrator) ForceOffline(ctx context.Context, user domain.UserID) int {
	closed := 0
	for _, room := range o.Registry.RoomsOf(user) {
		for _, conn := range o.Registry.ConnectionsOf(room, user) {
			o.Disconnect(ctx, conn)
			conn.CloseWith(core.CloseNormal, "signed out")
			closed++
		}
	}
	o.Presence.ForceOffline(user)
	log.Info().Str("module", "app.orch").Int64("user", int64(user)).Int("closed", closed).Msg("forced offline")
	return closed
}

// Channel selects the push-only room a notification goes to.
type Channel string

const (
	ChannelNotifications Channel = "notifications"
	ChannelFeed          Channel = "feed"
)

// Notify pushes payload into each user's notification or feed channel and
// returns how many connections received it.
func (o *Orchestrator) Notify(users []domain.UserID, ch Channel, payload any) int {
	frame, err := app.Encode(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("encode notification")
		return 0
	}
	sent := 0
	for _, u := range users {
		room := domain.NotificationRoom(u)
		if ch == ChannelFeed {
			room = domain.FeedRoom(u)
		}
		sent += o.Fanout.Broadcast(room, frame).SendTo
	}
	return sent
}

type Stats struct {
	app.RegistryStats
	Calls int `json:"calls"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{RegistryStats: o.Registry.Stats(), Calls: o.Calls.Count()}
}
