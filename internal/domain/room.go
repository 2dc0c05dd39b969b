package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadRoomID = errors.New("bad room id")

type RoomKind string

const (
	RoomPrivate      RoomKind = "private"
	RoomGroup        RoomKind = "group"
	RoomNotification RoomKind = "user"
	RoomFeed         RoomKind = "feed"
)

// RoomID is the registry key of a room. Rooms exist only while they have members.
type RoomID string

// PrivateRoom keys a 1:1 conversation; ids are ordered so both sides agree.
func PrivateRoom(a, b UserID) RoomID {
	if a > b {
		a, b = b, a
	}
	return RoomID(fmt.Sprintf("private_%d_%d", a, b))
}

func GroupRoom(id int64) RoomID           { return RoomID(fmt.Sprintf("group_%d", id)) }
func NotificationRoom(user UserID) RoomID { return RoomID(fmt.Sprintf("user_%d", user)) }
func FeedRoom(user UserID) RoomID         { return RoomID(fmt.Sprintf("feed_%d", user)) }

func (r RoomID) Kind() RoomKind {
	s := string(r)
	switch {
	case strings.HasPrefix(s, "private_"):
		return RoomPrivate
	case strings.HasPrefix(s, "group_"):
		return RoomGroup
	case strings.HasPrefix(s, "user_"):
		return RoomNotification
	case strings.HasPrefix(s, "feed_"):
		return RoomFeed
	}
	return ""
}

// Participants returns both users of a private room.
func (r RoomID) Participants() (UserID, UserID, error) {
	if r.Kind() != RoomPrivate {
		return 0, 0, ErrBadRoomID
	}
	parts := strings.Split(strings.TrimPrefix(string(r), "private_"), "_")
	if len(parts) != 2 {
		return 0, 0, ErrBadRoomID
	}
	a, err := ParseUserID(parts[0])
	if err != nil {
		return 0, 0, ErrBadRoomID
	}
	b, err := ParseUserID(parts[1])
	if err != nil {
		return 0, 0, ErrBadRoomID
	}
	return a, b, nil
}

// Peer returns the other side of a private room.
func (r RoomID) Peer(self UserID) (UserID, bool) {
	a, b, err := r.Participants()
	if err != nil {
		return 0, false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return 0, false
}

func (r RoomID) GroupID() (int64, bool) {
	if r.Kind() != RoomGroup {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(string(r), "group_"), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Conversational rooms carry chat and calls; notification and feed rooms are push-only.
func (r RoomID) Conversational() bool {
	k := r.Kind()
	return k == RoomPrivate || k == RoomGroup
}
