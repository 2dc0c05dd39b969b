package domain

import "time"

// Member represents one connection's participation in a room.
// No transport or lifecycle logic here.
type Member struct {
	UserID   UserID    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

func NewMember(user UserID) Member {
	return Member{UserID: user, JoinedAt: time.Now()}
}
