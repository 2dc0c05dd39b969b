// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
)

const MaxUsernameLen = 64

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrBadUserID       = errors.New("bad user id")
)

type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseUserID accepts only positive decimal ids.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrBadUserID
	}
	return UserID(n), nil
}

// Profile is the public view of a user that is embedded into outbound envelopes.
type Profile struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func NewProfile(id UserID, username, avatar string) (*Profile, error) {
	if id <= 0 {
		return nil, ErrBadUserID
	}
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &Profile{ID: id, Username: username, AvatarURL: avatar}, nil
}
