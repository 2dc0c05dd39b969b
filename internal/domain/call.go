package domain

import (
	"errors"
	"fmt"
)

var ErrBadCallType = errors.New("bad call type")

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallVoice, "":
		return CallVoice, nil
	case CallVideo:
		return CallVideo, nil
	}
	return "", ErrBadCallType
}

type CallStatus int

const (
	CallRinging CallStatus = iota
	CallInProgress
	CallEnded
)

func (s CallStatus) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallInProgress:
		return "in_call"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// CallEndedText is the system line stamped on the call entry when the caller leaves a group call.
func CallEndedText(caller string, t CallType) string {
	return fmt.Sprintf("%s ended the %s call", caller, t)
}
