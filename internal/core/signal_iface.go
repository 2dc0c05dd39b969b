package core

import "errors"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is an encoded outbound envelope.
type Frame []byte

type ConnID string

// Close codes sent to the peer when the gateway ends a connection.
const (
	CloseNormal          = 1000
	CloseUnauthenticated = 4001
	CloseInvalidToken    = 4002
	CloseNotMember       = 4003
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full outbound queue yields ErrBackpressure.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
	CloseWith(code int, reason string)
}
