package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Whisper/internal/app/calls"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/rs/zerolog/log"
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
	KindRateLimited   ErrorKind = "rate_limited"
)

// EnvelopeError is reported to the sending connection only.
type EnvelopeError struct {
	Kind   ErrorKind
	Msg    string
	TempID string
	// Call errors go out as call_error instead of error.
	Call bool
	Err  error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

func validation(msg string) *EnvelopeError {
	return &EnvelopeError{Kind: KindValidation, Msg: msg}
}

func notFound(msg string) *EnvelopeError {
	return &EnvelopeError{Kind: KindNotFound, Msg: msg}
}

func forbidden(msg string) *EnvelopeError {
	return &EnvelopeError{Kind: KindAuthorization, Msg: msg}
}

func RateLimited() *EnvelopeError {
	return &EnvelopeError{Kind: KindRateLimited, Msg: "too many messages"}
}

// classify maps collaborator errors to the wire taxonomy.
func classify(err error) *EnvelopeError {
	var ee *EnvelopeError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		return &EnvelopeError{Kind: KindNotFound, Msg: "not found", Err: err}
	case errors.Is(err, core.ErrForbidden):
		return &EnvelopeError{Kind: KindAuthorization, Msg: "not allowed", Err: err}
	case errors.Is(err, core.ErrBadMedia):
		return &EnvelopeError{Kind: KindValidation, Msg: "media url rejected", Err: err}
	case errors.Is(err, calls.ErrNoCall):
		return &EnvelopeError{Kind: KindNotFound, Msg: err.Error(), Call: true, Err: err}
	case errors.Is(err, calls.ErrNotParticipant):
		return &EnvelopeError{Kind: KindAuthorization, Msg: err.Error(), Call: true, Err: err}
	}
	for _, sentinel := range callValidation {
		if errors.Is(err, sentinel) {
			return &EnvelopeError{Kind: KindValidation, Msg: sentinel.Error(), Call: true, Err: err}
		}
	}
	return &EnvelopeError{Kind: KindInternal, Msg: "internal error", Err: err}
}

var callValidation = []error{
	calls.ErrCallInProgress,
	calls.ErrSelfCall,
	calls.ErrNoCallee,
	calls.ErrNotRinging,
	calls.ErrMissingTarget,
	calls.ErrBadSignal,
	calls.ErrNotCallRoom,
}

type errorEnvelope struct {
	Type   string    `json:"type"`
	Error  string    `json:"error"`
	Code   ErrorKind `json:"code"`
	TempID string    `json:"temp_id,omitempty"`
}

// ReportError sends err to the client's connection in wire form.
func (o *Orchestrator) ReportError(c *Client, err error, tempID string) {
	ee := classify(err)
	if ee.TempID == "" {
		ee.TempID = tempID
	}
	typ := "error"
	if ee.Call {
		typ = "call_error"
	}
	env := errorEnvelope{Type: typ, Error: ee.Msg, Code: ee.Kind, TempID: ee.TempID}
	if sendErr := o.Fanout.SendTo(c.Conn, env); sendErr != nil {
		log.Debug().Err(sendErr).Str("module", "app.orch").Msg("report error")
	}
}
