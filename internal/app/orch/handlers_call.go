package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Whisper/internal/domain"
)

type callStartIn struct {
	CallType string `json:"call_type"`
}

func (o *Orchestrator) handleCallStart(ctx context.Context, c *Client, data []byte, _ string) error {
	var p callStartIn
	if err := decode(data, &p); err != nil {
		return err
	}
	ct, err := domain.ParseCallType(p.CallType)
	if err != nil {
		return &EnvelopeError{Kind: KindValidation, Msg: "unsupported call type", Call: true, Err: err}
	}
	_, err = o.Calls.Start(ctx, c.Room, c.User, ct)
	return err
}

type callSignalIn struct {
	Type      string          `json:"type"`
	ToUser    domain.UserID   `json:"to_user"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p callSignalIn) payload() json.RawMessage {
	switch p.Type {
	case "call_offer":
		return p.Offer
	case "call_answer", "call_accept", "call_join":
		return p.Answer
	case "call_ice":
		return p.Candidate
	}
	return nil
}

// handleCallAccept joins the caller into the call. An accept may carry an answer
// for a named peer, which is relayed like call_answer.
func (o *Orchestrator) handleCallAccept(_ context.Context, c *Client, data []byte, _ string) error {
	var p callSignalIn
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := o.Calls.Accept(c.Room, c.User); err != nil {
		return err
	}
	if p.ToUser != 0 && len(p.Answer) > 0 {
		return o.Calls.Relay(c.Room, c.User, "call_answer", p.ToUser, p.Answer)
	}
	return nil
}

func (o *Orchestrator) handleCallRelay(_ context.Context, c *Client, data []byte, _ string) error {
	var p callSignalIn
	if err := decode(data, &p); err != nil {
		return err
	}
	return o.Calls.Relay(c.Room, c.User, p.Type, p.ToUser, p.payload())
}

func (o *Orchestrator) handleCallReject(_ context.Context, c *Client, _ []byte, _ string) error {
	return o.Calls.Reject(c.Room, c.User.ID)
}

func (o *Orchestrator) handleCallLeave(ctx context.Context, c *Client, _ []byte, _ string) error {
	return o.Calls.Leave(ctx, c.Room, c.User.ID)
}

func (o *Orchestrator) handleCallEnd(_ context.Context, c *Client, _ []byte, _ string) error {
	return o.Calls.End(c.Room, c.User.ID)
}
