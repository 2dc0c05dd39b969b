package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

type header struct {
	Type   string `json:"type"`
	TempID string `json:"temp_id"`
}

type handlerFunc func(o *Orchestrator, ctx context.Context, c *Client, data []byte, tempID string) error

var handlers = map[string]handlerFunc{
	"message":           (*Orchestrator).handleMessage,
	"typing":            (*Orchestrator).handleTyping,
	"read_message":      (*Orchestrator).handleRead,
	"delete":            (*Orchestrator).handleDelete,
	"edit":              (*Orchestrator).handleEdit,
	"forward":           (*Orchestrator).handleForward,
	"reaction_add":      (*Orchestrator).handleReactionAdd,
	"reaction_remove":   (*Orchestrator).handleReactionRemove,
	"get_online_users":  (*Orchestrator).handleOnlineUsers,
	"check_user_status": (*Orchestrator).handleUserStatus,
	"heartbeat":         (*Orchestrator).handlePing,
	"ping":              (*Orchestrator).handlePing,
	"pong":              (*Orchestrator).handlePong,
	"call_start":        (*Orchestrator).handleCallStart,
	"call_accept":       (*Orchestrator).handleCallAccept,
	"call_join":         (*Orchestrator).handleCallAccept,
	"call_reject":       (*Orchestrator).handleCallReject,
	"call_offer":        (*Orchestrator).handleCallRelay,
	"call_answer":       (*Orchestrator).handleCallRelay,
	"call_ice":          (*Orchestrator).handleCallRelay,
	"call_leave":        (*Orchestrator).handleCallLeave,
	"call_end":          (*Orchestrator).handleCallEnd,
}

// Handle routes one inbound envelope. Failures are reported to the sender only;
// the returned error is for logging.
func (o *Orchestrator) Handle(ctx context.Context, c *Client, data []byte) error {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		ee := validation("bad_payload")
		o.ReportError(c, ee, "")
		return ee
	}
	o.Presence.MarkActive(c.User.ID)

	fn, ok := handlers[h.Type]
	if !ok {
		log.Warn().Str("module", "app.orch").Str("type", h.Type).Msg("unknown envelope")
		ee := validation("unknown message type")
		o.ReportError(c, ee, h.TempID)
		return ee
	}
	if err := fn(o, ctx, c, data, h.TempID); err != nil {
		o.ReportError(c, err, h.TempID)
		log.Debug().Err(err).Str("module", "app.orch").Str("type", h.Type).Int64("user", int64(c.User.ID)).Msg("envelope rejected")
		return err
	}
	return nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return validation("bad_payload")
	}
	return nil
}
