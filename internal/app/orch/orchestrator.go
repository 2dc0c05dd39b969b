package orch

import (
	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/app/calls"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator owns connection lifecycle and routes inbound envelopes.
type Orchestrator struct {
	Registry *app.Registry
	Fanout   *app.Fanout
	Presence *app.Presence
	Calls    *calls.Manager
	Policy   app.Policy
	Store    core.Store
	Media    core.MediaResolver
}

// Client is one authenticated connection bound to the room it was opened for.
type Client struct {
	Conn core.SignalConnection
	User domain.Profile
	Room domain.RoomID
}

func New(
	reg *app.Registry,
	fanout *app.Fanout,
	presence *app.Presence,
	callMgr *calls.Manager,
	policy app.Policy,
	store core.Store,
	media core.MediaResolver,
) *Orchestrator {
	o := &Orchestrator{
		Registry: reg,
		Fanout:   fanout,
		Presence: presence,
		Calls:    callMgr,
		Policy:   policy,
		Store:    store,
		Media:    media,
	}
	fanout.OnDrop(o.onDrop)
	return o
}

func (o *Orchestrator) onDrop(room domain.RoomID, conn core.SignalConnection) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, conn) {
	case app.KickMember:
		log.Warn().Str("module", "app.orch").Str("conn", string(conn.ID())).Str("room", string(room)).Msg("slow consumer kicked")
		go o.Kick(conn)
	case app.DropFrame, app.NoAction:
	}
}

// Close stops scheduled work owned by the gateway.
func (o *Orchestrator) Close() {
	o.Calls.Close()
	o.Presence.Close()
}
