package app

import (
	"context"
	"encoding/json"
	"hash/maphash"
	"sync"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

// fanoutStripes must stay a power of two.
const fanoutStripes = 64

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []core.SignalConnection
}

// DropFunc is told about every connection whose queue refused a frame.
// It runs after the room's stripe lock is released.
type DropFunc func(room domain.RoomID, conn core.SignalConnection)

// Fanout delivers encoded envelopes to registry members. Deliveries into one room are
// serialized by a striped lock, so every member sees that room's envelopes in issue order.
type Fanout struct {
	reg     *Registry
	seed    maphash.Seed
	stripes [fanoutStripes]sync.Mutex

	onDrop DropFunc
	bus    core.Bus
	nodeID string
}

func NewFanout(reg *Registry) *Fanout {
	return &Fanout{reg: reg, seed: maphash.MakeSeed()}
}

func (f *Fanout) OnDrop(fn DropFunc) { f.onDrop = fn }

// UseBus mirrors every local delivery to other gateway nodes.
func (f *Fanout) UseBus(bus core.Bus, nodeID string) {
	f.bus = bus
	f.nodeID = nodeID
}

func (f *Fanout) stripe(room domain.RoomID) *sync.Mutex {
	h := maphash.String(f.seed, string(room))
	return &f.stripes[h&(fanoutStripes-1)]
}

// Encode marshals v unless it is already a Frame.
func Encode(v any) (core.Frame, error) {
	if fr, ok := v.(core.Frame); ok {
		return fr, nil
	}
	return json.Marshal(v)
}

// Broadcast sends v to every connection in room except the excluded ones.
func (f *Fanout) Broadcast(room domain.RoomID, v any, exclude ...core.ConnID) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Str("room", string(room)).Msg("encode broadcast")
		return PublishResult{}
	}
	res := f.deliverRoom(room, frame, exclude)
	f.publish(core.BusMessage{Room: room, Frame: frame})
	return res
}

// SendToUser sends v to user's connections in room only. A user without a
// connection in room simply gets nothing.
func (f *Fanout) SendToUser(room domain.RoomID, user domain.UserID, v any) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Str("room", string(room)).Msg("encode unicast")
		return PublishResult{}
	}
	res := f.deliverUser(room, user, frame)
	f.publish(core.BusMessage{Room: room, User: user, Frame: frame})
	return res
}

// SendToUserEverywhere sends v to user in each room the user is currently in.
func (f *Fanout) SendToUserEverywhere(user domain.UserID, v any) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Int64("user", int64(user)).Msg("encode user delivery")
		return PublishResult{}
	}
	res := f.deliverEverywhere(user, frame)
	f.publish(core.BusMessage{User: user, Frame: frame})
	return res
}

// SendTo writes v to one connection, outside any room ordering.
func (f *Fanout) SendTo(conn core.SignalConnection, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	return conn.TrySend(frame)
}

// Deliver handles a delivery published by another node. It never republishes.
func (f *Fanout) Deliver(m core.BusMessage) {
	if m.Origin == f.nodeID {
		return
	}
	switch {
	case m.Room != "" && m.User != 0:
		f.deliverUser(m.Room, m.User, m.Frame)
	case m.Room != "":
		f.deliverRoom(m.Room, m.Frame, nil)
	case m.User != 0:
		f.deliverEverywhere(m.User, m.Frame)
	}
}

func (f *Fanout) deliverRoom(room domain.RoomID, frame core.Frame, exclude []core.ConnID) PublishResult {
	mu := f.stripe(room)
	mu.Lock()
	res := PublishResult{}
	for _, snap := range f.reg.MembersOf(room) {
		if excluded(snap.ConnID, exclude) {
			continue
		}
		if err := snap.Conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, snap.Conn)
			continue
		}
		res.SendTo++
	}
	mu.Unlock()

	log.Debug().Str("module", "app.fanout").Str("room", string(room)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	f.drop(room, res.Dropped)
	return res
}

func (f *Fanout) deliverUser(room domain.RoomID, user domain.UserID, frame core.Frame) PublishResult {
	mu := f.stripe(room)
	mu.Lock()
	res := PublishResult{}
	for _, conn := range f.reg.ConnectionsOf(room, user) {
		if err := conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, conn)
			continue
		}
		res.SendTo++
	}
	mu.Unlock()

	f.drop(room, res.Dropped)
	return res
}

func (f *Fanout) deliverEverywhere(user domain.UserID, frame core.Frame) PublishResult {
	total := PublishResult{}
	seen := make(map[core.ConnID]struct{})
	for _, room := range f.reg.RoomsOf(user) {
		mu := f.stripe(room)
		mu.Lock()
		var dropped []core.SignalConnection
		for _, conn := range f.reg.ConnectionsOf(room, user) {
			if _, ok := seen[conn.ID()]; ok {
				continue
			}
			seen[conn.ID()] = struct{}{}
			if err := conn.TrySend(frame); err != nil {
				dropped = append(dropped, conn)
				continue
			}
			total.SendTo++
		}
		mu.Unlock()
		f.drop(room, dropped)
		total.Dropped = append(total.Dropped, dropped...)
	}
	return total
}

func (f *Fanout) drop(room domain.RoomID, conns []core.SignalConnection) {
	if f.onDrop == nil {
		return
	}
	for _, c := range conns {
		f.onDrop(room, c)
	}
}

func (f *Fanout) publish(m core.BusMessage) {
	if f.bus == nil {
		return
	}
	m.Origin = f.nodeID
	if err := f.bus.Publish(context.Background(), m); err != nil {
		log.Warn().Err(err).Str("module", "app.fanout").Str("room", string(m.Room)).Msg("bus publish")
	}
}

func excluded(id core.ConnID, list []core.ConnID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
