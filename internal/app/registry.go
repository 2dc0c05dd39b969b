package app

import (
	"sync"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberEntry struct {
	Conn   core.SignalConnection
	Member domain.Member
}

// Registry maps rooms to their live connections and users to the rooms they are in.
// All reads return copies; nothing here performs I/O while holding the lock.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[domain.RoomID]map[core.ConnID]*memberEntry
	userRooms map[domain.UserID]map[domain.RoomID]int
	connRooms map[core.ConnID]map[domain.RoomID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[domain.RoomID]map[core.ConnID]*memberEntry),
		userRooms: make(map[domain.UserID]map[domain.RoomID]int),
		connRooms: make(map[core.ConnID]map[domain.RoomID]struct{}),
	}
}

// Join adds conn to room on behalf of user. Joining twice is a no-op and returns false.
func (r *Registry) Join(room domain.RoomID, conn core.SignalConnection, user domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[core.ConnID]*memberEntry)
		r.rooms[room] = members
	}
	if _, dup := members[conn.ID()]; dup {
		return false
	}
	members[conn.ID()] = &memberEntry{Conn: conn, Member: domain.NewMember(user)}

	ur, ok := r.userRooms[user]
	if !ok {
		ur = make(map[domain.RoomID]int)
		r.userRooms[user] = ur
	}
	ur[room]++

	cr, ok := r.connRooms[conn.ID()]
	if !ok {
		cr = make(map[domain.RoomID]struct{})
		r.connRooms[conn.ID()] = cr
	}
	cr[room] = struct{}{}

	log.Debug().Str("module", "app.registry").Str("conn", string(conn.ID())).Str("room", string(room)).Int64("user", int64(user)).Msg("joined")
	return true
}

// LeaveResult describes what a Leave removed.
type LeaveResult struct {
	User domain.UserID
	// LastInRoom is set when the user has no other connection in the room.
	LastInRoom bool
	// RoomGone is set when the room became empty and was deleted.
	RoomGone bool
	// UserGone is set when the user has no room left at all.
	UserGone bool
}

// Leave removes conn from room. ok is false if conn was not a member.
func (r *Registry) Leave(room domain.RoomID, conn core.ConnID) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, conn)
}

func (r *Registry) leaveLocked(room domain.RoomID, conn core.ConnID) (LeaveResult, bool) {
	members, ok := r.rooms[room]
	if !ok {
		return LeaveResult{}, false
	}
	e, ok := members[conn]
	if !ok {
		return LeaveResult{}, false
	}
	delete(members, conn)

	res := LeaveResult{User: e.Member.UserID}
	if len(members) == 0 {
		delete(r.rooms, room)
		res.RoomGone = true
	}

	if cr, ok := r.connRooms[conn]; ok {
		delete(cr, room)
		if len(cr) == 0 {
			delete(r.connRooms, conn)
		}
	}

	ur := r.userRooms[res.User]
	ur[room]--
	if ur[room] <= 0 {
		delete(ur, room)
		res.LastInRoom = true
	}
	if len(ur) == 0 {
		delete(r.userRooms, res.User)
		res.UserGone = true
	}

	log.Debug().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(room)).Bool("room_gone", res.RoomGone).Msg("left")
	return res, true
}

// LeaveAll removes conn from every room it joined, in one critical section.
func (r *Registry) LeaveAll(conn core.ConnID) map[domain.RoomID]LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]domain.RoomID, 0, len(r.connRooms[conn]))
	for room := range r.connRooms[conn] {
		rooms = append(rooms, room)
	}
	out := make(map[domain.RoomID]LeaveResult, len(rooms))
	for _, room := range rooms {
		if res, ok := r.leaveLocked(room, conn); ok {
			out[room] = res
		}
	}
	return out
}

// RoomsOfConn lists the rooms a connection is joined to.
func (r *Registry) RoomsOfConn(conn core.ConnID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(r.connRooms[conn]))
	for room := range r.connRooms[conn] {
		out = append(out, room)
	}
	return out
}

type regSnap struct {
	ConnID core.ConnID
	Conn   core.SignalConnection
	Member domain.Member
}

func (r *Registry) MembersOf(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]regSnap, 0, len(members))
	for id, e := range members {
		out = append(out, regSnap{ConnID: id, Conn: e.Conn, Member: e.Member})
	}
	return out
}

// ConnectionsOf returns the connections user holds in room.
func (r *Registry) ConnectionsOf(room domain.RoomID, user domain.UserID) []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.SignalConnection
	for _, e := range r.rooms[room] {
		if e.Member.UserID == user {
			out = append(out, e.Conn)
		}
	}
	return out
}

// UsersIn returns the distinct users with at least one connection in room.
func (r *Registry) UsersIn(room domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.UserID]struct{})
	out := make([]domain.UserID, 0, len(r.rooms[room]))
	for _, e := range r.rooms[room] {
		if _, ok := seen[e.Member.UserID]; ok {
			continue
		}
		seen[e.Member.UserID] = struct{}{}
		out = append(out, e.Member.UserID)
	}
	return out
}

func (r *Registry) RoomsOf(user domain.UserID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(r.userRooms[user]))
	for room := range r.userRooms[user] {
		out = append(out, room)
	}
	return out
}

func (r *Registry) InRoom(room domain.RoomID, user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userRooms[user][room] > 0
}

func (r *Registry) HasUser(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userRooms[user]) > 0
}

type RegistryStats struct {
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Rooms:       len(r.rooms),
		Users:       len(r.userRooms),
		Connections: len(r.connRooms),
	}
}
