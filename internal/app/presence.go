package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	mirrorTimeout    = 2 * time.Second
	mirrorTouchEvery = 15 * time.Second
)

type presenceRecord struct {
	online       bool
	lastActivity time.Time
	lastTouch    time.Time
	// rooms seen since the user last came online; they get the offline notice.
	rooms   map[domain.RoomID]struct{}
	pending *time.Timer
	gen     uint64
}

// Presence derives online state from registry membership and debounces going offline.
// Only online or pending users have a record; last-seen times of offline users live
// in the mirror and the last-seen store. Lock order is presence before registry.
type Presence struct {
	mu     sync.Mutex
	reg    *Registry
	fanout *Fanout
	grace  time.Duration
	mirror core.PresenceMirror
	seen   core.LastSeenStore
	users  map[domain.UserID]*presenceRecord
	closed bool
}

func NewPresence(reg *Registry, fanout *Fanout, grace time.Duration) *Presence {
	return &Presence{
		reg:    reg,
		fanout: fanout,
		grace:  grace,
		users:  make(map[domain.UserID]*presenceRecord),
	}
}

func (p *Presence) UseMirror(m core.PresenceMirror) { p.mirror = m }

func (p *Presence) UseLastSeen(s core.LastSeenStore) { p.seen = s }

func (p *Presence) record(user domain.UserID) *presenceRecord {
	rec, ok := p.users[user]
	if !ok {
		rec = &presenceRecord{rooms: make(map[domain.RoomID]struct{})}
		p.users[user] = rec
	}
	return rec
}

// MarkOnline records user as present in room and cancels a pending offline.
// It reports whether the user was offline before the call.
func (p *Presence) MarkOnline(user domain.UserID, room domain.RoomID) bool {
	p.mu.Lock()
	rec := p.record(user)
	if rec.pending != nil {
		rec.pending.Stop()
		rec.pending = nil
		rec.gen++
		log.Debug().Str("module", "app.presence").Int64("user", int64(user)).Msg("offline cancelled")
	}
	cameOnline := !rec.online
	rec.online = true
	rec.lastActivity = time.Now()
	rec.rooms[room] = struct{}{}
	if cameOnline {
		rec.lastTouch = rec.lastActivity
	}
	p.mu.Unlock()

	if cameOnline {
		log.Info().Str("module", "app.presence").Int64("user", int64(user)).Msg("online")
		p.mirrorDo(func(ctx context.Context, m core.PresenceMirror) error { return m.SetOnline(ctx, user) })
	}
	return cameOnline
}

func (p *Presence) MarkActive(user domain.UserID) {
	p.mu.Lock()
	rec, ok := p.users[user]
	if !ok {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	rec.lastActivity = now
	touch := rec.online && now.Sub(rec.lastTouch) >= mirrorTouchEvery
	if touch {
		rec.lastTouch = now
	}
	p.mu.Unlock()

	if touch {
		p.mirrorDo(func(ctx context.Context, m core.PresenceMirror) error { return m.Touch(ctx, user) })
	}
}

// BeginOffline schedules the offline transition if user has no connection left.
func (p *Presence) BeginOffline(user domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.reg.HasUser(user) {
		return
	}
	rec, ok := p.users[user]
	if !ok || !rec.online || rec.pending != nil {
		return
	}
	rec.gen++
	gen := rec.gen
	rec.pending = time.AfterFunc(p.grace, func() { p.confirmOffline(user, gen) })
	log.Debug().Str("module", "app.presence").Int64("user", int64(user)).Dur("grace", p.grace).Msg("offline scheduled")
}

func (p *Presence) confirmOffline(user domain.UserID, gen uint64) {
	p.mu.Lock()
	rec, ok := p.users[user]
	if !ok || rec.gen != gen || rec.pending == nil {
		p.mu.Unlock()
		return
	}
	rec.pending = nil
	if p.reg.HasUser(user) {
		p.mu.Unlock()
		return
	}
	rooms, lastSeen := p.goOfflineLocked(user, rec)
	p.mu.Unlock()

	p.announceOffline(user, rooms, lastSeen)
}

// ForceOffline skips the debounce window.
func (p *Presence) ForceOffline(user domain.UserID) bool {
	p.mu.Lock()
	rec, ok := p.users[user]
	if !ok || !rec.online {
		p.mu.Unlock()
		return false
	}
	if rec.pending != nil {
		rec.pending.Stop()
		rec.pending = nil
	}
	rec.gen++
	rooms, lastSeen := p.goOfflineLocked(user, rec)
	p.mu.Unlock()

	p.announceOffline(user, rooms, lastSeen)
	return true
}

// goOfflineLocked drops the record; announceOffline hands the last-seen time on.
func (p *Presence) goOfflineLocked(user domain.UserID, rec *presenceRecord) ([]domain.RoomID, time.Time) {
	rec.online = false
	rooms := make([]domain.RoomID, 0, len(rec.rooms))
	for r := range rec.rooms {
		rooms = append(rooms, r)
	}
	delete(p.users, user)
	return rooms, time.Now()
}

type userOfflineEnvelope struct {
	Type      string        `json:"type"`
	UserID    domain.UserID `json:"user_id"`
	LastSeen  time.Time     `json:"last_seen"`
	Timestamp time.Time     `json:"timestamp"`
}

func (p *Presence) announceOffline(user domain.UserID, rooms []domain.RoomID, lastSeen time.Time) {
	log.Info().Str("module", "app.presence").Int64("user", int64(user)).Int("rooms", len(rooms)).Msg("offline")
	env := userOfflineEnvelope{Type: "user_offline", UserID: user, LastSeen: lastSeen, Timestamp: time.Now()}
	for _, room := range rooms {
		p.fanout.Broadcast(room, env)
	}
	p.mirrorDo(func(ctx context.Context, m core.PresenceMirror) error { return m.SetOffline(ctx, user, lastSeen) })
	if p.seen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := p.seen.SetLastSeen(ctx, user, lastSeen); err != nil {
			log.Warn().Err(err).Str("module", "app.presence").Int64("user", int64(user)).Msg("store last seen")
		}
	}
}

func (p *Presence) IsOnline(user domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.users[user]
	return ok && rec.online
}

// LastActivity reports the last time user was seen; ok is false for users never seen.
// Offline users are answered from the last-seen store.
func (p *Presence) LastActivity(user domain.UserID) (time.Time, bool) {
	p.mu.Lock()
	rec, ok := p.users[user]
	if ok {
		last := rec.lastActivity
		p.mu.Unlock()
		return last, true
	}
	p.mu.Unlock()

	if p.seen == nil {
		return time.Time{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	last, err := p.seen.LastSeen(ctx, user)
	if err != nil || last.IsZero() {
		return time.Time{}, false
	}
	return last, true
}

// Size reports how many users hold a presence record on this node.
func (p *Presence) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

// Status answers from local state while the user is online here. Otherwise another
// node may hold the user, so the mirror is asked, then the last-seen store.
func (p *Presence) Status(ctx context.Context, user domain.UserID) (bool, time.Time) {
	p.mu.Lock()
	rec, ok := p.users[user]
	if ok && rec.online {
		last := rec.lastActivity
		p.mu.Unlock()
		return true, last
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if p.mirror != nil {
		online, last, err := p.mirror.Lookup(ctx, user)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("module", "app.presence").Int64("user", int64(user)).Msg("mirror lookup")
		case online || !last.IsZero():
			return online, last
		}
	}
	if p.seen != nil {
		last, err := p.seen.LastSeen(ctx, user)
		if err == nil {
			return false, last
		}
		log.Debug().Err(err).Str("module", "app.presence").Int64("user", int64(user)).Msg("last seen lookup")
	}
	return false, time.Time{}
}

// Pending reports whether an offline transition is scheduled for user.
func (p *Presence) Pending(user domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.users[user]
	return ok && rec.pending != nil
}

// Close stops every scheduled transition.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, rec := range p.users {
		if rec.pending != nil {
			rec.pending.Stop()
			rec.pending = nil
			rec.gen++
		}
	}
}

func (p *Presence) mirrorDo(fn func(context.Context, core.PresenceMirror) error) {
	if p.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := fn(ctx, p.mirror); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Msg("mirror update")
	}
}
