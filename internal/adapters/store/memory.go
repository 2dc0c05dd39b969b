package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
)

type reactionKey struct {
	message int64
	user    domain.UserID
	emoji   string
}

type receiptKey struct {
	message int64
	user    domain.UserID
}

// Memory is an in-process Store used in tests and single-node development.
type Memory struct {
	mu           sync.RWMutex
	nextMessage  int64
	nextReaction int64
	messages     map[int64]*domain.Message
	reactions    map[reactionKey]*domain.Reaction
	receipts     map[receiptKey]*domain.Receipt

	profiles map[domain.UserID]*domain.Profile
	lastSeen map[domain.UserID]time.Time
	friends  map[[2]domain.UserID]struct{}
	groups   map[int64]map[domain.UserID]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[int64]*domain.Message),
		reactions: make(map[reactionKey]*domain.Reaction),
		receipts:  make(map[receiptKey]*domain.Receipt),
		profiles:  make(map[domain.UserID]*domain.Profile),
		lastSeen:  make(map[domain.UserID]time.Time),
		friends:   make(map[[2]domain.UserID]struct{}),
		groups:    make(map[int64]map[domain.UserID]struct{}),
	}
}

func (m *Memory) AddUser(p domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = &p
}

func (m *Memory) AddFriends(a, b domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.friends[friendKey(a, b)] = struct{}{}
}

func (m *Memory) AddGroupMembers(group int64, users ...domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		g = make(map[domain.UserID]struct{})
		m.groups[group] = g
	}
	for _, u := range users {
		g[u] = struct{}{}
	}
}

func friendKey(a, b domain.UserID) [2]domain.UserID {
	if a > b {
		a, b = b, a
	}
	return [2]domain.UserID{a, b}
}

func copyMessage(m *domain.Message) *domain.Message {
	c := *m
	return &c
}

func (m *Memory) CreateMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessage++
	stored := copyMessage(msg)
	stored.ID = m.nextMessage
	stored.CreatedAt = time.Now().UTC()
	m.messages[stored.ID] = stored
	return copyMessage(stored), nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyMessage(msg), nil
}

func (m *Memory) EditMessage(_ context.Context, id int64, editor domain.UserID, content string) (*domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Deleted {
		return nil, false, core.ErrNotFound
	}
	if msg.SenderID != editor {
		return nil, false, core.ErrForbidden
	}
	if msg.Content == content {
		return copyMessage(msg), false, nil
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	return copyMessage(msg), true, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id int64, actor domain.UserID) (*domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false, core.ErrNotFound
	}
	if msg.SenderID != actor {
		return nil, false, core.ErrForbidden
	}
	if msg.Deleted {
		return copyMessage(msg), false, nil
	}
	msg.Deleted = true
	return copyMessage(msg), true, nil
}

func (m *Memory) MarkRead(_ context.Context, id int64, reader domain.UserID) (*domain.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return nil, false, core.ErrNotFound
	}
	key := receiptKey{id, reader}
	if rc, ok := m.receipts[key]; ok {
		c := *rc
		return &c, false, nil
	}
	rc := &domain.Receipt{MessageID: id, UserID: reader, ReadAt: time.Now().UTC()}
	m.receipts[key] = rc
	c := *rc
	return &c, true, nil
}

func (m *Memory) MarkRoomRead(_ context.Context, room domain.RoomID, sender, reader domain.UserID) ([]int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var ids []int64
	for id, msg := range m.messages {
		if msg.RoomID != room || msg.SenderID != sender || msg.Deleted {
			continue
		}
		key := receiptKey{id, reader}
		if _, ok := m.receipts[key]; ok {
			continue
		}
		m.receipts[key] = &domain.Receipt{MessageID: id, UserID: reader, ReadAt: now}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, now, nil
}

func (m *Memory) AddReaction(_ context.Context, messageID int64, user domain.UserID, emoji string) (*domain.Reaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return nil, false, core.ErrNotFound
	}
	key := reactionKey{messageID, user, emoji}
	if r, ok := m.reactions[key]; ok {
		c := *r
		return &c, false, nil
	}
	m.nextReaction++
	r := &domain.Reaction{ID: m.nextReaction, MessageID: messageID, UserID: user, Emoji: emoji, CreatedAt: time.Now().UTC()}
	m.reactions[key] = r
	c := *r
	return &c, true, nil
}

func (m *Memory) RemoveReaction(_ context.Context, messageID int64, user domain.UserID, emoji string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reactionKey{messageID, user, emoji}
	if _, ok := m.reactions[key]; !ok {
		return false, nil
	}
	delete(m.reactions, key)
	return true, nil
}

// Reactions counts stored reactions on a message.
func (m *Memory) Reactions(messageID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.reactions {
		if k.message == messageID {
			n++
		}
	}
	return n
}

func (m *Memory) CreateCallEntry(ctx context.Context, room domain.RoomID, caller domain.UserID, text string) (*domain.Message, error) {
	return m.CreateMessage(ctx, &domain.Message{RoomID: room, SenderID: caller, Content: text, Kind: domain.KindSystem})
}

func (m *Memory) StampCallEntry(_ context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return core.ErrNotFound
	}
	msg.Content = text
	return nil
}

func (m *Memory) Profile(_ context.Context, id domain.UserID) (*domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) AreFriends(_ context.Context, a, b domain.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.friends[friendKey(a, b)]
	return ok, nil
}

func (m *Memory) IsGroupMember(_ context.Context, group int64, user domain.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[group][user]
	return ok, nil
}

func (m *Memory) SetLastSeen(_ context.Context, id domain.UserID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[id] = at
	return nil
}

func (m *Memory) LastSeen(_ context.Context, id domain.UserID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[id], nil
}

func (m *Memory) Close() {}
