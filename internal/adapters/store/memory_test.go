package store

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(t *testing.T, m *Memory, sender domain.UserID, content string) *domain.Message {
	t.Helper()
	msg, err := m.CreateMessage(context.Background(), &domain.Message{
		RoomID:   domain.PrivateRoom(1, 2),
		SenderID: sender,
		Content:  content,
		Kind:     domain.KindText,
	})
	require.NoError(t, err)
	return msg
}

func TestMemory_CreateGet(t *testing.T) {
	m := NewMemory()
	msg := newMessage(t, m, 1, "hi")
	assert.Positive(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	got, err := m.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)

	_, err = m.GetMessage(context.Background(), 999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemory_EditIdempotentAndOwned(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	msg := newMessage(t, m, 1, "hi")

	_, _, err := m.EditMessage(ctx, msg.ID, 2, "nope")
	assert.ErrorIs(t, err, core.ErrForbidden)

	edited, changed, err := m.EditMessage(ctx, msg.ID, 1, "hello")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, edited.EditedAt)

	_, changed, err = m.EditMessage(ctx, msg.ID, 1, "hello")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMemory_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	msg := newMessage(t, m, 1, "hi")

	_, _, err := m.DeleteMessage(ctx, msg.ID, 2)
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, changed, err := m.DeleteMessage(ctx, msg.ID, 1)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = m.DeleteMessage(ctx, msg.ID, 1)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = m.EditMessage(ctx, msg.ID, 1, "zombie")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemory_ReactionsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	msg := newMessage(t, m, 1, "hi")

	r1, created, err := m.AddReaction(ctx, msg.ID, 2, "👍")
	require.NoError(t, err)
	assert.True(t, created)

	r2, created, err := m.AddReaction(ctx, msg.ID, 2, "👍")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, 1, m.Reactions(msg.ID))

	_, _, err = m.AddReaction(ctx, 404, 2, "👍")
	assert.ErrorIs(t, err, core.ErrNotFound)

	removed, err := m.RemoveReaction(ctx, msg.ID, 2, "👍")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.RemoveReaction(ctx, msg.ID, 2, "👍")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemory_ReadReceiptOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	msg := newMessage(t, m, 1, "hi")

	rc, changed, err := m.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.True(t, changed)

	again, changed, err := m.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, rc.ReadAt, again.ReadAt)
}

func TestMemory_MarkRoomRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room := domain.PrivateRoom(1, 2)
	first := newMessage(t, m, 1, "one")
	second := newMessage(t, m, 1, "two")
	own := newMessage(t, m, 2, "mine")
	gone := newMessage(t, m, 1, "gone")
	_, _, err := m.DeleteMessage(ctx, gone.ID, 1)
	require.NoError(t, err)
	_, _, err = m.MarkRead(ctx, first.ID, 2)
	require.NoError(t, err)

	ids, at, err := m.MarkRoomRead(ctx, room, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, ids)
	assert.False(t, at.IsZero())

	ids, _, err = m.MarkRoomRead(ctx, room, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, _, err = m.MarkRoomRead(ctx, room, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{own.ID}, ids)
}

func TestMemory_LastSeen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	at, err := m.LastSeen(ctx, 1)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Now().UTC()
	require.NoError(t, m.SetLastSeen(ctx, 1, now))
	at, err = m.LastSeen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, now, at)
}

func TestMemory_CallEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	entry, err := m.CreateCallEntry(ctx, domain.GroupRoom(1), 1, "alice started a voice call")
	require.NoError(t, err)
	assert.Equal(t, domain.KindSystem, entry.Kind)

	require.NoError(t, m.StampCallEntry(ctx, entry.ID, "alice ended the voice call"))
	got, _ := m.GetMessage(ctx, entry.ID)
	assert.Equal(t, "alice ended the voice call", got.Content)
	assert.ErrorIs(t, m.StampCallEntry(ctx, 999, "x"), core.ErrNotFound)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	Seed(m, config.Seed{
		Users:   []config.SeedUser{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}},
		Friends: [][2]int64{{2, 1}},
		Groups:  []config.SeedGroup{{ID: 5, Members: []int64{1}}},
	})

	p, err := m.Profile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Username)

	ok, _ := m.AreFriends(ctx, 1, 2)
	assert.True(t, ok)
	ok, _ = m.IsGroupMember(ctx, 5, 1)
	assert.True(t, ok)
	ok, _ = m.IsGroupMember(ctx, 5, 2)
	assert.False(t, ok)

	_, err = m.Profile(ctx, 3)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
