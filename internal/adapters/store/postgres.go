package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// The gateway owns the message tables. users, friendships and group_members
// belong to the CRUD service and are created here only for local setups.
const schema = `
CREATE TABLE IF NOT EXISTS gw_messages (
	id                BIGSERIAL PRIMARY KEY,
	room              TEXT        NOT NULL,
	sender_id         BIGINT      NOT NULL,
	content           TEXT        NOT NULL,
	kind              TEXT        NOT NULL,
	reply_to_id       BIGINT,
	voice_duration    DOUBLE PRECISION,
	file_size         BIGINT,
	is_forwarded      BOOLEAN     NOT NULL DEFAULT FALSE,
	forwarded_from_id BIGINT,
	original_sender   TEXT        NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	edited_at         TIMESTAMPTZ,
	deleted           BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS gw_messages_room_idx ON gw_messages (room, id);
CREATE TABLE IF NOT EXISTS gw_reactions (
	id         BIGSERIAL PRIMARY KEY,
	message_id BIGINT      NOT NULL REFERENCES gw_messages (id) ON DELETE CASCADE,
	user_id    BIGINT      NOT NULL,
	emoji      TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (message_id, user_id, emoji)
);
CREATE TABLE IF NOT EXISTS gw_receipts (
	message_id BIGINT      NOT NULL REFERENCES gw_messages (id) ON DELETE CASCADE,
	user_id    BIGINT      NOT NULL,
	read_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (message_id, user_id)
);
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT NOT NULL,
	avatar_url TEXT,
	last_seen  TIMESTAMPTZ
);
ALTER TABLE users ADD COLUMN IF NOT EXISTS last_seen TIMESTAMPTZ;
CREATE TABLE IF NOT EXISTS friendships (
	user_id   BIGINT NOT NULL,
	friend_id BIGINT NOT NULL,
	status    TEXT   NOT NULL DEFAULT 'accepted',
	PRIMARY KEY (user_id, friend_id)
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id BIGINT NOT NULL,
	user_id  BIGINT NOT NULL,
	PRIMARY KEY (group_id, user_id)
);`

const messageColumns = `id, room, sender_id, content, kind, reply_to_id, voice_duration, file_size,
	is_forwarded, forwarded_from_id, original_sender, created_at, edited_at, deleted`

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("module", "adapters.store").Msg("postgres ready")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m    domain.Message
		room string
		kind string
	)
	err := row.Scan(&m.ID, &room, &m.SenderID, &m.Content, &kind, &m.ReplyToID, &m.VoiceDuration, &m.FileSize,
		&m.IsForwarded, &m.ForwardedFromID, &m.OriginalSender, &m.CreatedAt, &m.EditedAt, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.RoomID = domain.RoomID(room)
	m.Kind = domain.MessageKind(kind)
	return &m, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO gw_messages (room, sender_id, content, kind, reply_to_id, voice_duration, file_size,
			is_forwarded, forwarded_from_id, original_sender)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+messageColumns,
		string(m.RoomID), int64(m.SenderID), m.Content, string(m.Kind), m.ReplyToID, m.VoiceDuration, m.FileSize,
		m.IsForwarded, m.ForwardedFromID, m.OriginalSender)
	return scanMessage(row)
}

func (p *Postgres) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM gw_messages WHERE id = $1`, id))
}

// mutate loads a message under a row lock, lets fn decide on an update statement and applies it.
func (p *Postgres) mutate(
	ctx context.Context,
	id int64,
	fn func(m *domain.Message) (sql string, args []any, err error),
) (*domain.Message, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM gw_messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}
	sql, args, err := fn(m)
	if err != nil {
		return nil, false, err
	}
	if sql == "" {
		return m, false, nil
	}
	updated, err := scanMessage(tx.QueryRow(ctx, sql+` RETURNING `+messageColumns, args...))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (p *Postgres) EditMessage(ctx context.Context, id int64, editor domain.UserID, content string) (*domain.Message, bool, error) {
	return p.mutate(ctx, id, func(m *domain.Message) (string, []any, error) {
		if m.Deleted {
			return "", nil, core.ErrNotFound
		}
		if m.SenderID != editor {
			return "", nil, core.ErrForbidden
		}
		if m.Content == content {
			return "", nil, nil
		}
		return `UPDATE gw_messages SET content = $2, edited_at = now() WHERE id = $1`, []any{id, content}, nil
	})
}

func (p *Postgres) DeleteMessage(ctx context.Context, id int64, actor domain.UserID) (*domain.Message, bool, error) {
	return p.mutate(ctx, id, func(m *domain.Message) (string, []any, error) {
		if m.SenderID != actor {
			return "", nil, core.ErrForbidden
		}
		if m.Deleted {
			return "", nil, nil
		}
		return `UPDATE gw_messages SET deleted = TRUE WHERE id = $1`, []any{id}, nil
	})
}

func (p *Postgres) MarkRead(ctx context.Context, id int64, reader domain.UserID) (*domain.Receipt, bool, error) {
	rc := &domain.Receipt{MessageID: id, UserID: reader}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO gw_receipts (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING read_at`, id, int64(reader)).Scan(&rc.ReadAt)
	if err == nil {
		return rc, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	err = p.pool.QueryRow(ctx, `SELECT read_at FROM gw_receipts WHERE message_id = $1 AND user_id = $2`, id, int64(reader)).Scan(&rc.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, core.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return rc, false, nil
}

func (p *Postgres) MarkRoomRead(ctx context.Context, room domain.RoomID, sender, reader domain.UserID) ([]int64, time.Time, error) {
	at := time.Now().UTC()
	rows, err := p.pool.Query(ctx, `
		INSERT INTO gw_receipts (message_id, user_id, read_at)
		SELECT m.id, $3::bigint, $4::timestamptz FROM gw_messages m
		WHERE m.room = $1 AND m.sender_id = $2 AND NOT m.deleted
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id`, string(room), int64(sender), int64(reader), at)
	if err != nil {
		return nil, at, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, at, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, at, nil
}

func (p *Postgres) AddReaction(ctx context.Context, messageID int64, user domain.UserID, emoji string) (*domain.Reaction, bool, error) {
	r := &domain.Reaction{MessageID: messageID, UserID: user, Emoji: emoji}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO gw_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING
		RETURNING id, created_at`, messageID, int64(user), emoji).Scan(&r.ID, &r.CreatedAt)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	err = p.pool.QueryRow(ctx, `
		SELECT id, created_at FROM gw_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, int64(user), emoji).Scan(&r.ID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, core.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return r, false, nil
}

func (p *Postgres) RemoveReaction(ctx context.Context, messageID int64, user domain.UserID, emoji string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM gw_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, int64(user), emoji)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) CreateCallEntry(ctx context.Context, room domain.RoomID, caller domain.UserID, text string) (*domain.Message, error) {
	return p.CreateMessage(ctx, &domain.Message{RoomID: room, SenderID: caller, Content: text, Kind: domain.KindSystem})
}

func (p *Postgres) StampCallEntry(ctx context.Context, id int64, text string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE gw_messages SET content = $2 WHERE id = $1`, id, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (p *Postgres) Profile(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	var prof domain.Profile
	err := p.pool.QueryRow(ctx, `SELECT id, username, COALESCE(avatar_url, '') FROM users WHERE id = $1`, int64(id)).
		Scan(&prof.ID, &prof.Username, &prof.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

func (p *Postgres) AreFriends(ctx context.Context, a, b domain.UserID) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM friendships
			WHERE status = 'accepted'
			  AND ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1))
		)`, int64(a), int64(b)).Scan(&ok)
	return ok, err
}

func (p *Postgres) IsGroupMember(ctx context.Context, group int64, user domain.UserID) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		group, int64(user)).Scan(&ok)
	return ok, err
}

func (p *Postgres) SetLastSeen(ctx context.Context, id domain.UserID, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, int64(id), at)
	return err
}

func (p *Postgres) LastSeen(ctx context.Context, id domain.UserID) (time.Time, error) {
	var at *time.Time
	err := p.pool.QueryRow(ctx, `SELECT last_seen FROM users WHERE id = $1`, int64(id)).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, core.ErrNotFound
	}
	if err != nil || at == nil {
		return time.Time{}, err
	}
	return *at, nil
}
