// Package presence mirrors local presence transitions into Redis so other
// gateway nodes and the CRUD service can answer "is this user online".
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: whisper:presence:<user>, value is the node id; TTL bounds a crashed node.
// last seen key: whisper:last_seen:<user>, unix millis, no TTL.
func presenceKey(user domain.UserID) string { return "whisper:presence:" + user.String() }
func lastSeenKey(user domain.UserID) string { return "whisper:last_seen:" + user.String() }

type RedisMirror struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisMirror(ctx context.Context, c config.Redis, nodeID string) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", c.Addr)
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisMirror{rdb: rdb, nodeID: nodeID, ttl: ttl}, nil
}

func (m *RedisMirror) SetOnline(ctx context.Context, user domain.UserID) error {
	return errors.Wrap(m.rdb.Set(ctx, presenceKey(user), m.nodeID, m.ttl).Err(), "presence online")
}

// Touch renews the TTL; a key that expired in between is recreated.
func (m *RedisMirror) Touch(ctx context.Context, user domain.UserID) error {
	ok, err := m.rdb.Expire(ctx, presenceKey(user), m.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "presence touch")
	}
	if !ok {
		return m.SetOnline(ctx, user)
	}
	return nil
}

// releaseScript deletes the presence key only while this node owns it, so a node
// going offline cannot clear a session the user holds on another node.
var releaseScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

func (m *RedisMirror) SetOffline(ctx context.Context, user domain.UserID, lastSeen time.Time) error {
	_, err := m.release(ctx, user, lastSeen)
	return err
}

// release reports whether this node owned the key and cleared it.
func (m *RedisMirror) release(ctx context.Context, user domain.UserID, lastSeen time.Time) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb,
		[]string{presenceKey(user), lastSeenKey(user)},
		m.nodeID, strconv.FormatInt(lastSeen.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "presence offline")
	}
	return n == 1, nil
}

func (m *RedisMirror) Lookup(ctx context.Context, user domain.UserID) (bool, time.Time, error) {
	_, err := m.rdb.Get(ctx, presenceKey(user)).Result()
	switch {
	case err == nil:
		return true, time.Time{}, nil
	case !errors.Is(err, redis.Nil):
		return false, time.Time{}, errors.Wrap(err, "presence lookup")
	}

	raw, err := m.rdb.Get(ctx, lastSeenKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, errors.Wrap(err, "last seen lookup")
	}
	return false, parseMillis(raw), nil
}

func (m *RedisMirror) Close() error { return m.rdb.Close() }

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
