// Package store implements the persistence collaborator.
package store

import (
	"context"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/rs/zerolog/log"
)

// Open returns the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (core.Store, error) {
	if cfg.Store.Driver == "postgres" {
		return OpenPostgres(ctx, cfg.Store.DSN)
	}
	mem := NewMemory()
	Seed(mem, cfg.Seed)
	return mem, nil
}

// Seed loads users, friendships and groups from config.
func Seed(m *Memory, s config.Seed) {
	for _, u := range s.Users {
		m.AddUser(domain.Profile{ID: domain.UserID(u.ID), Username: u.Username, AvatarURL: u.AvatarURL})
	}
	for _, f := range s.Friends {
		m.AddFriends(domain.UserID(f[0]), domain.UserID(f[1]))
	}
	for _, g := range s.Groups {
		members := make([]domain.UserID, 0, len(g.Members))
		for _, id := range g.Members {
			members = append(members, domain.UserID(id))
		}
		m.AddGroupMembers(g.ID, members...)
	}
	log.Info().Str("module", "adapters.store").Int("users", len(s.Users)).Int("groups", len(s.Groups)).Msg("memory store seeded")
}

var (
	_ core.Store = (*Memory)(nil)
	_ core.Store = (*Postgres)(nil)
)
