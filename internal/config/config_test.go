package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.PresenceGrace)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, 30*time.Second, cfg.QuorumGrace)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "HS256", cfg.JWT.Alg)
	assert.Equal(t, cfg.Secret, cfg.JWT.Secret)
	assert.NotEmpty(t, cfg.NodeID)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadFile_Values(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
node_id: gw-1
presence_grace: 500ms
jwt:
  secret: s3cret
  alg: HS512
media:
  allowed_hosts: [cdn.example.com]
seed:
  users:
    - {id: 1, username: alice}
    - {id: 2, username: bob}
  friends:
    - [1, 2]
  groups:
    - {id: 7, members: [1, 2]}
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "gw-1", cfg.NodeID)
	assert.Equal(t, 500*time.Millisecond, cfg.PresenceGrace)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "HS512", cfg.JWT.Alg)
	assert.Equal(t, []string{"cdn.example.com"}, cfg.Media.AllowedHosts)
	require.Len(t, cfg.Seed.Users, 2)
	assert.Equal(t, [][2]int64{{1, 2}}, cfg.Seed.Friends)
	require.Len(t, cfg.Seed.Groups, 1)
	assert.Equal(t, []int64{1, 2}, cfg.Seed.Groups[0].Members)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	t.Setenv("WHISPER_PORT", "7001")
	t.Setenv("WHISPER_STORE_DRIVER", "postgres")
	t.Setenv("WHISPER_STORE_DSN", "postgres://localhost/whisper")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/whisper", cfg.Store.DSN)
}

func TestLoadFile_Invalid(t *testing.T) {
	cases := map[string]string{
		"ping after pong": "ping_period: 70s\npong_wait: 60s\n",
		"bad driver":      "store:\n  driver: mongo\n",
		"postgres no dsn": "store:\n  driver: postgres\n",
		"zero buffer":     "send_buffer: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
