package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
}

type JWT struct {
	Secret string `mapstructure:"secret"`
	Alg    string `mapstructure:"alg"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NATS struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type Media struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type SeedUser struct {
	ID        int64  `mapstructure:"id"`
	Username  string `mapstructure:"username"`
	AvatarURL string `mapstructure:"avatar_url"`
}

type SeedGroup struct {
	ID      int64   `mapstructure:"id"`
	Members []int64 `mapstructure:"members"`
}

// Seed populates the in-memory store for local runs.
type Seed struct {
	Users   []SeedUser  `mapstructure:"users"`
	Friends [][2]int64  `mapstructure:"friends"`
	Groups  []SeedGroup `mapstructure:"groups"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	NodeID   string `mapstructure:"node_id"`
	LogLevel string `mapstructure:"log_level"`
	Secret   string `mapstructure:"secret"`
	// ServiceToken authenticates backend services calling /api/notify; empty disables it.
	ServiceToken string `mapstructure:"service_token"`

	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	WriteWait   time.Duration `mapstructure:"write_wait"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`

	PresenceGrace time.Duration `mapstructure:"presence_grace"`
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`
	QuorumGrace   time.Duration `mapstructure:"quorum_grace"`

	RateLimit  RateLimit   `mapstructure:"rate_limit"`
	JWT        JWT         `mapstructure:"jwt"`
	Store      Store       `mapstructure:"store"`
	Redis      Redis       `mapstructure:"redis"`
	NATS       NATS        `mapstructure:"nats"`
	Media      Media       `mapstructure:"media"`
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	Seed       Seed        `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "change-me")
	v.SetDefault("service_token", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("auth_timeout", "10s")
	v.SetDefault("presence_grace", "3s")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("quorum_grace", "30s")
	v.SetDefault("rate_limit.count", 20)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("node_id", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "90s")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "whisper.fanout")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WHISPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func fileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults; WHISPER_* env vars win.
func Load() (*Config, error) {
	return LoadFile(fileName())
}

func LoadFile(file string) (*Config, error) {
	cfg, _, err := load(file)
	return cfg, err
}

// Watch reloads the config file on change and hands the fresh Config to fn.
func Watch(fn func(*Config)) error {
	_, v, err := load(fileName())
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload config")
			return
		}
		fn(&cfg)
	})
	v.WatchConfig()
	return nil
}

func load(file string) (*Config, *viper.Viper, error) {
	v := newViper()
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	} else {
		log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = cfg.Secret
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive")
	case c.PingPeriod >= c.PongWait:
		return fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	case c.Store.Driver != "memory" && c.Store.Driver != "postgres":
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	case c.Store.Driver == "postgres" && c.Store.DSN == "":
		return fmt.Errorf("store.dsn is required for postgres")
	}
	return nil
}
