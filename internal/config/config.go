package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fenggwsx/SlashLive/internal/logging"
)

const (
	// EnvPrefix is the prefix every environment override carries.
	// Nested keys are separated with a double underscore: SLASHLIVE_JWT__SECRET.
	EnvPrefix = "SLASHLIVE_"
	// ConfigPathEnv names an explicit YAML config file.
	ConfigPathEnv = EnvPrefix + "CONFIG"
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "slashlive.yaml"
)

const (
	MembershipSQLite = "sqlite"
	MembershipRedis  = "redis"
)

// ServerConfig holds settings for the realtime server.
type ServerConfig struct {
	ListenAddr string           `koanf:"listen_addr"`
	Database   DatabaseConfig   `koanf:"database"`
	Membership MembershipConfig `koanf:"membership"`
	JWT        JWTConfig        `koanf:"jwt"`
	WebSocket  WebSocketConfig  `koanf:"websocket"`
	Presence   PresenceConfig   `koanf:"presence"`
	Notifier   NotifierConfig   `koanf:"notifier"`
	Internal   InternalConfig   `koanf:"internal"`
	Log        logging.Config   `koanf:"log"`
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string `koanf:"path"`
	// WriteTimeout bounds durable writes issued on behalf of a connection.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// MembershipConfig selects where chat-room participant sets are read from.
type MembershipConfig struct {
	Backend       string `koanf:"backend"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string        `koanf:"secret"`
	Issuer     string        `koanf:"issuer"`
	Expiration time.Duration `koanf:"expiration"`
}

// WebSocketConfig tunes the connection pumps.
type WebSocketConfig struct {
	WriteWait       time.Duration `koanf:"write_wait"`
	PongWait        time.Duration `koanf:"pong_wait"`
	MaxMessageBytes int64         `koanf:"max_message_bytes"`
	SendQueue       int           `koanf:"send_queue"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

// PingPeriod is how often the server pings an idle connection.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return w.PongWait * 9 / 10
}

// PresenceConfig tunes the presence synchronizer and its retention sweep.
type PresenceConfig struct {
	StaleAfter    time.Duration `koanf:"stale_after"`
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Workers       int           `koanf:"workers"`
	QueueSize     int           `koanf:"queue_size"`
}

// NotifierConfig sizes the offline notification dispatcher.
type NotifierConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// InternalConfig guards the HTTP surface used by the CRUD layer.
type InternalConfig struct {
	Token string `koanf:"token"`
}

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	ServerURL     string `koanf:"server_url"`
	Token         string `koanf:"token"`
	CommandPrefix string `koanf:"command_prefix"`
}

// Prefix returns the first rune of the command prefix, '/' when unset.
func (c ClientConfig) Prefix() rune {
	for _, r := range c.CommandPrefix {
		return r
	}
	return '/'
}

// DefaultServerConfig returns the configuration used before any file or
// environment override is applied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":9000",
		Database: DatabaseConfig{
			Path:         "slashlive.db",
			WriteTimeout: 5 * time.Second,
		},
		Membership: MembershipConfig{
			Backend:   MembershipSQLite,
			RedisAddr: "localhost:6379",
			KeyPrefix: "slashlive:",
		},
		JWT: JWTConfig{
			Secret:     "replace-me",
			Issuer:     "slashlive",
			Expiration: 24 * time.Hour,
		},
		WebSocket: WebSocketConfig{
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			MaxMessageBytes: 64 << 10,
			SendQueue:       256,
		},
		Presence: PresenceConfig{
			StaleAfter:    5 * time.Minute,
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			Workers:       4,
			QueueSize:     1024,
		},
		Notifier: NotifierConfig{
			Workers:   2,
			QueueSize: 512,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadServerConfig layers defaults, an optional YAML file and SLASHLIVE_
// environment variables, in that order of precedence.
func LoadServerConfig() (ServerConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultServerConfig(), "koanf"), nil); err != nil {
		return ServerConfig{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return ServerConfig{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return ServerConfig{}, fmt.Errorf("load environment: %w", err)
	}
	splitList(k, "websocket.allowed_origins")

	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c ServerConfig) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("listen_addr is required")
	case c.JWT.Secret == "":
		return fmt.Errorf("jwt.secret is required")
	case c.Membership.Backend != MembershipSQLite && c.Membership.Backend != MembershipRedis:
		return fmt.Errorf("membership.backend must be %q or %q, got %q", MembershipSQLite, MembershipRedis, c.Membership.Backend)
	case c.Presence.Workers < 1 || c.Presence.QueueSize < 1:
		return fmt.Errorf("presence.workers and presence.queue_size must be positive")
	case c.Notifier.Workers < 1 || c.Notifier.QueueSize < 1:
		return fmt.Errorf("notifier.workers and notifier.queue_size must be positive")
	case c.WebSocket.SendQueue < 1:
		return fmt.Errorf("websocket.send_queue must be positive")
	case c.WebSocket.PongWait <= 0 || c.WebSocket.WriteWait <= 0:
		return fmt.Errorf("websocket.pong_wait and websocket.write_wait must be positive")
	}
	return nil
}

// LoadClientConfig builds the terminal client configuration from the
// environment.
func LoadClientConfig() (ClientConfig, error) {
	k := koanf.New(".")
	defaults := ClientConfig{
		ServerURL:     "ws://localhost:9000/ws",
		CommandPrefix: "/",
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return ClientConfig{}, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return ClientConfig{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg ClientConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return path
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// envKey maps SLASHLIVE_PRESENCE__STALE_AFTER to presence.stale_after.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitList(k *koanf.Koanf, path string) {
	raw, ok := k.Get(path).(string)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	_ = k.Set(path, items)
}
