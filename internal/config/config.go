package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// TransportType identifies which link backend should be used.
type TransportType string

const (
	TransportWebsocket TransportType = "ws"
	TransportTCP       TransportType = "tcp"

	DefaultHistoryPageSize = 50
	DefaultMaxSendAttempts = 3
	DefaultSendTimeoutSec  = 8
	DefaultPingIntervalSec = 25
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains transport-specific connection parameters.
type ConnectionConfig struct {
	Transport  TransportType `json:"transport"`
	ServerURL  string        `json:"server_url"`
	TCPAddress string        `json:"tcp_address"`
	RESTURL    string        `json:"rest_url"`
}

// AuthConfig carries the bearer token used by the sync engine. A token
// file takes precedence over the inline value when both are set.
type AuthConfig struct {
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"token_file,omitempty"`
}

// EngineConfig exposes the sync engine tunables worth persisting.
type EngineConfig struct {
	HistoryPageSize int `json:"history_page_size"`
	MaxSendAttempts int `json:"max_send_attempts"`
	SendTimeoutSec  int `json:"send_timeout_seconds"`
	PingIntervalSec int `json:"ping_interval_seconds"`
}

// CacheConfig controls the local message cache database.
type CacheConfig struct {
	Disabled bool   `json:"disabled"`
	Path     string `json:"path,omitempty"`
}

// SessionConfig stores state restored on the next start.
type SessionConfig struct {
	LastActiveRoom string `json:"last_active_room"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled          bool                     `json:"enabled"`
	NotifyActiveRoom bool                     `json:"notify_active_room"`
	Events           NotificationEventsConfig `json:"events"`
}

// NotificationEventsConfig stores per-event notification toggles.
type NotificationEventsConfig struct {
	IncomingMessage  bool `json:"incoming_message"`
	ConnectionStatus bool `json:"connection_status"`
	SendFailed       bool `json:"send_failed"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection    ConnectionConfig   `json:"connection"`
	Auth          AuthConfig         `json:"auth"`
	Engine        EngineConfig       `json:"engine"`
	Cache         CacheConfig        `json:"cache"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
	Session       SessionConfig      `json:"session"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Transport:  TransportWebsocket,
			ServerURL:  "",
			TCPAddress: "",
			RESTURL:    "",
		},
		Engine: EngineConfig{
			HistoryPageSize: DefaultHistoryPageSize,
			MaxSendAttempts: DefaultMaxSendAttempts,
			SendTimeoutSec:  DefaultSendTimeoutSec,
			PingIntervalSec: DefaultPingIntervalSec,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled:          true,
			NotifyActiveRoom: false,
			Events: NotificationEventsConfig{
				IncomingMessage:  true,
				ConnectionStatus: true,
				SendFailed:       true,
			},
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	c.Connection.Transport = normalizeTransport(c.Connection.Transport)
	if c.Engine.HistoryPageSize <= 0 {
		c.Engine.HistoryPageSize = DefaultHistoryPageSize
	}
	if c.Engine.MaxSendAttempts <= 0 {
		c.Engine.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if c.Engine.SendTimeoutSec <= 0 {
		c.Engine.SendTimeoutSec = DefaultSendTimeoutSec
	}
	if c.Engine.PingIntervalSec <= 0 {
		c.Engine.PingIntervalSec = DefaultPingIntervalSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func normalizeTransport(transport TransportType) TransportType {
	switch transport {
	case TransportTCP:
		return TransportTCP
	default:
		return TransportWebsocket
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Transport {
	case TransportWebsocket:
		url := strings.TrimSpace(c.Connection.ServerURL)
		if url == "" {
			return errors.New("server url is required")
		}
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("server url must use ws or wss scheme: %s", url)
		}
	case TransportTCP:
		if strings.TrimSpace(c.Connection.TCPAddress) == "" {
			return errors.New("tcp address is required")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Connection.Transport)
	}

	if strings.TrimSpace(c.Connection.RESTURL) == "" {
		return errors.New("rest url is required")
	}

	return nil
}

// envOverrides holds raw CHATSYNC_* environment values layered over the
// persisted file.
type envOverrides struct {
	Transport     string `env:"CHATSYNC_TRANSPORT"`
	ServerURL     string `env:"CHATSYNC_SERVER_URL"`
	TCPAddress    string `env:"CHATSYNC_TCP_ADDRESS"`
	RESTURL       string `env:"CHATSYNC_REST_URL"`
	Token         string `env:"CHATSYNC_TOKEN"`
	TokenFile     string `env:"CHATSYNC_TOKEN_FILE"`
	LogLevel      string `env:"CHATSYNC_LOG_LEVEL"`
	CachePath     string `env:"CHATSYNC_CACHE_PATH"`
	CacheDisabled bool   `env:"CHATSYNC_CACHE_DISABLED"`
}

// ApplyEnvOverrides applies CHATSYNC_* environment variables on top of
// the loaded configuration. Unset variables leave file values alone.
func (c *AppConfig) ApplyEnvOverrides() error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}

	if raw.Transport != "" {
		c.Connection.Transport = normalizeTransport(TransportType(raw.Transport))
	}
	if raw.ServerURL != "" {
		c.Connection.ServerURL = raw.ServerURL
	}
	if raw.TCPAddress != "" {
		c.Connection.TCPAddress = raw.TCPAddress
	}
	if raw.RESTURL != "" {
		c.Connection.RESTURL = raw.RESTURL
	}
	if raw.Token != "" {
		c.Auth.Token = raw.Token
	}
	if raw.TokenFile != "" {
		c.Auth.TokenFile = raw.TokenFile
	}
	if raw.LogLevel != "" {
		c.Logging.Level = raw.LogLevel
	}
	if raw.CachePath != "" {
		c.Cache.Path = raw.CachePath
	}
	if raw.CacheDisabled {
		c.Cache.Disabled = true
	}

	return nil
}

// ResolveToken returns the bearer token for the engine, reading the
// token file when one is configured.
func (c AppConfig) ResolveToken() (string, error) {
	if path := strings.TrimSpace(c.Auth.TokenFile); path != "" {
		// #nosec G304 -- token file location is user configuration.
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", errors.New("token file is empty")
		}

		return token, nil
	}

	if token := strings.TrimSpace(c.Auth.Token); token != "" {
		return token, nil
	}

	return "", errors.New("no auth token configured")
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
