package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppConfigFillMissingDefaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.FillMissingDefaults()

	if cfg.Connection.Transport != TransportWebsocket {
		t.Fatalf("expected default transport %q, got %q", TransportWebsocket, cfg.Connection.Transport)
	}
	if cfg.Engine.HistoryPageSize != DefaultHistoryPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultHistoryPageSize, cfg.Engine.HistoryPageSize)
	}
	if cfg.Engine.MaxSendAttempts != DefaultMaxSendAttempts {
		t.Fatalf("expected default send attempts %d, got %d", DefaultMaxSendAttempts, cfg.Engine.MaxSendAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestAppConfigFillMissingDefaultsNormalizesTransport(t *testing.T) {
	cfg := AppConfig{Connection: ConnectionConfig{Transport: TransportType("carrier-pigeon")}}
	cfg.FillMissingDefaults()

	if cfg.Connection.Transport != TransportWebsocket {
		t.Fatalf("expected invalid transport to normalize to %q, got %q", TransportWebsocket, cfg.Connection.Transport)
	}
}

func TestDefaultEnablesNotificationTypes(t *testing.T) {
	cfg := Default()
	if !cfg.Notifications.Enabled {
		t.Fatalf("expected notifications to be enabled by default")
	}
	if cfg.Notifications.NotifyActiveRoom {
		t.Fatalf("expected notify_active_room to be disabled by default")
	}
	if !cfg.Notifications.Events.IncomingMessage {
		t.Fatalf("expected incoming message notification to be enabled by default")
	}
	if !cfg.Notifications.Events.ConnectionStatus {
		t.Fatalf("expected connection status notification to be enabled by default")
	}
	if !cfg.Notifications.Events.SendFailed {
		t.Fatalf("expected send failed notification to be enabled by default")
	}
}

func TestLoadMissingSectionsUseDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "connection": {
    "transport": "ws",
    "server_url": "wss://chat.example.com/sync",
    "rest_url": "https://chat.example.com/api"
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.HistoryPageSize != DefaultHistoryPageSize {
		t.Fatalf("expected page size default, got %d", cfg.Engine.HistoryPageSize)
	}
	if !cfg.Notifications.Events.IncomingMessage || !cfg.Notifications.Events.ConnectionStatus {
		t.Fatalf("expected notification types to default to enabled, got %+v", cfg.Notifications)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadPreservesExplicitNotificationFalseValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "connection": {
    "transport": "ws",
    "server_url": "wss://chat.example.com/sync",
    "rest_url": "https://chat.example.com/api"
  },
  "notifications": {
    "enabled": false,
    "events": {
      "incoming_message": false,
      "connection_status": false,
      "send_failed": false
    }
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Notifications.Enabled {
		t.Fatalf("expected enabled=false to be preserved")
	}
	if cfg.Notifications.Events.IncomingMessage {
		t.Fatalf("expected incoming_message=false to be preserved")
	}
	if cfg.Notifications.Events.ConnectionStatus {
		t.Fatalf("expected connection_status=false to be preserved")
	}
	if cfg.Notifications.Events.SendFailed {
		t.Fatalf("expected send_failed=false to be preserved")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Connection.Transport != TransportWebsocket {
		t.Fatalf("expected default config for missing file, got %+v", cfg.Connection)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_SERVER_URL", "wss://override.example.com/sync")
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")
	t.Setenv("CHATSYNC_CACHE_DISABLED", "true")

	cfg := Default()
	cfg.Connection.ServerURL = "wss://file.example.com/sync"
	cfg.Auth.Token = "file-token"

	if err := cfg.ApplyEnvOverrides(); err != nil {
		t.Fatalf("apply env overrides: %v", err)
	}
	if cfg.Connection.ServerURL != "wss://override.example.com/sync" {
		t.Fatalf("expected env server url to win, got %q", cfg.Connection.ServerURL)
	}
	if cfg.Auth.Token != "env-token" {
		t.Fatalf("expected env token to win, got %q", cfg.Auth.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
	if !cfg.Cache.Disabled {
		t.Fatalf("expected cache disabled by env")
	}
	if cfg.Connection.Transport != TransportWebsocket {
		t.Fatalf("expected untouched transport, got %q", cfg.Connection.Transport)
	}
}

func TestResolveTokenPrefersTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0o600); err != nil {
		t.Fatalf("write token fixture: %v", err)
	}

	cfg := Default()
	cfg.Auth.Token = "inline-token"
	cfg.Auth.TokenFile = path

	token, err := cfg.ResolveToken()
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token != "file-token" {
		t.Fatalf("expected trimmed file token, got %q", token)
	}
}

func TestResolveTokenFallsBackToInline(t *testing.T) {
	cfg := Default()
	cfg.Auth.Token = "inline-token"

	token, err := cfg.ResolveToken()
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token != "inline-token" {
		t.Fatalf("expected inline token, got %q", token)
	}
}

func TestResolveTokenErrors(t *testing.T) {
	cfg := Default()
	if _, err := cfg.ResolveToken(); err == nil {
		t.Fatalf("expected error when no token configured")
	}

	emptyPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(emptyPath, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("write token fixture: %v", err)
	}
	cfg.Auth.TokenFile = emptyPath
	if _, err := cfg.ResolveToken(); err == nil {
		t.Fatalf("expected error for empty token file")
	}
}

func TestAppConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AppConfig
		wantErr bool
	}{
		{
			name: "valid websocket",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportWebsocket,
					ServerURL: "wss://chat.example.com/sync",
					RESTURL:   "https://chat.example.com/api",
				},
			},
		},
		{
			name: "websocket without url",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportWebsocket,
					RESTURL:   "https://chat.example.com/api",
				},
			},
			wantErr: true,
		},
		{
			name: "websocket with http scheme",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportWebsocket,
					ServerURL: "https://chat.example.com/sync",
					RESTURL:   "https://chat.example.com/api",
				},
			},
			wantErr: true,
		},
		{
			name: "valid tcp",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport:  TransportTCP,
					TCPAddress: "chat.example.com:7070",
					RESTURL:    "https://chat.example.com/api",
				},
			},
		},
		{
			name: "tcp without address",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportTCP,
					RESTURL:   "https://chat.example.com/api",
				},
			},
			wantErr: true,
		},
		{
			name: "missing rest url",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportWebsocket,
					ServerURL: "wss://chat.example.com/sync",
				},
			},
			wantErr: true,
		},
		{
			name: "unknown transport",
			cfg: AppConfig{
				Connection: ConnectionConfig{
					Transport: TransportType("carrier-pigeon"),
					RESTURL:   "https://chat.example.com/api",
				},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		err := tc.cfg.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: expected no error, got %v", tc.name, err)
		}
	}
}
