package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestPingPeriodShorterThanPongWait(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PingPeriod() >= cfg.PongWait {
		t.Fatalf("ping period %v must be shorter than pong wait %v", cfg.PingPeriod(), cfg.PongWait)
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg, err := cfg.ToServerConfig()
	if err != nil {
		t.Fatalf("ToServerConfig: %v", err)
	}

	defaults := DefaultConfig()
	if serverCfg.HTTPPort != defaults.HTTPPort {
		t.Fatalf("expected HTTPPort %d, got %d", defaults.HTTPPort, serverCfg.HTTPPort)
	}
	if serverCfg.WSPath != defaults.WSPath {
		t.Fatalf("expected WSPath %q, got %q", defaults.WSPath, serverCfg.WSPath)
	}
	if serverCfg.MaxMessageSize != defaults.MaxMessageSize {
		t.Fatalf("expected MaxMessageSize %d, got %d", defaults.MaxMessageSize, serverCfg.MaxMessageSize)
	}
	if serverCfg.PongWait != defaults.PongWait {
		t.Fatalf("expected PongWait %v, got %v", defaults.PongWait, serverCfg.PongWait)
	}
	if !serverCfg.RelayClientUserCount {
		t.Fatal("expected client user counts to be relayed by default")
	}
	if strings.HasPrefix(serverCfg.DatabasePath, "~") {
		t.Fatalf("expected database path to be home-expanded, got %s", serverCfg.DatabasePath)
	}
}

func TestToServerConfigMapsSettings(t *testing.T) {
	relay := false
	cfg := DefaultTOMLConfig()
	cfg.Server.HTTPPort = 9090
	cfg.Server.WSPath = "/ws"
	cfg.Server.DatabasePath = "/tmp/chat.db"
	cfg.Server.DefaultLocale = "ca"
	cfg.Server.AllowedOrigins = []string{"chat.example.com"}
	cfg.Limits.MaxMessageSize = 1024
	cfg.Limits.PongWaitSeconds = 20
	cfg.Retention.MessageRetentionHours = 48
	cfg.Retention.CleanupIntervalMinutes = 15
	cfg.Chat.RelayClientUserCount = &relay

	serverCfg, err := cfg.ToServerConfig()
	if err != nil {
		t.Fatalf("ToServerConfig: %v", err)
	}

	if serverCfg.HTTPPort != 9090 {
		t.Fatalf("expected HTTPPort 9090, got %d", serverCfg.HTTPPort)
	}
	if serverCfg.WSPath != "/ws" {
		t.Fatalf("expected WSPath /ws, got %s", serverCfg.WSPath)
	}
	if serverCfg.DatabasePath != "/tmp/chat.db" {
		t.Fatalf("expected DatabasePath /tmp/chat.db, got %s", serverCfg.DatabasePath)
	}
	if serverCfg.DefaultLocale != "ca" {
		t.Fatalf("expected DefaultLocale ca, got %s", serverCfg.DefaultLocale)
	}
	if len(serverCfg.AllowedOrigins) != 1 || serverCfg.AllowedOrigins[0] != "chat.example.com" {
		t.Fatalf("unexpected AllowedOrigins %v", serverCfg.AllowedOrigins)
	}
	if serverCfg.MaxMessageSize != 1024 {
		t.Fatalf("expected MaxMessageSize 1024, got %d", serverCfg.MaxMessageSize)
	}
	if serverCfg.PongWait != 20*time.Second {
		t.Fatalf("expected PongWait 20s, got %v", serverCfg.PongWait)
	}
	if serverCfg.MessageRetention != 48*time.Hour {
		t.Fatalf("expected MessageRetention 48h, got %v", serverCfg.MessageRetention)
	}
	if serverCfg.CleanupInterval != 15*time.Minute {
		t.Fatalf("expected CleanupInterval 15m, got %v", serverCfg.CleanupInterval)
	}
	if serverCfg.RelayClientUserCount {
		t.Fatal("expected RelayClientUserCount false")
	}
}

func TestToServerConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TOMLConfig)
	}{
		{"port out of range", func(c *TOMLConfig) { c.Server.HTTPPort = 70000 }},
		{"relative ws path", func(c *TOMLConfig) { c.Server.WSPath = "chat" }},
		{"tiny message size", func(c *TOMLConfig) { c.Limits.MaxMessageSize = 10 }},
		{"negative send timeout", func(c *TOMLConfig) { c.Limits.SendTimeoutSeconds = -1 }},
		{"history limit too large", func(c *TOMLConfig) { c.Limits.HistoryLimit = 5000 }},
		{"negative retention", func(c *TOMLConfig) { c.Retention.MessageRetentionHours = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTOMLConfig()
			tt.modify(&cfg)
			if _, err := cfg.ToServerConfig(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("CHATCAST_HTTP_PORT", "7000")
	t.Setenv("CHATCAST_WS_PATH", "/socket")
	t.Setenv("CHATCAST_ALLOWED_ORIGINS", "a.example.com,b.example.com")
	t.Setenv("CHATCAST_RELAY_CLIENT_USER_COUNT", "false")
	t.Setenv("CHATCAST_MESSAGE_RETENTION_HOURS", "12")

	cfg := DefaultTOMLConfig()
	cfg.Limits.HistoryLimit = 50
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.HTTPPort != 7000 {
		t.Fatalf("expected HTTPPort 7000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.WSPath != "/socket" {
		t.Fatalf("expected WSPath /socket, got %s", cfg.Server.WSPath)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 allowed origins, got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Chat.RelayClientUserCount == nil || *cfg.Chat.RelayClientUserCount {
		t.Fatal("expected RelayClientUserCount overridden to false")
	}
	if cfg.Retention.MessageRetentionHours != 12 {
		t.Fatalf("expected MessageRetentionHours 12, got %d", cfg.Retention.MessageRetentionHours)
	}
	if cfg.Limits.HistoryLimit != 50 {
		t.Fatalf("unset variables must keep file values, got HistoryLimit %d", cfg.Limits.HistoryLimit)
	}
}

func TestApplyEnvRejectsBadValue(t *testing.T) {
	t.Setenv("CHATCAST_HTTP_PORT", "not-a-number")

	cfg := DefaultTOMLConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultConfig().HTTPPort {
		t.Fatalf("expected default port, got %d", cfg.Server.HTTPPort)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config was not written: %v", err)
	}
	if !strings.Contains(string(data), "ws_path") {
		t.Fatalf("written config is missing ws_path:\n%s", data)
	}

	// Reading it back gives the same settings.
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig (existing file): %v", err)
	}
	if again.Server.WSPath != cfg.Server.WSPath {
		t.Fatalf("expected WSPath %q, got %q", cfg.Server.WSPath, again.Server.WSPath)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
http_port = 9999
default_locale = "ca"

[chat]
relay_client_user_count = false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	serverCfg, err := cfg.ToServerConfig()
	if err != nil {
		t.Fatalf("ToServerConfig: %v", err)
	}
	if serverCfg.HTTPPort != 9999 || serverCfg.DefaultLocale != "ca" || serverCfg.RelayClientUserCount {
		t.Fatalf("unexpected config %+v", serverCfg)
	}
	if serverCfg.WSPath != "/chat" {
		t.Fatalf("missing keys should default, got WSPath %q", serverCfg.WSPath)
	}
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := os.WriteFile(path, []byte("[server\nport="), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestToServerConfigDisablesDatabase(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.DatabasePath = DisabledDatabasePath

	serverCfg, err := cfg.ToServerConfig()
	if err != nil {
		t.Fatalf("ToServerConfig: %v", err)
	}
	if serverCfg.DatabasePath != "" {
		t.Fatalf("expected persistence disabled, got %q", serverCfg.DatabasePath)
	}
}
