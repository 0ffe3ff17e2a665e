package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CHATCAST_HTTP_PORT.
const EnvPrefix = "CHATCAST"

// DisabledDatabasePath as database_path runs the server without history.
const DisabledDatabasePath = "-"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Retention RetentionSection `toml:"retention"`
	Chat      ChatSection      `toml:"chat"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port"`
	WSPath         string   `toml:"ws_path"`
	DatabasePath   string   `toml:"database_path"`
	DefaultLocale  string   `toml:"default_locale"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LimitsSection struct {
	MaxMessageSize      int `toml:"max_message_size"`
	SendTimeoutSeconds  int `toml:"send_timeout_seconds"`
	PongWaitSeconds     int `toml:"pong_wait_seconds"`
	StoreTimeoutSeconds int `toml:"store_timeout_seconds"`
	HistoryLimit        int `toml:"history_limit"`
}

type RetentionSection struct {
	MessageRetentionHours  int `toml:"message_retention_hours"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

type ChatSection struct {
	RelayClientUserCount *bool `toml:"relay_client_user_count"`
}

// ServerConfig is the resolved, validated configuration the server runs with
type ServerConfig struct {
	HTTPPort       int    `validate:"gte=0,lte=65535"`
	WSPath         string `validate:"required,startswith=/"`
	DatabasePath   string // empty disables persistence
	DefaultLocale  string `validate:"required"`
	AllowedOrigins []string

	MaxMessageSize int64         `validate:"gte=256"`
	SendTimeout    time.Duration `validate:"gt=0"`
	PongWait       time.Duration `validate:"gt=0"`
	StoreTimeout   time.Duration `validate:"gte=0"`
	HistoryLimit   int           `validate:"gte=1,lte=1000"`

	MessageRetention time.Duration `validate:"gte=0"` // zero keeps messages forever
	CleanupInterval  time.Duration `validate:"gt=0"`

	RelayClientUserCount bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:             8080,
		WSPath:               "/chat",
		DatabasePath:         "~/.chatcast/chatcast.db",
		DefaultLocale:        "en",
		MaxMessageSize:       8192,
		SendTimeout:          30 * time.Second,
		PongWait:             60 * time.Second,
		StoreTimeout:         5 * time.Second,
		HistoryLimit:         100,
		CleanupInterval:      time.Hour,
		RelayClientUserCount: true,
	}
}

var validate = validator.New()

// Validate checks ranges and required fields
func (c ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PingPeriod is how often the server pings each client; it must be shorter
// than PongWait.
func (c ServerConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	relay := d.RelayClientUserCount
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:      d.HTTPPort,
			WSPath:        d.WSPath,
			DatabasePath:  d.DatabasePath,
			DefaultLocale: d.DefaultLocale,
		},
		Limits: LimitsSection{
			MaxMessageSize:      int(d.MaxMessageSize),
			SendTimeoutSeconds:  int(d.SendTimeout / time.Second),
			PongWaitSeconds:     int(d.PongWait / time.Second),
			StoreTimeoutSeconds: int(d.StoreTimeout / time.Second),
			HistoryLimit:        d.HistoryLimit,
		},
		Retention: RetentionSection{
			MessageRetentionHours:  0,
			CleanupIntervalMinutes: int(d.CleanupInterval / time.Minute),
		},
		Chat: ChatSection{RelayClientUserCount: &relay},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Not being able to write the file is not fatal; run on defaults.
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chatcast Server Configuration
# This file was auto-generated with default values
# Environment variables (CHATCAST_HTTP_PORT, ...) override these settings

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// envOverrides lists the settings that can come from the environment. Unset
// variables leave the pointers nil.
type envOverrides struct {
	HTTPPort               *int     `envconfig:"HTTP_PORT"`
	WSPath                 *string  `envconfig:"WS_PATH"`
	DatabasePath           *string  `envconfig:"DATABASE_PATH"`
	DefaultLocale          *string  `envconfig:"DEFAULT_LOCALE"`
	AllowedOrigins         []string `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize         *int     `envconfig:"MAX_MESSAGE_SIZE"`
	SendTimeoutSeconds     *int     `envconfig:"SEND_TIMEOUT_SECONDS"`
	PongWaitSeconds        *int     `envconfig:"PONG_WAIT_SECONDS"`
	StoreTimeoutSeconds    *int     `envconfig:"STORE_TIMEOUT_SECONDS"`
	HistoryLimit           *int     `envconfig:"HISTORY_LIMIT"`
	MessageRetentionHours  *int     `envconfig:"MESSAGE_RETENTION_HOURS"`
	CleanupIntervalMinutes *int     `envconfig:"CLEANUP_INTERVAL_MINUTES"`
	RelayClientUserCount   *bool    `envconfig:"RELAY_CLIENT_USER_COUNT"`
}

// ApplyEnv overrides file settings with CHATCAST_* environment variables
func (c *TOMLConfig) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setIf(&c.Server.HTTPPort, env.HTTPPort)
	setIf(&c.Server.WSPath, env.WSPath)
	setIf(&c.Server.DatabasePath, env.DatabasePath)
	setIf(&c.Server.DefaultLocale, env.DefaultLocale)
	if env.AllowedOrigins != nil {
		c.Server.AllowedOrigins = env.AllowedOrigins
	}
	setIf(&c.Limits.MaxMessageSize, env.MaxMessageSize)
	setIf(&c.Limits.SendTimeoutSeconds, env.SendTimeoutSeconds)
	setIf(&c.Limits.PongWaitSeconds, env.PongWaitSeconds)
	setIf(&c.Limits.StoreTimeoutSeconds, env.StoreTimeoutSeconds)
	setIf(&c.Limits.HistoryLimit, env.HistoryLimit)
	setIf(&c.Retention.MessageRetentionHours, env.MessageRetentionHours)
	setIf(&c.Retention.CleanupIntervalMinutes, env.CleanupIntervalMinutes)
	if env.RelayClientUserCount != nil {
		c.Chat.RelayClientUserCount = env.RelayClientUserCount
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back
// to the defaults.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.WSPath) != "" {
		cfg.WSPath = c.Server.WSPath
	}
	switch dbPath := strings.TrimSpace(c.Server.DatabasePath); dbPath {
	case DisabledDatabasePath:
		cfg.DatabasePath = ""
	case "":
		path, err := expandHome(cfg.DatabasePath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DatabasePath = path
	default:
		path, err := expandHome(dbPath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DatabasePath = path
	}
	if c.Server.DefaultLocale != "" {
		cfg.DefaultLocale = c.Server.DefaultLocale
	}
	cfg.AllowedOrigins = c.Server.AllowedOrigins

	if c.Limits.MaxMessageSize != 0 {
		cfg.MaxMessageSize = int64(c.Limits.MaxMessageSize)
	}
	if c.Limits.SendTimeoutSeconds != 0 {
		cfg.SendTimeout = time.Duration(c.Limits.SendTimeoutSeconds) * time.Second
	}
	if c.Limits.PongWaitSeconds != 0 {
		cfg.PongWait = time.Duration(c.Limits.PongWaitSeconds) * time.Second
	}
	if c.Limits.StoreTimeoutSeconds != 0 {
		cfg.StoreTimeout = time.Duration(c.Limits.StoreTimeoutSeconds) * time.Second
	}
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Retention.MessageRetentionHours != 0 {
		cfg.MessageRetention = time.Duration(c.Retention.MessageRetentionHours) * time.Hour
	}
	if c.Retention.CleanupIntervalMinutes != 0 {
		cfg.CleanupInterval = time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute
	}
	if c.Chat.RelayClientUserCount != nil {
		cfg.RelayClientUserCount = *c.Chat.RelayClientUserCount
	}

	return cfg, cfg.Validate()
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
