// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/schedule"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	Server      ServerConfig     `yaml:"server"`
	Auth        AuthConfig       `yaml:"auth"`
	Messages    MessagesConfig   `yaml:"messages"`
	Moderation  ModerationConfig `yaml:"moderation"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Retention   RetentionConfig  `yaml:"retention"`
	Relay       RelayConfig      `yaml:"relay"`
	Notify      NotifyConfig     `yaml:"notify"`
	Log         LogConfig        `yaml:"log"`
}

// DatabaseConfig selects and addresses the SQL backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" (default) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file
}

// EncryptionConfig holds the message-body key. Key is base64; KeyEnv names
// an environment variable holding the base64 key instead.
type EncryptionConfig struct {
	Key    string `yaml:"key"`
	KeyEnv string `yaml:"key_env"`
}

// ServerConfig controls the session endpoint.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// AuthConfig configures bearer-credential verification.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
}

// MessagesConfig bounds message content and edits.
type MessagesConfig struct {
	MaxLength  int           `yaml:"max_length"`
	EditWindow time.Duration `yaml:"edit_window"`
}

// ModerationConfig tunes the spam heuristic and flag escalation.
type ModerationConfig struct {
	Keywords      []string `yaml:"keywords"`
	MaxLinks      int      `yaml:"max_links"`
	FlagThreshold int      `yaml:"flag_threshold"`
}

// AttachmentConfig controls upload storage and scanning.
type AttachmentConfig struct {
	Dir            string        `yaml:"dir"`
	MaxSize        int64         `yaml:"max_size"`
	ScanWorkers    int           `yaml:"scan_workers"`
	ScanQueue      int           `yaml:"scan_queue"`
	ScanCommand    string        `yaml:"scan_command"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	RescanSchedule string        `yaml:"rescan_schedule"`
}

// RetentionConfig schedules the auto-delete sweep.
type RetentionConfig struct {
	Schedule string `yaml:"schedule"`
}

// RelayConfig enables cross-node fanout through valkey pub/sub.
type RelayConfig struct {
	ValkeyAddr string `yaml:"valkey_addr"`
	Channel    string `yaml:"channel"`
	// PresenceTTL is how long a node's session counts outlive its last
	// heartbeat in the cluster roster.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// NotifyConfig controls outbound notifications for offline recipients.
type NotifyConfig struct {
	Command string `yaml:"command"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchboard"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}

	if c.Messages.MaxLength == 0 {
		c.Messages.MaxLength = 5000
	}
	if c.Messages.EditWindow == 0 {
		c.Messages.EditWindow = 15 * time.Minute
	}

	if c.Moderation.MaxLinks == 0 {
		c.Moderation.MaxLinks = 3
	}
	if c.Moderation.FlagThreshold == 0 {
		c.Moderation.FlagThreshold = 5
	}

	if c.Attachments.Dir == "" {
		c.Attachments.Dir = "attachments"
	}
	if c.Attachments.MaxSize == 0 {
		c.Attachments.MaxSize = 10 << 20
	}
	if c.Attachments.ScanWorkers == 0 {
		c.Attachments.ScanWorkers = 2
	}
	if c.Attachments.ScanQueue == 0 {
		c.Attachments.ScanQueue = 128
	}
	if c.Attachments.ScanTimeout == 0 {
		c.Attachments.ScanTimeout = 2 * time.Minute
	}
	if c.Attachments.RescanSchedule == "" {
		c.Attachments.RescanSchedule = "*/10 * * * *"
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
	if c.Relay.Channel == "" {
		c.Relay.Channel = "switchboard:events"
	}
	if c.Relay.PresenceTTL == 0 {
		c.Relay.PresenceTTL = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	if _, err := c.EncryptionKey(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.JWTSecret() == "" {
		errs = append(errs, "auth.jwt_secret or auth.jwt_secret_env is required")
	}
	if c.Messages.MaxLength < 0 {
		errs = append(errs, "messages.max_length must be positive")
	}
	if c.Messages.EditWindow < 0 {
		errs = append(errs, "messages.edit_window must be positive")
	}
	if c.Moderation.FlagThreshold < 1 {
		errs = append(errs, "moderation.flag_threshold must be at least 1")
	}
	if c.Attachments.ScanWorkers < 1 {
		errs = append(errs, "attachments.scan_workers must be at least 1")
	}
	if err := schedule.Validate(c.Attachments.RescanSchedule); err != nil {
		errs = append(errs, "attachments.rescan_schedule: "+err.Error())
	}
	if err := schedule.Validate(c.Retention.Schedule); err != nil {
		errs = append(errs, "retention.schedule: "+err.Error())
	}
	if c.Relay.PresenceTTL < 3*time.Second {
		errs = append(errs, "relay.presence_ttl must be at least 3s")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EncryptionKey decodes the configured message-body key. A missing key is
// an error: a regenerated key would orphan every stored ciphertext.
func (c *Config) EncryptionKey() ([]byte, error) {
	raw := c.Encryption.Key
	if raw == "" && c.Encryption.KeyEnv != "" {
		raw = os.Getenv(c.Encryption.KeyEnv)
	}
	if raw == "" {
		return nil, fmt.Errorf("encryption.key or encryption.key_env is required")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %v", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// JWTSecret returns the bearer-token signing secret, preferring the inline value.
func (c *Config) JWTSecret() string {
	if c.Auth.JWTSecret != "" {
		return c.Auth.JWTSecret
	}
	if c.Auth.JWTSecretEnv != "" {
		return os.Getenv(c.Auth.JWTSecretEnv)
	}
	return ""
}
