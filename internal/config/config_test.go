package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: chat_prod
  user: chat
  password: s3cret

encryption:
  key: MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=

server:
  port: 9000
  ping_interval: 20s
  send_buffer: 16

auth:
  jwt_secret: hunter2
  issuer: marketplace

messages:
  max_length: 2000
  edit_window: 10m

moderation:
  keywords: ["free money", "wire transfer"]
  max_links: 2
  flag_threshold: 3

attachments:
  dir: /var/lib/switchboard/blobs
  scan_workers: 4
  scan_command: "clamdscan --no-summary {{.Path}}"

relay:
  valkey_addr: 127.0.0.1:6379

log:
  level: debug
  format: json
`

const minimalYAML = `
database:
  driver: sqlite
encryption:
  key: MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=
auth:
  jwt_secret: hunter2
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "10.0.0.5")
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 3307)
	}
	if cfg.Database.Name != "chat_prod" {
		t.Errorf("Database.Name = %q, want %q", cfg.Database.Name, "chat_prod")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.PingInterval != 20*time.Second {
		t.Errorf("Server.PingInterval = %v, want 20s", cfg.Server.PingInterval)
	}
	if cfg.Messages.MaxLength != 2000 {
		t.Errorf("Messages.MaxLength = %d, want 2000", cfg.Messages.MaxLength)
	}
	if cfg.Messages.EditWindow != 10*time.Minute {
		t.Errorf("Messages.EditWindow = %v, want 10m", cfg.Messages.EditWindow)
	}
	if len(cfg.Moderation.Keywords) != 2 {
		t.Fatalf("len(Moderation.Keywords) = %d, want 2", len(cfg.Moderation.Keywords))
	}
	if cfg.Moderation.FlagThreshold != 3 {
		t.Errorf("Moderation.FlagThreshold = %d, want 3", cfg.Moderation.FlagThreshold)
	}
	if cfg.Attachments.ScanWorkers != 4 {
		t.Errorf("Attachments.ScanWorkers = %d, want 4", cfg.Attachments.ScanWorkers)
	}
	if cfg.Relay.ValkeyAddr != "127.0.0.1:6379" {
		t.Errorf("Relay.ValkeyAddr = %q", cfg.Relay.ValkeyAddr)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Path != "switchboard.db" {
		t.Errorf("Database.Path = %q, want switchboard.db", cfg.Database.Path)
	}
	if cfg.Database.Host != "" {
		t.Errorf("sqlite config should not get a host default, got %q", cfg.Database.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.SendBuffer != 64 {
		t.Errorf("Server.SendBuffer = %d, want 64", cfg.Server.SendBuffer)
	}
	if cfg.Messages.MaxLength != 5000 {
		t.Errorf("Messages.MaxLength = %d, want 5000", cfg.Messages.MaxLength)
	}
	if cfg.Messages.EditWindow != 15*time.Minute {
		t.Errorf("Messages.EditWindow = %v, want 15m", cfg.Messages.EditWindow)
	}
	if cfg.Moderation.FlagThreshold != 5 {
		t.Errorf("Moderation.FlagThreshold = %d, want 5", cfg.Moderation.FlagThreshold)
	}
	if cfg.Attachments.RescanSchedule != "*/10 * * * *" {
		t.Errorf("Attachments.RescanSchedule = %q", cfg.Attachments.RescanSchedule)
	}
	if cfg.Retention.Schedule != "0 3 * * *" {
		t.Errorf("Retention.Schedule = %q", cfg.Retention.Schedule)
	}
	if cfg.Relay.Channel != "switchboard:events" {
		t.Errorf("Relay.Channel = %q", cfg.Relay.Channel)
	}
	if cfg.Relay.PresenceTTL != 30*time.Second {
		t.Errorf("Relay.PresenceTTL = %v, want 30s", cfg.Relay.PresenceTTL)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("encryption:\n  key: " + testKey + "\nauth:\n  jwt_secret: x\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database = %s:%d, want 127.0.0.1:3306", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "switchboard" {
		t.Errorf("Database.Name = %q, want switchboard", cfg.Database.Name)
	}
}

func TestParse_MissingKeyIsError(t *testing.T) {
	_, err := Parse([]byte("auth:\n  jwt_secret: x\n"))
	if err == nil {
		t.Fatal("expected error for missing encryption key")
	}
	if !strings.Contains(err.Error(), "encryption.key or encryption.key_env is required") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_ShortKey(t *testing.T) {
	_, err := Parse([]byte("encryption:\n  key: c2hvcnQ=\nauth:\n  jwt_secret: x\n"))
	if err == nil {
		t.Fatal("expected error for short key")
	}
	if !strings.Contains(err.Error(), "must be 32 bytes, got 5") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_CollectsErrors(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: postgres\nlog:\n  format: xml\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`database.driver "postgres" is not supported`,
		"encryption.key or encryption.key_env is required",
		"auth.jwt_secret or auth.jwt_secret_env is required",
		`log.format "xml" is not supported`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestParse_BadSchedule(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "retention:\n  schedule: \"every night\"\n"))
	if err == nil {
		t.Fatal("expected error for bad cron expression")
	}
	if !strings.Contains(err.Error(), "retention.schedule") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_ShortPresenceTTL(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "relay:\n  presence_ttl: 1s\n"))
	if err == nil || !strings.Contains(err.Error(), "relay.presence_ttl") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.HasPrefix(err.Error(), "config: parse:") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestEncryptionKey_FromEnv(t *testing.T) {
	t.Setenv("SB_TEST_KEY", testKey)
	t.Setenv("SB_TEST_JWT", "from-env")
	cfg, err := Parse([]byte("encryption:\n  key_env: SB_TEST_KEY\nauth:\n  jwt_secret_env: SB_TEST_JWT\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, err := cfg.EncryptionKey()
	if err != nil {
		t.Fatalf("EncryptionKey: %v", err)
	}
	if string(key) != "0123456789abcdef0123456789abcdef" {
		t.Errorf("key = %q", key)
	}
	if cfg.JWTSecret() != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.JWTSecret())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}
