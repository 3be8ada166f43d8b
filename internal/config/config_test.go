package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Bot.ReceiveWindow != 5*time.Second {
		t.Errorf("unexpected defaults: port=%d window=%v", cfg.Server.Port, cfg.Bot.ReceiveWindow)
	}
	if !cfg.Feed.Enabled || !cfg.Bot.UserStream || cfg.Bot.OneWayMode {
		t.Errorf("unexpected flags: %+v / %+v", cfg.Feed, cfg.Bot)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liqbot.yaml")
	yamlData := `
server:
  port: 9000
  allowed_origins: ["https://ui.example"]
bot:
  mark_interval: 10s
  one_way_mode: true
cascade:
  count_high: 12
  oi_drop_1m: 1.5
stream:
  max_attempts: 0
`
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("BOT_STOP_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, env must win over file", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://ui.example" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Bot.MarkInterval != 10*time.Second || !cfg.Bot.OneWayMode {
		t.Errorf("bot overlay not applied: %+v", cfg.Bot)
	}
	if cfg.Bot.ReconcileInterval != 2*time.Minute {
		t.Errorf("ReconcileInterval = %v, default must survive overlay", cfg.Bot.ReconcileInterval)
	}
	if cfg.Bot.StopTimeout != 45*time.Second {
		t.Errorf("StopTimeout = %v", cfg.Bot.StopTimeout)
	}
	if cfg.Cascade.CountHigh != 12 || cfg.Cascade.OIDrop1m != 1.5 {
		t.Errorf("cascade = %+v", cfg.Cascade)
	}
	if cfg.Stream.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0 from file", cfg.Stream.MaxAttempts)
	}
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("server: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Error("expected error for broken yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"base64 key", func(c *Config) { c.Security.EncryptionKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" }, ""},
		{"missing key", func(c *Config) { c.Security.EncryptionKey = "" }, "ENCRYPTION_KEY is required"},
		{"short key", func(c *Config) { c.Security.EncryptionKey = "short" }, "ENCRYPTION_KEY must be"},
		{"short token", func(c *Config) { c.Security.APIToken = "abc" }, "API_TOKEN"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "SERVER_PORT"},
		{"bad db port", func(c *Config) { c.Database.Port = 0 }, "DB_PORT"},
		{"zero window", func(c *Config) { c.Bot.ReceiveWindow = 0 }, "BOT_RECEIVE_WINDOW"},
		{"negative shards", func(c *Config) { c.Bot.Shards = -1 }, "BOT_SHARDS"},
		{"tolerance too high", func(c *Config) { c.Bot.PriceTolerance = 0.5 }, "price_tolerance"},
		{"cooldown inverted", func(c *Config) { c.RateLimit.CooldownMax = time.Millisecond }, "RATE_LIMIT_COOLDOWN_MAX"},
		{"stream delay inverted", func(c *Config) { c.Stream.MaxDelay = time.Second }, "STREAM_MAX_DELAY"},
		{"negative attempts", func(c *Config) { c.Stream.MaxAttempts = -1 }, "STREAM_MAX_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Security.EncryptionKey = testKey
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	t.Setenv("TEST_DUR", "2m")
	t.Setenv("TEST_LIST", " a , ,b ")
	t.Setenv("TEST_BOOL", "yes")

	if got := getEnvAsInt("TEST_INT", 7); got != 7 {
		t.Errorf("getEnvAsInt fallback = %d", got)
	}
	if got := getEnvAsDuration("TEST_DUR", time.Second); got != 2*time.Minute {
		t.Errorf("getEnvAsDuration = %v", got)
	}
	if got := getEnvAsList("TEST_LIST", nil); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("getEnvAsList = %v", got)
	}
	if got := getEnvAsBool("TEST_BOOL", true); !got {
		t.Error("getEnvAsBool must fall back on unparsable value")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "liqbot", SSLMode: "disable"}
	if !strings.Contains(d.DSN(), "password=p") {
		t.Errorf("DSN = %s", d.DSN())
	}
	if strings.Contains(d.DSNWithoutPassword(), "password") {
		t.Errorf("DSNWithoutPassword leaks password: %s", d.DSNWithoutPassword())
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("LIQBOT_API_URL", "http://bot:9000/")
	t.Setenv("API_TOKEN", "token-1234567890ab")

	c := LoadClient()
	if c.BaseURL != "http://bot:9000" || c.Token != "token-1234567890ab" || c.Timeout != 30*time.Second {
		t.Errorf("LoadClient() = %+v", c)
	}
}
