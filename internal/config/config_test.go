package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5001 {
		t.Fatalf("expected port 5001, got %d", cfg.Server.Port)
	}
	if cfg.Schedule.Minute != 15 || cfg.Schedule.Timezone != "Asia/Seoul" || cfg.Schedule.RunOnStart {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Crawler.MinDelay != 2*time.Second || cfg.Crawler.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected delay defaults: %v..%v", cfg.Crawler.MinDelay, cfg.Crawler.MaxDelay)
	}
	if cfg.Crawler.MaxRetries != 2 || cfg.Crawler.RetryBackoff != 2*time.Second || cfg.Crawler.RequestTimeout != 20*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Crawler)
	}
	if cfg.Store.Backend != BackendLocal || cfg.Store.MaxFailures != 0 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Mail.Port != 465 || !cfg.Mail.ImplicitTLS || cfg.Mail.PartSize != 7 {
		t.Fatalf("unexpected mail defaults: %+v", cfg.Mail)
	}
	if cfg.API.DefaultCategory != "skincare" {
		t.Fatalf("expected default category skincare, got %q", cfg.API.DefaultCategory)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Seoul" {
		t.Fatalf("Location() = %v, %v", loc, err)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
schedule:
  minute: 30
  timezone: UTC
crawler:
  min_delay: 1s
  max_delay: 3s
  max_retries: 4
  user_agents: ["agent-a", "agent-b"]
extract:
  selectors:
    item: ".list li"
store:
  backend: gcs
  gcs_bucket: rankings
  max_failures: 500
capture:
  enabled: true
  quality: 80
mail:
  enabled: true
  username: bot@example.com
  to: ["team@example.com"]
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Schedule.Minute != 30 || cfg.Schedule.Timezone != "UTC" {
		t.Fatalf("expected schedule overrides: %+v", cfg.Schedule)
	}
	if cfg.Crawler.MinDelay != time.Second || cfg.Crawler.MaxDelay != 3*time.Second || cfg.Crawler.MaxRetries != 4 {
		t.Fatalf("expected crawler overrides: %+v", cfg.Crawler)
	}
	if len(cfg.Crawler.UserAgents) != 2 {
		t.Fatalf("expected two user agents, got %v", cfg.Crawler.UserAgents)
	}
	if cfg.Extract.Selectors.Item != ".list li" {
		t.Fatalf("expected item selector override, got %q", cfg.Extract.Selectors.Item)
	}
	if cfg.Store.Backend != BackendGCS || cfg.Store.GCSBucket != "rankings" || cfg.Store.MaxFailures != 500 {
		t.Fatalf("expected store overrides: %+v", cfg.Store)
	}
	if !cfg.Capture.Enabled || cfg.Capture.Quality != 80 {
		t.Fatalf("expected capture overrides: %+v", cfg.Capture)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if got := cfg.MailErrorRecipients(); len(got) != 1 || got[0] != "bot@example.com" {
		t.Fatalf("expected error mail to fall back to the sender, got %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RANKWATCH_SERVER_PORT", "7070")
	t.Setenv("RANKWATCH_SCHEDULE_MINUTE", "45")
	t.Setenv("EMAIL_USER", "env-bot@example.com")
	t.Setenv("EMAIL_PASS", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Schedule.Minute != 45 {
		t.Fatalf("expected env overrides, got port=%d minute=%d", cfg.Server.Port, cfg.Schedule.Minute)
	}
	if cfg.Mail.Username != "env-bot@example.com" || cfg.Mail.Password != "hunter2" {
		t.Fatalf("expected mail credentials from EMAIL_USER/EMAIL_PASS: %+v", cfg.Mail)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"minute out of range", func(c *Config) { c.Schedule.Minute = 60 }, "schedule.minute"},
		{"janitor out of range", func(c *Config) { c.Schedule.JanitorHour = 24 }, "janitor"},
		{"unknown timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"inverted delays", func(c *Config) { c.Crawler.MaxDelay = time.Second }, "max_delay"},
		{"negative retries", func(c *Config) { c.Crawler.MaxRetries = -1 }, "max_retries"},
		{"gcs without bucket", func(c *Config) { c.Store.Backend = BackendGCS }, "gcs_bucket"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true }, "pubsub"},
		{"capture without mail", func(c *Config) { c.Capture.Enabled = true }, "mail.enabled"},
		{"mail without recipients", func(c *Config) {
			c.Mail.Enabled = true
			c.Mail.Username = "bot@example.com"
		}, "mail.to"},
		{"memory backend", func(c *Config) { c.Store.Backend = BackendMemory }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
