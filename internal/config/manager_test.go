package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSONWithDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "owner_user_ids": [42]},
		"logging": {"level": "debug", "console": true}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("OwnerUserIDs = %v", cfg.Telegram.OwnerUserIDs)
	}
	// Omitted sections pick up the deployment defaults.
	if cfg.Digest.DefaultIntervalMinutes != DefaultIntervalMinutes {
		t.Fatalf("DefaultIntervalMinutes = %d", cfg.Digest.DefaultIntervalMinutes)
	}
	if cfg.Digest.TickInterval != DefaultTickInterval {
		t.Fatalf("TickInterval = %q", cfg.Digest.TickInterval)
	}
	if cfg.Store.Path != DefaultStorePath {
		t.Fatalf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Archive.Path != DefaultArchivePath {
		t.Fatalf("Archive.Path = %q", cfg.Archive.Path)
	}
	if cfg.Reconnect.MaxAttempts != DefaultReconnectMaxAttempts {
		t.Fatalf("Reconnect.MaxAttempts = %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Email != nil {
		t.Fatal("Email should stay nil when omitted")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
digest:
  default_interval_minutes: 60
  tick_interval: "30s"
reconnect:
  initial_delay: "2s"
  max_delay: "20s"
  max_attempts: 5
logging:
  level: info
  console: true
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Digest.DefaultIntervalMinutes != 60 {
		t.Fatalf("DefaultIntervalMinutes = %d", cfg.Digest.DefaultIntervalMinutes)
	}
	if cfg.Digest.TickInterval != "30s" {
		t.Fatalf("TickInterval = %q", cfg.Digest.TickInterval)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d", cfg.Reconnect.MaxAttempts)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}, "surprise": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}{"again": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribeDropOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	got := <-sub
	if got != second {
		t.Fatal("subscriber should see the newest config")
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("expected error for bad duration")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "3s", 42)
	if err != nil || d.Seconds() != 3 {
		t.Fatalf("ParseDurationOrDefault 3s = %v, %v", d, err)
	}
}
