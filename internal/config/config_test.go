package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
operators:
  chat_ids: [111, 222]
throttle:
  send_rate: 20
  interval: "1s"
storage:
  path: "./bot.db"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    min_level: warn
    rate_per_sec: 1
`)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Operators.ChatIDs) != 2 || cfg.Operators.ChatIDs[1] != 222 {
		t.Fatalf("operators = %v", cfg.Operators.ChatIDs)
	}
	if cfg.Throttle.SendRate != 20 {
		t.Fatalf("send_rate = %d", cfg.Throttle.SendRate)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  typo_field: true
storage:
  path: "./bot.db"
`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Storage.Path = "./bot.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Throttle.SendRate != DefaultSendRate || cfg.Throttle.DeleteRate != DefaultDeleteRate {
		t.Fatalf("throttle defaults = %d/%d", cfg.Throttle.SendRate, cfg.Throttle.DeleteRate)
	}
	if cfg.Broadcast.PageSize != DefaultPageSize || cfg.Broadcast.CleanupPageSize != DefaultCleanupPageSize {
		t.Fatalf("broadcast defaults = %d/%d", cfg.Broadcast.PageSize, cfg.Broadcast.CleanupPageSize)
	}
}

func TestValidateRequiresToken(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Storage.Path = "./bot.db"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestSubscribeDropOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	got := <-ch
	if got != b {
		t.Fatal("expected newest config after overflow")
	}
}
