package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
sweep:
  schedule: "@every 30s"
  realert_interval: 2m
notify:
  rate_per_sec: 5
storage:
  driver: sqlite
  path: ./timers.db
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Sweep.Schedule != "@every 30s" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Notify.RatePerSec != 5 || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("config = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get() does not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
  "telegram": {"token": "123:abc"},
  "logging": {"console": true},
  "sweep": {}
}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !cfg.Logging.Console {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "x"
  tokenn: "typo"
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram":{"token":"x"}}{"more":true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"10s", 10 * time.Second, false},
		{" 2m ", 2 * time.Minute, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr != (err != nil) {
			t.Fatalf("ParseDurationField(%q) err = %v", tc.raw, err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "5s", time.Minute); err != nil || d != 5*time.Second {
		t.Fatalf("ParseDurationOrDefault explicit = %v, %v", d, err)
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Notify: NotifyConfig{RatePerSec: 9}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("subscriber got a stale config")
		}
	default:
		t.Fatal("subscriber channel empty")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Double unsubscribe is a no-op.
	m.Unsubscribe(ch)
}
