package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pacing.MinSendInterval != 5*time.Second {
		t.Fatalf("min send interval = %s", cfg.Pacing.MinSendInterval)
	}
	if cfg.Pacing.MaxPerHour != 60 || cfg.Pacing.MaxPerDay != 500 {
		t.Fatalf("caps = %d/%d", cfg.Pacing.MaxPerHour, cfg.Pacing.MaxPerDay)
	}
	if cfg.Webhook.TickInterval != 3*time.Second || cfg.Webhook.MaxRetries != 3 {
		t.Fatalf("webhook defaults wrong: %+v", cfg.Webhook)
	}
	if cfg.Webhook.BackoffBase != 2*time.Second || cfg.Webhook.BackoffMax != 60*time.Second {
		t.Fatalf("backoff defaults wrong: %+v", cfg.Webhook)
	}
	if cfg.RetryStore.L1Size != 1000 || cfg.RetryStore.L1TTL != 10*time.Minute {
		t.Fatalf("retry store L1 defaults wrong: %+v", cfg.RetryStore)
	}
	if cfg.RetryStore.Retention != 168*time.Hour {
		t.Fatalf("retention = %s, want 7 days", cfg.RetryStore.Retention)
	}
	if cfg.Pacing.StaggerBatch != 3 || cfg.Pacing.StaggerWindow != 10*time.Minute {
		t.Fatalf("stagger defaults wrong: %+v", cfg.Pacing)
	}
}

func TestNormalizeEnforcesSendFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pacing.MinSendInterval = time.Second
	cfg.Normalize()
	if cfg.Pacing.MinSendInterval != 3*time.Second {
		t.Fatalf("floor not applied: %s", cfg.Pacing.MinSendInterval)
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"pacing":{"max_per_hour":30},"webhook":{"batch_size":25}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Pacing.MaxPerHour != 30 {
		t.Fatalf("max_per_hour = %d, want file override 30", cfg.Pacing.MaxPerHour)
	}
	if cfg.Webhook.BatchSize != 25 {
		t.Fatalf("batch_size = %d, want 25", cfg.Webhook.BatchSize)
	}
	// Untouched knobs keep defaults.
	if cfg.Pacing.MaxPerDay != 500 {
		t.Fatalf("max_per_day = %d, want default 500", cfg.Pacing.MaxPerDay)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "pacing:\n  max_per_day: 200\nredis:\n  enabled: true\n  addr: redis.internal:6379\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Pacing.MaxPerDay != 200 {
		t.Fatalf("max_per_day = %d, want yaml override 200", cfg.Pacing.MaxPerDay)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis config wrong: %+v", cfg.Redis)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUASAR_MAX_PER_HOUR", "45")
	t.Setenv("QUASAR_WEBHOOK_BACKOFF_MAX", "90s")
	t.Setenv("QUASAR_RETRY_RETENTION", "24h")
	t.Setenv("QUASAR_KEEPALIVE_URL", "https://ping.example/app")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Pacing.MaxPerHour != 45 {
		t.Fatalf("max_per_hour = %d", cfg.Pacing.MaxPerHour)
	}
	if cfg.Webhook.BackoffMax != 90*time.Second {
		t.Fatalf("backoff max = %s", cfg.Webhook.BackoffMax)
	}
	if cfg.RetryStore.Retention != 24*time.Hour {
		t.Fatalf("retention = %s", cfg.RetryStore.Retention)
	}
	if cfg.Supervisor.KeepaliveURL != "https://ping.example/app" {
		t.Fatalf("keepalive url = %s", cfg.Supervisor.KeepaliveURL)
	}
}
