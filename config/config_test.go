package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pylon.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
store:
  url: redis://:hunter2@10.0.0.5:6380/2
  dialTimeout: 2s
  commandTimeout: 1s
sync:
  channel: gw:sync
  keyPrefix: "gw:key:"
  ratePrefix: "gw:rl:"
  refreshInterval: 15s
tools:
  search:
    limit: 30
    window: 1m
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.URL != "redis://:hunter2@10.0.0.5:6380/2" {
		t.Errorf("store url = %q", cfg.Store.URL)
	}
	if cfg.Store.CommandTimeout != time.Second {
		t.Errorf("command timeout = %v, want 1s", cfg.Store.CommandTimeout)
	}
	if cfg.Sync.Channel != "gw:sync" {
		t.Errorf("channel = %q", cfg.Sync.Channel)
	}
	if cfg.Sync.RefreshInterval != 15*time.Second {
		t.Errorf("refresh interval = %v, want 15s", cfg.Sync.RefreshInterval)
	}
	tool, ok := cfg.Tools["search"]
	if !ok {
		t.Fatal("tools.search missing")
	}
	if tool.Limit != 30 || tool.Window != time.Minute {
		t.Errorf("tools.search = %+v, want limit 30 window 1m", tool)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  url: redis://127.0.0.1:6379
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Sync.Channel != defaultChannel {
		t.Errorf("channel = %q, want default %q", cfg.Sync.Channel, defaultChannel)
	}
	if cfg.Sync.KeyPrefix != defaultKeyPrefix {
		t.Errorf("key prefix = %q, want default %q", cfg.Sync.KeyPrefix, defaultKeyPrefix)
	}
	if cfg.Sync.RefreshInterval != defaultRefreshInterval {
		t.Errorf("refresh interval = %v, want default %v", cfg.Sync.RefreshInterval, defaultRefreshInterval)
	}
	if cfg.Store.DialTimeout != defaultDialTimeout {
		t.Errorf("dial timeout = %v, want default %v", cfg.Store.DialTimeout, defaultDialTimeout)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, ErrConfigFileUnreadable) {
			t.Errorf("error = %v, want ErrConfigFileUnreadable", err)
		}
	})

	t.Run("not yaml", func(t *testing.T) {
		path := writeConfig(t, "{{{{")
		_, err := LoadConfig(path)
		if !errors.Is(err, ErrConfigFileUnmarshallable) {
			t.Errorf("error = %v, want ErrConfigFileUnmarshallable", err)
		}
	})

	t.Run("missing store url", func(t *testing.T) {
		path := writeConfig(t, "sync:\n  channel: x\n")
		_, err := LoadConfig(path)
		if !errors.Is(err, ErrStoreURLMissing) {
			t.Errorf("error = %v, want ErrStoreURLMissing", err)
		}
	})

	t.Run("bad tool limit", func(t *testing.T) {
		path := writeConfig(t, `
store:
  url: redis://127.0.0.1:6379
tools:
  search:
    limit: 0
    window: 1m
`)
		_, err := LoadConfig(path)
		if !errors.Is(err, ErrToolLimitInvalid) {
			t.Errorf("error = %v, want ErrToolLimitInvalid", err)
		}
	})
}

func TestGenerateConfigLoads(t *testing.T) {
	cfg, err := GenerateConfig("")
	if err != nil {
		t.Fatalf("GenerateConfig() error = %v", err)
	}
	if cfg.Store.URL == "" {
		t.Error("generated config has no store url")
	}
	for name, tool := range cfg.Tools {
		if tool.Limit <= 0 || tool.Window <= 0 {
			t.Errorf("generated tool %q has invalid policy %+v", name, tool)
		}
	}
}
