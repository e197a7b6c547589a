package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Tracker.IdleTimeout != 30*time.Second || cfg.Tracker.TickInterval != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Geo.Timeout != 3*time.Second || cfg.Store.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts geo=%v store=%v", cfg.Geo.Timeout, cfg.Store.WriteTimeout)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9000
tracker:
  idle_timeout: 45s
  reject_blacklisted: true
rate_limits:
  track_start:
    max_requests: 5
    window: 10s
tls:
  domains: [risk.clinic.example]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port=%d", cfg.Server.Port)
	}
	if cfg.Tracker.IdleTimeout != 45*time.Second || !cfg.Tracker.RejectBlacklisted {
		t.Fatalf("tracker=%+v", cfg.Tracker)
	}
	if cfg.Tracker.TickInterval != time.Minute {
		t.Fatalf("unset field lost its default: %v", cfg.Tracker.TickInterval)
	}
	if b := cfg.RateLimit["track_start"]; b.MaxRequests != 5 || b.Window != 10*time.Second {
		t.Fatalf("bucket=%+v", b)
	}
	if len(cfg.TLS.Domains) != 1 {
		t.Fatalf("domains=%v", cfg.TLS.Domains)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9000\nadmin:\n  token: from-file\n")
	t.Setenv("PORT", "9100")
	t.Setenv("ADMIN_TOKEN", "from-env")
	t.Setenv("DATABASE_URL", "postgres://sentinel@db/sentinel")
	t.Setenv("TLS_DOMAINS", "a.example, b.example,")
	t.Setenv("REJECT_BLACKLISTED", "true")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Admin.Token != "from-env" {
		t.Fatalf("env not applied: port=%d token=%q", cfg.Server.Port, cfg.Admin.Token)
	}
	if cfg.Database.URL != "postgres://sentinel@db/sentinel" {
		t.Fatalf("database url=%q", cfg.Database.URL)
	}
	if len(cfg.TLS.Domains) != 2 || cfg.TLS.Domains[1] != "b.example" {
		t.Fatalf("domains=%v", cfg.TLS.Domains)
	}
	if !cfg.Tracker.RejectBlacklisted {
		t.Fatalf("reject_blacklisted not applied")
	}
	if len(cfg.Server.TrustedProxies) != 2 {
		t.Fatalf("trusted proxies=%v", cfg.Server.TrustedProxies)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [\n"},
		{"bad provider", "geo:\n  provider: carrier-pigeon\n"},
		{"maxmind without db", "geo:\n  provider: maxmind\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"contact timeout below tick", "tracker:\n  contact_timeout: 30s\n"},
		{"bad trusted proxy", "server:\n  trusted_proxies: [edge.internal]\n"},
		{"bad bucket", "rate_limits:\n  admin:\n    max_requests: 0\n    window: 1m\n"},
	}
	for _, tt := range tests {
		if _, err := Load(writeFile(t, tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}
