package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/report"
)

func TestDefaults(t *testing.T) {
	cfg := Load("")
	if cfg.Bind != "127.0.0.1:9811" {
		t.Fatalf("bind = %q", cfg.Bind)
	}
	if cfg.ReportDir != "/var/lib/phoenix/reports" {
		t.Fatalf("report dir = %q", cfg.ReportDir)
	}
	if cfg.RunIndexPath != filepath.Join(cfg.ReportDir, "runs.db") {
		t.Fatalf("index path not derived: %q", cfg.RunIndexPath)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("token ttl = %v", cfg.TokenTTL)
	}
	if cfg.LogLevel != zerolog.InfoLevel {
		t.Fatalf("level = %v", cfg.LogLevel)
	}
	if !cfg.MetricsEnabled {
		t.Fatal("metrics should default on")
	}
	if cfg.ChunkSize != 0 {
		t.Fatalf("chunk size = %d, want the imaging default marker", cfg.ChunkSize)
	}
}

func TestYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte("" +
		"http:\n  bind: 127.0.0.1:9999\n" +
		"reports:\n  dir: /mnt/evidence\n  index: /mnt/evidence/idx.db\n" +
		"safety:\n  lockDir: /tmp/locks\n  audit: /tmp/audit.jsonl\n  tokenTTL: 5m\n" +
		"imaging:\n  chunkSize: 1048576\n" +
		"logging:\n  level: debug\n" +
		"verify:\n  schedule: \"0 30 2 * * *\"\n" +
		"metrics:\n  enabled: false\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load(cfgPath)
	if cfg.Bind != "127.0.0.1:9999" {
		t.Fatalf("bind from yaml: %s", cfg.Bind)
	}
	if cfg.ReportDir != "/mnt/evidence" || cfg.RunIndexPath != "/mnt/evidence/idx.db" {
		t.Fatalf("reports from yaml: %s %s", cfg.ReportDir, cfg.RunIndexPath)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("ttl from yaml: %v", cfg.TokenTTL)
	}
	if cfg.ChunkSize != 1048576 {
		t.Fatalf("chunk size from yaml: %d", cfg.ChunkSize)
	}
	if cfg.LogLevel.String() != "debug" {
		t.Fatalf("loglevel from yaml: %s", cfg.LogLevel)
	}
	if cfg.VerifySchedule != "0 30 2 * * *" {
		t.Fatalf("schedule from yaml: %q", cfg.VerifySchedule)
	}
	if cfg.MetricsEnabled {
		t.Fatal("metrics should be off from yaml")
	}

	t.Setenv("PHX_HTTP_BIND", "0.0.0.0:8080")
	t.Setenv("PHX_REPORT_DIR", "/srv/evidence")
	t.Setenv("PHX_TOKEN_TTL", "90s")
	t.Setenv("PHX_CHUNK_SIZE", "4194304")
	t.Setenv("PHX_LOG", "warn")
	t.Setenv("PHX_METRICS", "1")

	cfg2 := Load(cfgPath)
	if cfg2.Bind != "0.0.0.0:8080" {
		t.Fatalf("bind env override: %s", cfg2.Bind)
	}
	if cfg2.ReportDir != "/srv/evidence" {
		t.Fatalf("report dir env override: %s", cfg2.ReportDir)
	}
	if cfg2.RunIndexPath != "/mnt/evidence/idx.db" {
		t.Fatalf("index should keep the yaml value: %s", cfg2.RunIndexPath)
	}
	if cfg2.TokenTTL != 90*time.Second {
		t.Fatalf("ttl env override: %v", cfg2.TokenTTL)
	}
	if cfg2.ChunkSize != 4194304 {
		t.Fatalf("chunk size env override: %d", cfg2.ChunkSize)
	}
	if cfg2.LogLevel.String() != "warn" {
		t.Fatalf("log env override: %s", cfg2.LogLevel)
	}
	if !cfg2.MetricsEnabled {
		t.Fatal("metrics should be re-enabled by env")
	}
}

func TestLoadIgnoresBadValues(t *testing.T) {
	t.Setenv("PHX_TOKEN_TTL", "not-a-duration")
	t.Setenv("PHX_CHUNK_SIZE", "-5")
	t.Setenv("PHX_LOG", "shouting")
	cfg := Load("")
	if cfg.TokenTTL != 15*time.Minute || cfg.ChunkSize != 0 || cfg.LogLevel != zerolog.InfoLevel {
		t.Fatalf("bad values leaked in: %+v", cfg)
	}
}

func TestSigningKeyResolution(t *testing.T) {
	t.Setenv(report.SigningKeyEnv, "")
	cfg := Load("")
	key, err := cfg.SigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if key != nil {
		t.Fatalf("unconfigured bench should have no key, got %d bytes", len(key))
	}

	cfg.SigningPassphrase = "correct horse battery staple"
	key, err = cfg.SigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != report.KeySize {
		t.Fatalf("derived key length = %d", len(key))
	}

	keyPath := filepath.Join(t.TempDir(), "bench.key")
	if err := os.WriteFile(keyPath, []byte("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.SigningKeyFile = keyPath
	key, err = cfg.SigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != report.KeySize || key[0] != 0x00 || key[31] != 0x1f {
		t.Fatalf("key from file = %x", key)
	}
}
