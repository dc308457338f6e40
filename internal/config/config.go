// Package config resolves daemon and CLI settings: built-in defaults, then
// an optional YAML file, then PHX_* environment variables, last one wins.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Bboy9090/PhoenixCore/pkg/report"
)

type Config struct {
	Bind              string
	ReportDir         string
	RunIndexPath      string
	LockDir           string
	AuditPath         string
	TokenTTL          time.Duration
	SigningKeyFile    string
	SigningPassphrase string
	ChunkSize         int64 // 0 means the imaging default
	LogLevel          zerolog.Level
	VerifySchedule    string // cron spec with seconds; empty disables the auditor
	MetricsEnabled    bool
}

type fileConfig struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	Reports struct {
		Dir   string `yaml:"dir"`
		Index string `yaml:"index"`
	} `yaml:"reports"`
	Safety struct {
		LockDir  string `yaml:"lockDir"`
		Audit    string `yaml:"audit"`
		TokenTTL string `yaml:"tokenTTL"`
	} `yaml:"safety"`
	Signing struct {
		KeyFile    string `yaml:"keyFile"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"signing"`
	Imaging struct {
		ChunkSize int64 `yaml:"chunkSize"`
	} `yaml:"imaging"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Verify struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"verify"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// FromEnv loads config without an explicit file path; PHX_CONFIG may still
// point at one.
func FromEnv() Config {
	return Load(os.Getenv("PHX_CONFIG"))
}

// Load resolves the effective configuration. A missing or unreadable file
// falls back to defaults; bad individual values are ignored rather than
// fatal, so a stale config never bricks the bench tooling.
func Load(path string) Config {
	cfg := Config{
		Bind:           "127.0.0.1:9811",
		ReportDir:      "/var/lib/phoenix/reports",
		LockDir:        "/run/phoenix/locks",
		AuditPath:      "/var/log/phoenix/audit.jsonl",
		TokenTTL:       15 * time.Minute,
		LogLevel:       zerolog.InfoLevel,
		MetricsEnabled: true,
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if yaml.Unmarshal(data, &fc) == nil {
				applyString(&cfg.Bind, fc.HTTP.Bind)
				applyString(&cfg.ReportDir, fc.Reports.Dir)
				applyString(&cfg.RunIndexPath, fc.Reports.Index)
				applyString(&cfg.LockDir, fc.Safety.LockDir)
				applyString(&cfg.AuditPath, fc.Safety.Audit)
				applyDuration(&cfg.TokenTTL, fc.Safety.TokenTTL)
				applyString(&cfg.SigningKeyFile, fc.Signing.KeyFile)
				applyString(&cfg.SigningPassphrase, fc.Signing.Passphrase)
				if fc.Imaging.ChunkSize > 0 {
					cfg.ChunkSize = fc.Imaging.ChunkSize
				}
				applyLevel(&cfg.LogLevel, fc.Logging.Level)
				applyString(&cfg.VerifySchedule, fc.Verify.Schedule)
				if fc.Metrics.Enabled != nil {
					cfg.MetricsEnabled = *fc.Metrics.Enabled
				}
			}
		}
	}

	applyString(&cfg.Bind, os.Getenv("PHX_HTTP_BIND"))
	applyString(&cfg.ReportDir, os.Getenv("PHX_REPORT_DIR"))
	applyString(&cfg.RunIndexPath, os.Getenv("PHX_RUN_INDEX"))
	applyString(&cfg.LockDir, os.Getenv("PHX_LOCK_DIR"))
	applyString(&cfg.AuditPath, os.Getenv("PHX_AUDIT_LOG"))
	applyDuration(&cfg.TokenTTL, os.Getenv("PHX_TOKEN_TTL"))
	applyString(&cfg.SigningKeyFile, os.Getenv("PHX_SIGNING_KEY_FILE"))
	applyString(&cfg.SigningPassphrase, os.Getenv("PHX_SIGNING_PASSPHRASE"))
	if v := os.Getenv("PHX_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	applyLevel(&cfg.LogLevel, os.Getenv("PHX_LOG"))
	applyString(&cfg.VerifySchedule, os.Getenv("PHX_VERIFY_SCHEDULE"))
	if v := os.Getenv("PHX_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}

	if cfg.RunIndexPath == "" {
		cfg.RunIndexPath = filepath.Join(cfg.ReportDir, "runs.db")
	}
	return cfg
}

// SigningKey resolves the bench signing key: key file, then the raw
// PHX_SIGNING_KEY variable, then passphrase derivation. A bench with none
// configured seals bundles unsigned.
func (c Config) SigningKey() ([]byte, error) {
	key, err := report.LoadKey(c.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	if key == nil && c.SigningPassphrase != "" {
		key = report.DeriveKey(c.SigningPassphrase)
	}
	return key, nil
}

// NewLogger builds the root logger: console output on a terminal, JSON
// lines otherwise. Components derive their own child loggers from it.
func NewLogger(cfg Config) zerolog.Logger {
	var w io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Logger()
}

func applyString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func applyLevel(dst *zerolog.Level, v string) {
	if v == "" {
		return
	}
	if l, err := zerolog.ParseLevel(v); err == nil {
		*dst = l
	}
}
