// Package config loads process settings from the environment and the
// governance policy (invariant rules plus gate settings) from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/lock"
)

// #region env
// Env holds the SOULSEED_* process settings.
type Env struct {
	Root            string        `env:"SOULSEED_ROOT"             envDefault:"./persona"`
	Policy          string        `env:"SOULSEED_POLICY"`
	LockTimeout     time.Duration `env:"SOULSEED_LOCK_TIMEOUT"     envDefault:"10s"`
	LockPoll        time.Duration `env:"SOULSEED_LOCK_POLL"        envDefault:"50ms"`
	LockTTL         time.Duration `env:"SOULSEED_LOCK_TTL"         envDefault:"30s"`
	TraceIndex      string        `env:"SOULSEED_TRACE_INDEX"`
	LogLevel        string        `env:"SOULSEED_LOG_LEVEL"        envDefault:"info"`
	LogFile         string        `env:"SOULSEED_LOG_FILE"`
	MetricsTextfile string        `env:"SOULSEED_METRICS_TEXTFILE"`
}

// DefaultEnv returns the settings used when no variable is set.
func DefaultEnv() Env {
	lc := lock.DefaultConfig()
	return Env{
		Root:        "./persona",
		LockTimeout: lc.Timeout,
		LockPoll:    lc.PollInterval,
		LockTTL:     lc.TTL,
		LogLevel:    "info",
	}
}

// LoadEnv parses the environment. On a malformed variable it returns the
// defaults together with the parse error.
func LoadEnv() (Env, error) {
	var cfg Env
	if err := env.Parse(&cfg); err != nil {
		return DefaultEnv(), fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LockConfig converts the lock settings.
func (e Env) LockConfig() lock.Config {
	return lock.Config{TTL: e.LockTTL, PollInterval: e.LockPoll, Timeout: e.LockTimeout}
}

// SlogLevel maps LogLevel to a slog level; unknown names mean info.
func (e Env) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(e.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// #endregion env
