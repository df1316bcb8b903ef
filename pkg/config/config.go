package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables recognized by FromEnv.
const (
	EnvPort          = "MONITOR_PORT"
	EnvStaleTimeout  = "MONITOR_TIMEOUT"
	EnvLongRunning   = "MONITOR_LONG_RUNNING"
	EnvNotifications = "MONITOR_NOTIFICATIONS"
	EnvDebug         = "MONITOR_DEBUG"
)

// Defaults for the aggregation engine.
const (
	DefaultPort                 = 41234
	DefaultStaleTimeout         = 120 * time.Second
	DefaultLongRunningThreshold = 10 * time.Minute
	DefaultRefreshInterval      = 5 * time.Second
	DefaultRequestTimeout       = 10 * time.Second
	DefaultBackoffBase          = 1 * time.Second
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxStreamAttempts    = 10
)

// Config holds all tunables of the aggregation engine
type Config struct {
	// Port is the UDP discovery port.
	Port int

	// StaleTimeout is how long a server may go without an announcement
	// before the sweeper removes it. Staleness is strict: a server aged
	// exactly StaleTimeout is not yet stale.
	StaleTimeout time.Duration

	// LongRunningThreshold marks sessions older than this as long-running.
	LongRunningThreshold time.Duration

	// RefreshInterval is the periodic snapshot reconciliation interval.
	RefreshInterval time.Duration

	// RequestTimeout bounds every backend HTTP request except the
	// event-stream subscription.
	RequestTimeout time.Duration

	// BackoffBase and BackoffCap shape the event-stream reconnect
	// schedule: min(BackoffBase * 2^attempt, BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxStreamAttempts is the consecutive-failure budget before an
	// event-stream supervisor gives up.
	MaxStreamAttempts int

	// Notifications reports whether desktop notifications are enabled.
	// The core does not dispatch them; presenters read this flag.
	Notifications bool

	// Debug enables verbose logging.
	Debug bool
}

// Default returns the configuration with all defaults applied
func Default() Config {
	return Config{
		Port:                 DefaultPort,
		StaleTimeout:         DefaultStaleTimeout,
		LongRunningThreshold: DefaultLongRunningThreshold,
		RefreshInterval:      DefaultRefreshInterval,
		RequestTimeout:       DefaultRequestTimeout,
		BackoffBase:          DefaultBackoffBase,
		BackoffCap:           DefaultBackoffCap,
		MaxStreamAttempts:    DefaultMaxStreamAttempts,
		Notifications:        true,
	}
}

// FromEnv builds the configuration from MONITOR_* environment variables.
// A .env file in the working directory is loaded first if present.
// Invalid values (non-integer, non-positive) silently fall back to
// defaults.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Default()

	if port, ok := positiveInt(os.Getenv(EnvPort)); ok && port < 65536 {
		cfg.Port = port
	}
	if secs, ok := positiveInt(os.Getenv(EnvStaleTimeout)); ok {
		cfg.StaleTimeout = time.Duration(secs) * time.Second
	}
	if mins, ok := positiveInt(os.Getenv(EnvLongRunning)); ok {
		cfg.LongRunningThreshold = time.Duration(mins) * time.Minute
	}
	if v := os.Getenv(EnvNotifications); v == "0" {
		cfg.Notifications = false
	}
	if os.Getenv(EnvDebug) == "1" {
		cfg.Debug = true
	}

	return cfg
}

// SweepInterval returns how often the stale-instance sweeper runs
func (c Config) SweepInterval() time.Duration {
	return c.StaleTimeout / 2
}

func positiveInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
