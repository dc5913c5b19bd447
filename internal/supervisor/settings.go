package supervisor

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/exthost/internal/config"
)

const (
	// DefaultMaxRestarts is how many consecutive crashes are tolerated
	// before the supervisor gives up.
	DefaultMaxRestarts = 5
	// DefaultRestartDelay is the pause before respawning a crashed worker.
	DefaultRestartDelay = time.Second
	// DefaultMaxRestartDelay caps the backoff delay.
	DefaultMaxRestartDelay = 30 * time.Second
	// DefaultShutdownTimeout bounds a graceful stop before the worker is
	// killed. It is longer than the worker's own grace period.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadyTimeout bounds the wait for the first ready message.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultSpawnAttempts is how often a failing spawn is retried.
	DefaultSpawnAttempts = 3
)

// Settings tunes the supervisor.
type Settings struct {
	MaxRestarts     int
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	Backoff         bool
	ShutdownTimeout time.Duration
	// ReadyTimeout of zero or less waits for ready without a bound.
	ReadyTimeout  time.Duration
	SpawnAttempts int
}

// DefaultSettings returns the built-in tuning.
func DefaultSettings() Settings {
	return Settings{
		MaxRestarts:     DefaultMaxRestarts,
		RestartDelay:    DefaultRestartDelay,
		MaxRestartDelay: DefaultMaxRestartDelay,
		ShutdownTimeout: DefaultShutdownTimeout,
		ReadyTimeout:    DefaultReadyTimeout,
		SpawnAttempts:   DefaultSpawnAttempts,
	}
}

// SettingsFromConfig layers the workspace supervisor section and EXTHOST_*
// environment overrides over the defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := DefaultSettings()
	if cfg != nil {
		raw := cfg.Supervisor
		if raw.MaxRestarts != nil {
			settings.MaxRestarts = *raw.MaxRestarts
		}
		if raw.RestartDelay > 0 {
			settings.RestartDelay = raw.RestartDelay
		}
		if raw.MaxRestartDelay > 0 {
			settings.MaxRestartDelay = raw.MaxRestartDelay
		}
		settings.Backoff = raw.Backoff
		if raw.ShutdownTimeout > 0 {
			settings.ShutdownTimeout = raw.ShutdownTimeout
		}
		if raw.ReadyTimeout != 0 {
			settings.ReadyTimeout = raw.ReadyTimeout
		}
	}
	settings.applyEnvOverrides()
	settings.normalize()
	return settings
}

func (s *Settings) applyEnvOverrides() {
	if s == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("EXTHOST_MAX_RESTARTS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			s.MaxRestarts = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("EXTHOST_RESTART_BACKOFF")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			s.Backoff = enabled
		}
	}
	envDuration("EXTHOST_RESTART_DELAY", &s.RestartDelay)
	envDuration("EXTHOST_MAX_RESTART_DELAY", &s.MaxRestartDelay)
	envDuration("EXTHOST_SHUTDOWN_TIMEOUT", &s.ShutdownTimeout)
	envDuration("EXTHOST_READY_TIMEOUT", &s.ReadyTimeout)
}

func envDuration(key string, target *time.Duration) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		*target = parsed
	}
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	if s.MaxRestarts < 0 {
		s.MaxRestarts = 0
	}
	if s.RestartDelay < 0 {
		s.RestartDelay = 0
	}
	if s.MaxRestartDelay <= 0 {
		s.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if s.MaxRestartDelay < s.RestartDelay {
		s.MaxRestartDelay = s.RestartDelay
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.SpawnAttempts <= 0 {
		s.SpawnAttempts = DefaultSpawnAttempts
	}
}

// Delay returns the pause before restart number attempt (zero based).
func (s Settings) Delay(attempt int) time.Duration {
	if !s.Backoff || attempt <= 0 || s.RestartDelay <= 0 {
		return s.RestartDelay
	}
	delay := s.RestartDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.MaxRestartDelay || delay <= 0 {
			return s.MaxRestartDelay
		}
	}
	return delay
}
