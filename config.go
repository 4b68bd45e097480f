package finetune

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/viper"
)

// SetViperDefaults sets the process-wide configuration defaults. Values can
// be overridden through the environment with the FINETUNE_ prefix
// (e.g. FINETUNE_CROSSFADE_MS=100).
func SetViperDefaults() {
	viper.SetDefault("crossfade_ms", 0) // non-positive falls back to the 50 ms default
	viper.SetDefault("ready_timeout_ms", 2000)
	viper.SetDefault("crossfade_grace_ms", 250)
	viper.SetDefault("poll_interval_ms", 1000)
	viper.SetDefault("loglevel", "info")
}

// Config holds the engine's tunables.
type Config struct {
	// CrossfadeOverride replaces the default 50 ms crossfade duration when
	// positive. Exists for testing and tuning.
	CrossfadeOverride time.Duration

	// ReadyTimeout bounds the wait for an aggregate device to become ready
	// during tap activation.
	ReadyTimeout time.Duration

	// CrossfadeGrace extends the crossfade duration to form the completion
	// timeout.
	CrossfadeGrace time.Duration

	// PollInterval is the process monitor's base polling cadence.
	PollInterval time.Duration

	// LogLevel is one of "none", "error", "warn", "info", "debug".
	LogLevel string
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Second
	}
	if c.CrossfadeGrace <= 0 {
		c.CrossfadeGrace = 250 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// LoadConfig reads the configuration from viper (defaults plus environment).
func LoadConfig() Config {
	SetViperDefaults()
	viper.SetEnvPrefix("FINETUNE")
	viper.AutomaticEnv()

	ms := func(key string) time.Duration {
		return time.Duration(viper.GetInt(key)) * time.Millisecond
	}

	cfg := Config{
		ReadyTimeout:   ms("ready_timeout_ms"),
		CrossfadeGrace: ms("crossfade_grace_ms"),
		PollInterval:   ms("poll_interval_ms"),
		LogLevel:       viper.GetString("loglevel"),
	}
	if override := ms("crossfade_ms"); override > 0 {
		cfg.CrossfadeOverride = override
	}
	return cfg.withDefaults()
}

// ConfigureLogger builds a slog logger for the given level and installs it as
// the default. "none" disables logging entirely.
func ConfigureLogger(logLevel string) (*slog.Logger, error) {
	var opts slog.HandlerOptions
	switch logLevel {
	case "none":
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		slog.SetDefault(log)
		return log, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, errors.New("unexpected log level")
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &opts))
	slog.SetDefault(log)
	return log, nil
}
