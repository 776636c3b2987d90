package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
)

type Config struct {
	// Interval is the tick cadence of Run.
	Interval time.Duration
	// Lookback is how far before a tick a fire time may lie and still count.
	Lookback time.Duration
	// Location is used for cron expressions without CRON_TZ and for active
	// window dates.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{Interval: time.Minute, Lookback: time.Minute, Location: time.UTC}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	interval, err := env.Duration("SHEETSYNC_SCHEDULER_INTERVAL", def.Interval)
	if err != nil {
		return Config{}, err
	}
	lookback, err := env.Duration("SHEETSYNC_SCHEDULER_LOOKBACK", def.Lookback)
	if err != nil {
		return Config{}, err
	}
	loc, err := time.LoadLocation(env.String("SHEETSYNC_SCHEDULER_TZ", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("SHEETSYNC_SCHEDULER_TZ: %w", err)
	}
	cfg := Config{Interval: interval, Lookback: lookback, Location: loc}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("SHEETSYNC_SCHEDULER_INTERVAL must be positive")
	}
	if c.Lookback <= 0 {
		return errors.New("SHEETSYNC_SCHEDULER_LOOKBACK must be positive")
	}
	return nil
}
