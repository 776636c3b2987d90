package pipeline

import (
	"errors"
	"time"

	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
)

type Config struct {
	// RunTimeout bounds the working states of a run. Zero disables it.
	RunTimeout time.Duration
	// CleanupRetries is the number of retries after the first cleanup attempt.
	CleanupRetries int
	CleanupBackoff time.Duration
	// FinalizeTimeout bounds cleanup, result recording and notification,
	// which run detached from the caller's context.
	FinalizeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CleanupRetries:  3,
		CleanupBackoff:  2 * time.Second,
		FinalizeTimeout: 2 * time.Minute,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	timeout, err := env.Duration("SHEETSYNC_RUN_TIMEOUT", def.RunTimeout)
	if err != nil {
		return Config{}, err
	}
	retries, err := env.Int("SHEETSYNC_CLEANUP_RETRIES", def.CleanupRetries)
	if err != nil {
		return Config{}, err
	}
	pause, err := env.Duration("SHEETSYNC_CLEANUP_BACKOFF", def.CleanupBackoff)
	if err != nil {
		return Config{}, err
	}
	finalize, err := env.Duration("SHEETSYNC_FINALIZE_TIMEOUT", def.FinalizeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{RunTimeout: timeout, CleanupRetries: retries, CleanupBackoff: pause, FinalizeTimeout: finalize}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RunTimeout < 0 {
		return errors.New("SHEETSYNC_RUN_TIMEOUT must not be negative")
	}
	if c.CleanupRetries < 0 {
		return errors.New("SHEETSYNC_CLEANUP_RETRIES must not be negative")
	}
	if c.CleanupBackoff < 0 {
		return errors.New("SHEETSYNC_CLEANUP_BACKOFF must not be negative")
	}
	if c.FinalizeTimeout <= 0 {
		return errors.New("SHEETSYNC_FINALIZE_TIMEOUT must be positive")
	}
	return nil
}
