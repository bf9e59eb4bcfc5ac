package scheduler

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Config bounds the executor.
type Config struct {
	Workers      int           // global cap on in-flight jobs (W)
	PerUser      int           // per-user cap on in-flight jobs (U), at most Workers
	JobTimeout   time.Duration // per-attempt execution bound
	MaxAttempts  int           // total attempts for transient failures
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration // fallback scan of the job table
	BatchSize    int           // runnable rows fetched per scan
	DrainTimeout time.Duration // how long Run waits for in-flight jobs on shutdown
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PerUser:      2,
		JobTimeout:   60 * time.Second,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   30 * time.Second,
		PollInterval: 2 * time.Second,
		BatchSize:    64,
		DrainTimeout: 30 * time.Second,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("scheduler: workers must be >= 1, got %d", c.Workers)
	case c.PerUser < 1 || c.PerUser > c.Workers:
		return fmt.Errorf("scheduler: per-user cap must be in 1..%d, got %d", c.Workers, c.PerUser)
	case c.JobTimeout <= 0:
		return fmt.Errorf("scheduler: job timeout must be positive")
	case c.MaxAttempts < 1:
		return fmt.Errorf("scheduler: max attempts must be >= 1, got %d", c.MaxAttempts)
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("scheduler: backoff must satisfy 0 < base <= max")
	case c.PollInterval <= 0:
		return fmt.Errorf("scheduler: poll interval must be positive")
	case c.BatchSize < 1:
		return fmt.Errorf("scheduler: batch size must be >= 1")
	}
	return nil
}

// backoff returns the wait before the attempt following the attempts-th one:
// base, 2*base, 4*base ... capped at BackoffMax.
func (c Config) backoff(attempts int) time.Duration {
	b := retry.WithCappedDuration(c.BackoffMax, retry.NewExponential(c.BackoffBase))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d, _ = b.Next()
	}
	return d
}
