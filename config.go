package mongojobs

import "time"

// Config holds configuration for the engine and its workers.
type Config struct {
	// MaxConcurrency is the maximum number of jobs a worker executes at once.
	MaxConcurrency int

	// PollInterval bounds how long an idle worker waits before trying to
	// claim again when no notification arrives.
	PollInterval time.Duration

	// RefreshInterval is how often the consumer re-reads which queues hold
	// pending work. It is the catch-up path for missed notifications.
	RefreshInterval time.Duration

	// UseChangeFeed enables the store's push notifications. Workers still
	// make progress by polling when this is false or the feed is unavailable.
	UseChangeFeed bool

	// LockTimeout is how long a job may stay locked before the sweeper
	// considers its worker dead and releases it.
	LockTimeout time.Duration

	// UnlockInterval is how often the stuck-lock sweep runs.
	UnlockInterval time.Duration

	// DefaultMaxAttempts applies to handlers that do not declare their own.
	DefaultMaxAttempts int

	// DuplicateInFlightDelay is the fixed delay used to reschedule a job
	// whose running unique key is held by another executing job.
	DuplicateInFlightDelay time.Duration

	// ShutdownGrace is the default time Stop waits for in-flight jobs.
	ShutdownGrace time.Duration

	// MetricsInterval is how often per-queue gauges are reported.
	// Zero disables the snapshot.
	MetricsInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:         10,
		PollInterval:           5 * time.Second,
		RefreshInterval:        30 * time.Second,
		UseChangeFeed:          true,
		LockTimeout:            10 * time.Minute,
		UnlockInterval:         1 * time.Minute,
		DefaultMaxAttempts:     10,
		DuplicateInFlightDelay: 5 * time.Second,
		ShutdownGrace:          30 * time.Second,
		MetricsInterval:        1 * time.Minute,
	}
}
