package config

import (
	"os"
	"strconv"
	"time"
)

// QueueConfig contains queue and worker pool configuration.
// These values control how enqueued runs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int

	// MaxConcurrentRuns is the global limit of concurrent runs being
	// processed across ALL replicas. Enforced by a database COUNT(*) check.
	MaxConcurrentRuns int

	// PollInterval is the base interval for checking enqueued runs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// HeartbeatInterval is how often a worker refreshes last_heartbeat_at
	// on its active run.
	HeartbeatInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for active runs to
	// complete during shutdown.
	GracefulShutdownTimeout time.Duration

	// OrphanDetectionInterval is how often to scan for orphaned runs.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a run can go without a heartbeat before
	// it is considered orphaned.
	OrphanThreshold time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             3,
		MaxConcurrentRuns:       3,
		PollInterval:            2 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         30 * time.Minute,
	}
}

// LoadQueueConfigFromEnv loads queue configuration from environment
// variables, falling back to defaults.
func LoadQueueConfigFromEnv() *QueueConfig {
	cfg := DefaultQueueConfig()
	if v := os.Getenv("QUEUE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("QUEUE_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}
	return cfg
}
