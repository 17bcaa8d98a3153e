// Package queue provides run queue management and processing infrastructure.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no queued runs are waiting.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates the global concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// RunExecutor processes one claimed run end to end. The executor owns the
// run lifecycle: stage execution, bookkeeping, and the terminal transition
// all happen inside. The worker only handles claiming, the heartbeat, and
// health tracking.
type RunExecutor interface {
	Execute(ctx context.Context, run *ent.PipelineRun) *pipeline.Result
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
