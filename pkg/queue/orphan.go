package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically sweeps runs whose heartbeat went stale.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			swept, err := pipeline.CleanupOrphanedRuns(ctx, p.client, p.config.OrphanThreshold)
			if err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
			p.orphans.mu.Lock()
			p.orphans.lastOrphanScan = time.Now()
			p.orphans.orphansRecovered += swept
			p.orphans.mu.Unlock()
			if swept > 0 {
				slog.Warn("Orphaned runs recovered", "count", swept)
			}
		}
	}
}

// CleanupStartupOrphans performs a one-time cleanup of runs owned by this
// pod that were in flight when the pod previously crashed. Called once
// during startup, before the worker pool begins processing.
func CleanupStartupOrphans(ctx context.Context, client *ent.Client, podID string) error {
	orphaned, err := client.PipelineRun.Query().
		Where(
			pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
			pipelinerun.PodID(podID),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	if len(orphaned) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"pod_id", podID,
		"count", len(orphaned))

	now := time.Now().UTC()
	for _, run := range orphaned {
		err := run.Update().
			SetStatus(pipelinerun.StatusFailed).
			SetCompletedAt(now).
			SetErrorDetails(map[string]any{
				"category": string(pipeline.CategoryTimeout),
				"message":  fmt.Sprintf("orphaned: pod %s restarted while run was in flight", podID),
				"reason":   pipeline.OrphanReason,
			}).
			Exec(ctx)
		if err != nil {
			slog.Error("Failed to mark startup orphan",
				"run_id", run.ID,
				"error", err)
			continue
		}
		slog.Info("Startup orphan recovered", "run_id", run.ID)
	}

	return nil
}
