package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id          string
	podID       string
	client      *ent.Client
	config      *config.QueueConfig
	runTimeout  time.Duration
	runExecutor RunExecutor
	pool        RunRegistry
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// RunRegistry is the subset of WorkerPool used by Worker for run
// registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, client *ent.Client, cfg *config.QueueConfig, runTimeout time.Duration, executor RunExecutor, pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		client:       client,
		config:       cfg,
		runTimeout:   runTimeout,
		runExecutor:  executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	activeCount, err := w.client.PipelineRun.Query().
		Where(pipelinerun.StatusEQ(pipelinerun.StatusProcessing)).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	// 2. Claim the next queued run.
	run, err := w.claimNextRun(ctx)
	if err != nil {
		return err
	}

	log := slog.With("run_id", run.ID, "source_id", run.SourceID, "worker_id", w.id)
	log.Info("Run claimed")

	w.setStatus(WorkerStatusWorking, run.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Run context with timeout; the coordinator's own timeout guard fires
	//    at the same bound and owns the terminal transition.
	runCtx, cancelRun := context.WithTimeout(ctx, w.runTimeout)
	defer cancelRun()

	// 4. Register cancel function for shutdown-triggered cancellation.
	w.pool.RegisterRun(run.ID, cancelRun)
	defer w.pool.UnregisterRun(run.ID)

	// 5. Start heartbeat.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	go w.runHeartbeat(heartbeatCtx, run.ID)

	// 6. Execute. The coordinator makes the terminal transition itself and
	//    reports the outcome in the result.
	result := w.runExecutor.Execute(runCtx, run)
	cancelHeartbeat()

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	if result == nil {
		log.Error("Executor returned nil result")
		return nil
	}
	log.Info("Run processing complete",
		"status", result.Status,
		"opportunities_processed", result.OpportunitiesProcessed,
		"failed_stage", result.FailedStage)
	return nil
}

// claimNextRun atomically claims the oldest queued run using
// FOR UPDATE SKIP LOCKED. The claim only stamps ownership; the coordinator
// performs the started→processing status transition.
func (w *Worker) claimNextRun(ctx context.Context) (*ent.PipelineRun, error) {
	tx, err := w.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := tx.PipelineRun.Query().
		Where(
			pipelinerun.StatusEQ(pipelinerun.StatusStarted),
			pipelinerun.PodIDIsNil(),
		).
		Order(ent.Asc(pipelinerun.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNoRunsAvailable
		}
		return nil, fmt.Errorf("failed to query queued run: %w", err)
	}

	run, err = run.Update().
		SetPodID(w.podID).
		SetLastHeartbeatAt(time.Now()).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return run, nil
}

// runHeartbeat periodically updates last_heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.PipelineRun.UpdateOneID(runID).
				SetLastHeartbeatAt(time.Now()).
				Exec(ctx); err != nil {
				slog.Warn("Heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
