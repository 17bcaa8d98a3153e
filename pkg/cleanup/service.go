// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/ent/rawresponse"
	"github.com/grantstream-io/grantstream/pkg/config"
)

// Service periodically enforces retention policies:
//   - Deletes terminal runs past their retention window (stages, paths, and
//     detection sessions cascade)
//   - Removes archived raw API responses past their TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	client *ent.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, client *ent.Client) *Service {
	return &Service{
		config: cfg,
		client: client,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.config.RunRetentionDays,
		"raw_response_ttl", s.config.RawResponseTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldRuns(ctx)
	s.deleteExpiredRawResponses(ctx)
}

// deleteOldRuns removes terminal runs older than the retention window.
// In-flight runs are never touched, however old; the orphan sweep owns those.
func (s *Service) deleteOldRuns(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)

	count, err := s.client.PipelineRun.Delete().
		Where(
			pipelinerun.StatusIn(pipelinerun.StatusCompleted, pipelinerun.StatusFailed),
			pipelinerun.CreatedAtLT(cutoff),
		).
		Exec(ctx)
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old runs", "count", count)
	}
}

func (s *Service) deleteExpiredRawResponses(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.RawResponseTTL)

	count, err := s.client.RawResponse.Delete().
		Where(rawresponse.CreatedAtLT(cutoff)).
		Exec(ctx)
	if err != nil {
		slog.Error("Retention: raw response cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired raw responses", "count", count)
	}
}
