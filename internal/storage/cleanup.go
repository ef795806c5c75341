package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"songzip/internal/entity"
)

// sweeper is the backend specific part of the expired job cleanup.
type sweeper interface {
	expiredJobs(ctx context.Context, now time.Time) ([]entity.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

func (stg *memory) CleanupExpiredJobs(ctx context.Context, interval time.Duration) {
	runCleanup(ctx, stg.log, interval, func(ctx context.Context) {
		performCleanup(ctx, stg.log, stg, stg.cfg.Dir.Temp, stg.metrics.RecordCleanup)
	})
}

func (stg *memory) expiredJobs(_ context.Context, now time.Time) ([]entity.Job, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	var expired []entity.Job

	for _, job := range stg.jobs {
		// running jobs are never swept; their worker owns the temp dir.
		if job.Status.IsTerminal() && job.ExpiresAt.Before(now) {
			expired = append(expired, job.Clone())
		}
	}

	return expired, nil
}

func runCleanup(ctx context.Context, log *slog.Logger, interval time.Duration, sweep func(ctx context.Context)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log = log.With(slog.String("action", "cleanup_expired_jobs"), slog.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			sweep(ctx)
		case <-ctx.Done():
			log.Info("cleanup expired jobs stopped")

			return
		}
	}
}

func performCleanup(ctx context.Context, log *slog.Logger, stg sweeper, tempRoot string, record func(jobs, dirs int)) {
	expired, err := stg.expiredJobs(ctx, time.Now())
	if err != nil {
		log.ErrorContext(ctx, "list expired jobs", slog.Any("error", err))

		return
	}

	if len(expired) == 0 {
		log.DebugContext(ctx, "no expired jobs found to clean up")

		return
	}

	log.InfoContext(ctx, "about to remove expired jobs", slog.Int("count", len(expired)))

	removedDirs := 0

	for _, job := range expired {
		if err := stg.DeleteJob(ctx, job.ID); err != nil {
			log.WarnContext(ctx, "delete expired job", slog.String("job_id", job.ID), slog.Any("error", err))

			continue
		}

		if err := RemoveWorkDir(tempRoot, job.WorkDir); err != nil {
			log.ErrorContext(ctx, "remove work dir", slog.String("job_id", job.ID), slog.Any("error", err))

			continue
		}

		removedDirs++

		log.DebugContext(ctx, "job cleaned up", slog.String("job_id", job.ID), slog.String("dir", job.WorkDir))
	}

	record(len(expired), removedDirs)
}

// RemoveWorkDir removes a job temp dir. It refuses paths outside tempRoot.
func RemoveWorkDir(tempRoot, dir string) error {
	if dir == "" {
		return nil
	}

	if !filepath.IsAbs(dir) {
		return fmt.Errorf("non-absolute work dir %q", dir)
	}

	rel, err := filepath.Rel(tempRoot, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("work dir %q is outside %q", dir, tempRoot)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove all: %w", err)
	}

	return nil
}
