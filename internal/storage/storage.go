// Package storage holds job state records shared by the worker, the progress stream
// and the result handler.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"
)

// Storer defines the interface for job storage operations.
type Storer interface {
	CreateJob(ctx context.Context, job *entity.Job) error
	// GetJob returns a snapshot of the job.
	GetJob(ctx context.Context, id string) (entity.Job, error)
	GetJobs(ctx context.Context) ([]entity.Job, error)
	// UpdateJob applies fn to the stored job atomically with respect to other store calls.
	UpdateJob(ctx context.Context, id string, fn func(job *entity.Job) error) (entity.Job, error)
	// ClaimJob removes a done job and returns it. At most one caller wins.
	ClaimJob(ctx context.Context, id string) (entity.Job, error)
	DeleteJob(ctx context.Context, id string) error

	CleanupExpiredJobs(ctx context.Context, interval time.Duration)
}

// New creates the storage backend selected in cfg.Storage.Backend.
func New(log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) (Storer, error) {
	switch cfg.Storage.Backend {
	case consts.StorageMemory, "":
		return NewMemory(log, cfg, metrics), nil
	case consts.StorageRedis:
		return NewRedis(log, cfg, metrics)
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownStorageBackend, cfg.Storage.Backend)
	}
}

type memory struct {
	log     *slog.Logger
	cfg     *config.Config
	metrics *observability.Metrics

	mu   sync.RWMutex
	jobs map[string]*entity.Job // job ID : job
}

// NewMemory creates a new in-memory storage instance.
func NewMemory(log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) Storer {
	return &memory{
		log:     log.With(slog.String("package", "storage"), slog.String("backend", consts.StorageMemory)),
		cfg:     cfg,
		metrics: metrics,
		jobs:    make(map[string]*entity.Job),
	}
}

func (stg *memory) CreateJob(ctx context.Context, job *entity.Job) error {
	if job == nil {
		return errs.ErrJobNil
	}

	if job.ID == "" {
		return errs.ErrJobIDEmpty
	}

	stg.mu.Lock()
	defer stg.mu.Unlock()

	if _, exists := stg.jobs[job.ID]; exists {
		return errs.ErrJobAlreadyExists
	}

	stored := job.Clone()
	stg.jobs[job.ID] = &stored
	stg.metrics.SetStoredJobs(len(stg.jobs))

	stg.log.DebugContext(ctx, "job stored", slog.Any("job", stored))

	return nil
}

func (stg *memory) GetJob(_ context.Context, id string) (entity.Job, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	job, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	return job.Clone(), nil
}

func (stg *memory) GetJobs(_ context.Context) ([]entity.Job, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	if len(stg.jobs) == 0 {
		return nil, errs.ErrNoJobs
	}

	jobs := make([]entity.Job, 0, len(stg.jobs))
	for _, job := range stg.jobs {
		jobs = append(jobs, job.Clone())
	}

	return jobs, nil
}

func (stg *memory) UpdateJob(ctx context.Context, id string, fn func(job *entity.Job) error) (entity.Job, error) {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	job, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	// fn works on a copy so a failed update leaves the record untouched.
	draft := job.Clone()
	if err := fn(&draft); err != nil {
		return job.Clone(), err
	}

	stg.jobs[id] = &draft

	stg.log.DebugContext(ctx, "job updated", slog.Any("job", draft))

	return draft.Clone(), nil
}

func (stg *memory) ClaimJob(ctx context.Context, id string) (entity.Job, error) {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	job, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	if job.Status != entity.JobStatusDone {
		return entity.Job{}, errs.ErrJobNotReady
	}

	delete(stg.jobs, id)
	stg.metrics.SetStoredJobs(len(stg.jobs))

	stg.log.DebugContext(ctx, "job claimed", slog.String("job_id", id))

	return *job, nil
}

func (stg *memory) DeleteJob(ctx context.Context, id string) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	if _, ok := stg.jobs[id]; !ok {
		return errs.ErrJobNotFound
	}

	delete(stg.jobs, id)
	stg.metrics.SetStoredJobs(len(stg.jobs))

	stg.log.DebugContext(ctx, "job deleted", slog.String("job_id", id))

	return nil
}
