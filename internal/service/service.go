// Package service runs batch jobs: one worker goroutine per job drives the downloader
// over every URL, packs the results and records progress in the job store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"songzip/internal/archive"
	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/downloader"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"
	"songzip/internal/storage"
	"songzip/pkg/gen"
	"songzip/pkg/ptr"
	"songzip/pkg/urls"
)

// Job manages batch jobs.
type Job interface {
	// Start binds workers to ctx. Cancelling ctx cancels every running job.
	Start(ctx context.Context)
	Submit(ctx context.Context, rawURLs []string) (entity.Job, error)

	Get(ctx context.Context, id string) (entity.Job, error)
	List(ctx context.Context) ([]entity.Job, error)
	Cancel(ctx context.Context, id string) (entity.Job, error)

	// ClaimResult hands a done job to exactly one caller, who must Release it.
	ClaimResult(ctx context.Context, id string) (entity.Job, error)
	Release(ctx context.Context, job entity.Job)

	// Wait blocks until every worker has returned.
	Wait()
}

var _ Job = (*job)(nil)

type job struct {
	log        *slog.Logger
	cfg        *config.Config
	downloader downloader.Downloader
	storer     storage.Storer
	metrics    *observability.Metrics

	rootCtx   context.Context //nolint:containedctx
	startOnce sync.Once
	started   atomic.Bool
	sem       chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc // job ID : worker cancel
}

// New creates the job service.
func New(
	cfg *config.Config,
	log *slog.Logger,
	dl downloader.Downloader,
	storer storage.Storer,
	metrics *observability.Metrics,
) Job {
	svc := &job{
		log:        log.With(slog.String("package", "service")),
		cfg:        cfg,
		downloader: dl,
		storer:     storer,
		metrics:    metrics,
		rootCtx:    context.Background(),
		cancels:    make(map[string]context.CancelCauseFunc),
	}

	if cfg.Job.MaxConcurrent > 0 {
		svc.sem = make(chan struct{}, cfg.Job.MaxConcurrent)
	}

	return svc
}

func (svc *job) Start(ctx context.Context) {
	svc.startOnce.Do(func() {
		svc.rootCtx = ctx
		svc.started.Store(true)

		svc.log.InfoContext(ctx, "job service started",
			slog.Int("max_concurrent", svc.cfg.Job.MaxConcurrent),
			slog.Duration("timeout", svc.cfg.Job.Timeout))
	})
}

func (svc *job) Submit(ctx context.Context, rawURLs []string) (entity.Job, error) {
	if !svc.started.Load() {
		return entity.Job{}, errs.ErrServiceNotStarted
	}

	if svc.rootCtx.Err() != nil {
		return entity.Job{}, errs.ErrServiceClosed
	}

	normalized, err := svc.validate(rawURLs)
	if err != nil {
		return entity.Job{}, err
	}

	dir, err := os.MkdirTemp(svc.cfg.Dir.Temp, consts.TempDirPrefix)
	if err != nil {
		return entity.Job{}, fmt.Errorf("create job dir: %w", err)
	}

	ttl := svc.cfg.Storage.TTL
	if ttl <= 0 {
		ttl = consts.DefaultJobTTL
	}

	now := time.Now()
	newJob := &entity.Job{
		ID:        gen.NewID(),
		URLs:      normalized,
		Status:    entity.JobStatusStarting,
		Videos:    map[string]entity.Video{},
		WorkDir:   dir,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := svc.storer.CreateJob(ctx, newJob); err != nil {
		svc.removeDir(ctx, dir)

		return entity.Job{}, fmt.Errorf("store job: %w", err)
	}

	svc.metrics.RecordJobCreated()

	jobCtx, cancel := context.WithCancelCause(svc.rootCtx)

	svc.mu.Lock()
	svc.cancels[newJob.ID] = cancel
	svc.mu.Unlock()

	svc.wg.Go(func() {
		svc.run(jobCtx, newJob.ID, newJob.URLs, dir)
	})

	svc.log.InfoContext(ctx, "job submitted", slog.Any("job", newJob))

	return newJob.Clone(), nil
}

func (svc *job) validate(rawURLs []string) ([]string, error) {
	if len(rawURLs) == 0 {
		return nil, errs.ErrNoURLs
	}

	if svc.cfg.Job.MaxURLs > 0 && len(rawURLs) > svc.cfg.Job.MaxURLs {
		return nil, fmt.Errorf("%w: %d > %d", errs.ErrTooManyURLs, len(rawURLs), svc.cfg.Job.MaxURLs)
	}

	normalized := make([]string, 0, len(rawURLs))

	for _, raw := range rawURLs {
		u := urls.Normalize(raw)
		if !urls.IsURLValid(u) {
			return nil, fmt.Errorf("%w: %q", errs.ErrInvalidURL, raw)
		}

		normalized = append(normalized, u)
	}

	return normalized, nil
}

func (svc *job) Get(ctx context.Context, id string) (entity.Job, error) {
	return svc.storer.GetJob(ctx, id)
}

func (svc *job) List(ctx context.Context) ([]entity.Job, error) {
	jobs, err := svc.storer.GetJobs(ctx)
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, errs.ErrNoJobs
	}

	return jobs, nil
}

// Cancel marks the job cancelled so streams end, then stops its worker.
func (svc *job) Cancel(ctx context.Context, id string) (entity.Job, error) {
	cancelled, err := svc.storer.UpdateJob(ctx, id, func(job *entity.Job) error {
		if !job.Advance(entity.JobStatusCancelled, time.Now()) {
			return errs.ErrJobFinished
		}

		job.Current = nil
		job.Error = errs.ErrJobCancelled.Error()

		return nil
	})
	if err != nil {
		return cancelled, err
	}

	svc.mu.Lock()
	cancel, ok := svc.cancels[id]
	svc.mu.Unlock()

	if ok {
		cancel(errs.ErrJobCancelled)
	}

	svc.log.InfoContext(ctx, "job cancelled", slog.String("job_id", id), slog.Bool("local_worker", ok))

	return cancelled, nil
}

func (svc *job) ClaimResult(ctx context.Context, id string) (entity.Job, error) {
	return svc.storer.ClaimJob(ctx, id)
}

func (svc *job) Release(ctx context.Context, claimed entity.Job) {
	svc.removeDir(ctx, claimed.WorkDir)
}

func (svc *job) Wait() {
	svc.wg.Wait()
}

func (svc *job) run(ctx context.Context, id string, jobURLs []string, dir string) {
	log := svc.log.With(slog.String("job_id", id))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	defer func() {
		svc.mu.Lock()
		delete(svc.cancels, id)
		svc.mu.Unlock()
	}()

	if svc.sem != nil {
		select {
		case svc.sem <- struct{}{}:
			defer func() { <-svc.sem }()
		case <-ctx.Done():
			svc.finish(ctx, log, id, dir, context.Cause(ctx))

			return
		}
	}

	if svc.cfg.Job.Timeout > 0 {
		var cancelTimeout context.CancelFunc

		ctx, cancelTimeout = context.WithTimeout(ctx, svc.cfg.Job.Timeout)
		defer cancelTimeout()
	}

	defer svc.metrics.JobTimer()()

	err := svc.process(ctx, log, id, jobURLs, dir, cancel)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	svc.finish(ctx, log, id, dir, err)
}

func (svc *job) process(
	ctx context.Context,
	log *slog.Logger,
	id string,
	jobURLs []string,
	dir string,
	abort context.CancelCauseFunc,
) error {
	_, err := svc.storer.UpdateJob(ctx, id, func(job *entity.Job) error {
		if !job.Advance(entity.JobStatusDownloading, time.Now()) {
			return errs.ErrJobFinished
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	for idx, rawURL := range jobURLs {
		log.InfoContext(ctx, "downloading", slog.Int("item", idx+1), slog.Int("items", len(jobURLs)), slog.String("url", rawURL))

		var downloaded atomic.Int64

		err := svc.downloader.Download(ctx, rawURL, dir, svc.progressFn(id, &downloaded, abort))
		if err != nil {
			return fmt.Errorf("download %s: %w", rawURL, err)
		}

		svc.metrics.RecordVideoDownloaded(int(downloaded.Load()))
	}

	zipPath := filepath.Join(dir, consts.ArchiveName)

	files, err := archive.ZipDir(ctx, dir, zipPath, svc.cfg.Audio.Codec)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	done, err := svc.storer.UpdateJob(ctx, id, func(job *entity.Job) error {
		if !job.Finish(zipPath, time.Now()) {
			return errs.ErrJobFinished
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	var size int64
	if info, err := os.Stat(zipPath); err == nil {
		size = info.Size()
	}

	svc.metrics.RecordJobCompleted(size)

	log.InfoContext(ctx, "job done", slog.Any("job", done), slog.Int("files", files), slog.Int64("archive_size", size))

	return nil
}

// progressFn records downloader progress in the store. A job that turned terminal
// behind the worker's back (cancelled from another instance, swept) aborts the worker.
func (svc *job) progressFn(id string, downloaded *atomic.Int64, abort context.CancelCauseFunc) downloader.ProgressFunc {
	return func(ctx context.Context, p downloader.Progress) {
		downloaded.Store(int64(p.Downloaded))

		_, err := svc.storer.UpdateJob(context.WithoutCancel(ctx), id, func(job *entity.Job) error {
			return applyProgress(job, p, time.Now())
		})

		switch {
		case err == nil:
		case errors.Is(err, errs.ErrJobFinished), errors.Is(err, errs.ErrJobNotFound):
			abort(errs.ErrJobCancelled)
		default:
			svc.log.WarnContext(ctx, "record progress", slog.String("job_id", id), slog.Any("error", err))
		}
	}
}

func applyProgress(job *entity.Job, p downloader.Progress, now time.Time) error {
	if job.Status.IsTerminal() {
		return errs.ErrJobFinished
	}

	if job.Videos == nil {
		job.Videos = map[string]entity.Video{}
	}

	video, seen := job.Videos[p.VideoID]
	if !seen {
		video.Status = entity.VideoStatusDownloading
	}

	if p.Title != "" {
		video.Title = p.Title
	}

	switch {
	case video.Status == entity.VideoStatusProcessing && p.Status == entity.VideoStatusDownloading:
		// late download tick after the transcode started
	case p.Downloaded > 0 || p.Status == entity.VideoStatusDownloading:
		video.Downloaded = p.Downloaded
		video.Total = p.Total
		video.Status = p.Status
	default:
		video.Status = p.Status
	}

	job.Videos[p.VideoID] = video

	job.Current = ptr.Of(p.VideoID)
	job.Advance(entity.JobStatusDownloading, now)
	job.UpdatedAt = now

	return nil
}

// finish records how the worker ended. err == nil means the job already is done.
func (svc *job) finish(ctx context.Context, log *slog.Logger, id, dir string, err error) {
	if err == nil {
		return
	}

	storeCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, errs.ErrJobCancelled), errors.Is(err, errs.ErrJobFinished), errors.Is(err, context.Canceled):
		_, updErr := svc.storer.UpdateJob(storeCtx, id, func(job *entity.Job) error {
			if job.Advance(entity.JobStatusCancelled, time.Now()) {
				job.Current = nil
				job.Error = errs.ErrJobCancelled.Error()
			}

			return nil
		})
		if updErr != nil && !errors.Is(updErr, errs.ErrJobNotFound) {
			log.WarnContext(storeCtx, "mark job cancelled", slog.Any("error", updErr))
		}

		svc.metrics.RecordJobCancelled()
		log.InfoContext(storeCtx, "job cancelled", slog.Any("cause", err))
	default:
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("job timed out after %s", svc.cfg.Job.Timeout)
		}

		_, updErr := svc.storer.UpdateJob(storeCtx, id, func(job *entity.Job) error {
			job.Fail(msg, time.Now())

			return nil
		})
		if updErr != nil {
			log.WarnContext(storeCtx, "mark job failed", slog.Any("error", updErr))
		}

		svc.metrics.RecordJobFailed()
		log.ErrorContext(storeCtx, "job failed", slog.Any("error", err))
	}

	svc.removeDir(storeCtx, dir)
}

func (svc *job) removeDir(ctx context.Context, dir string) {
	if err := storage.RemoveWorkDir(svc.cfg.Dir.Temp, dir); err != nil {
		svc.log.WarnContext(ctx, "remove job dir", slog.String("dir", dir), slog.Any("error", err))
	}
}
