package storage_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"songzip/internal/config"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/storage"
	"songzip/pkg/gen"
)

func newTestStorer(t *testing.T) storage.Storer {
	t.Helper()

	cfg := &config.Config{
		Storage: config.Storage{Backend: "memory", CleanupInterval: time.Minute, TTL: time.Hour},
		Dir:     config.Dir{Temp: t.TempDir()},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	storer, err := storage.New(log, cfg, nil)
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}

	return storer
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := &config.Config{Storage: config.Storage{Backend: "etcd"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := storage.New(log, cfg, nil)
	if !errors.Is(err, errs.ErrUnknownStorageBackend) {
		t.Fatalf("expected ErrUnknownStorageBackend, got %v", err)
	}
}

func TestCreateGetJob(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	id := gen.NewID()

	if err := storer.CreateJob(ctx, &entity.Job{ID: id, Status: entity.JobStatusStarting}); err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}

	if err := storer.CreateJob(ctx, &entity.Job{ID: id}); !errors.Is(err, errs.ErrJobAlreadyExists) {
		t.Errorf("expected ErrJobAlreadyExists, got %v", err)
	}

	if err := storer.CreateJob(ctx, &entity.Job{}); !errors.Is(err, errs.ErrJobIDEmpty) {
		t.Errorf("expected ErrJobIDEmpty, got %v", err)
	}

	if err := storer.CreateJob(ctx, nil); !errors.Is(err, errs.ErrJobNil) {
		t.Errorf("expected ErrJobNil, got %v", err)
	}

	job, err := storer.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}

	if job.Status != entity.JobStatusStarting {
		t.Errorf("status = %s, want starting", job.Status)
	}

	if _, err := storer.GetJob(ctx, "missing"); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	jobs, err := storer.GetJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Errorf("GetJobs() = %d jobs, %v", len(jobs), err)
	}
}

func TestGetJobsEmpty(t *testing.T) {
	storer := newTestStorer(t)

	if _, err := storer.GetJobs(t.Context()); !errors.Is(err, errs.ErrNoJobs) {
		t.Fatalf("expected ErrNoJobs, got %v", err)
	}
}

func TestGetJobReturnsSnapshot(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	id := gen.NewID()
	_ = storer.CreateJob(ctx, &entity.Job{ID: id, Videos: map[string]entity.Video{}})

	snap, _ := storer.GetJob(ctx, id)
	snap.Videos["x"] = entity.Video{Title: "leak"}
	snap.Status = entity.JobStatusDone

	got, _ := storer.GetJob(ctx, id)
	if len(got.Videos) != 0 || got.Status == entity.JobStatusDone {
		t.Fatalf("snapshot mutation leaked into store: %+v", got)
	}
}

func TestUpdateJob(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	id := gen.NewID()
	_ = storer.CreateJob(ctx, &entity.Job{ID: id, Status: entity.JobStatusStarting})

	tests := []struct {
		name       string
		fn         func(job *entity.Job) error
		wantErr    error
		wantStatus entity.JobStatus
	}{
		{
			name: "advance to downloading",
			fn: func(job *entity.Job) error {
				job.Advance(entity.JobStatusDownloading, time.Now())
				job.Videos["v1"] = entity.Video{Title: "one", Status: entity.VideoStatusDownloading}

				return nil
			},
			wantStatus: entity.JobStatusDownloading,
		},
		{
			name: "failed update leaves record untouched",
			fn: func(job *entity.Job) error {
				job.Status = entity.JobStatusStarting
				job.Videos = nil

				return errs.ErrStatusRegression
			},
			wantErr:    errs.ErrStatusRegression,
			wantStatus: entity.JobStatusDownloading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storer.UpdateJob(ctx, id, tt.fn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateJob() error = %v, want %v", err, tt.wantErr)
			}

			job, _ := storer.GetJob(ctx, id)
			if job.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", job.Status, tt.wantStatus)
			}

			if _, ok := job.Videos["v1"]; !ok {
				t.Errorf("video v1 missing: %+v", job.Videos)
			}
		})
	}

	_, err := storer.UpdateJob(ctx, "missing", func(*entity.Job) error { return nil })
	if !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateJobConcurrent(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	id := gen.NewID()
	_ = storer.CreateJob(ctx, &entity.Job{ID: id})

	const writers = 50

	var wg sync.WaitGroup

	for range writers {
		wg.Go(func() {
			_, _ = storer.UpdateJob(ctx, id, func(job *entity.Job) error {
				v := job.Videos["v"]
				v.Downloaded++
				job.Videos["v"] = v

				return nil
			})
		})
	}

	wg.Wait()

	job, _ := storer.GetJob(ctx, id)
	if got := job.Videos["v"].Downloaded; got != writers {
		t.Fatalf("downloaded = %d, want %d", got, writers)
	}
}

func TestClaimJob(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	running := gen.NewID()
	done := gen.NewID()

	_ = storer.CreateJob(ctx, &entity.Job{ID: running, Status: entity.JobStatusDownloading})
	_ = storer.CreateJob(ctx, &entity.Job{ID: done, Status: entity.JobStatusDone, ZipPath: "/tmp/yt_x/songs.zip"})

	if _, err := storer.ClaimJob(ctx, "missing"); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	if _, err := storer.ClaimJob(ctx, running); !errors.Is(err, errs.ErrJobNotReady) {
		t.Errorf("expected ErrJobNotReady, got %v", err)
	}

	job, err := storer.ClaimJob(ctx, done)
	if err != nil {
		t.Fatalf("ClaimJob() failed: %v", err)
	}

	if job.ZipPath != "/tmp/yt_x/songs.zip" {
		t.Errorf("zip_path = %q", job.ZipPath)
	}

	if _, err := storer.ClaimJob(ctx, done); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("second claim: expected ErrJobNotFound, got %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	ctx := t.Context()
	storer := newTestStorer(t)

	id := gen.NewID()
	_ = storer.CreateJob(ctx, &entity.Job{ID: id})

	if err := storer.DeleteJob(ctx, id); err != nil {
		t.Fatalf("DeleteJob() failed: %v", err)
	}

	if err := storer.DeleteJob(ctx, id); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
