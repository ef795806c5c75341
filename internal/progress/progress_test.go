package progress_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"songzip/internal/config"
	"songzip/internal/entity"
	"songzip/internal/progress"
	"songzip/internal/storage"
)

const interval = 400 * time.Millisecond

func newStore(t *testing.T) storage.Storer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return storage.NewMemory(log, &config.Config{Dir: config.Dir{Temp: t.TempDir()}}, nil)
}

func newNotifier(storer storage.Storer) *progress.Notifier {
	return progress.New(slog.New(slog.NewTextHandler(io.Discard, nil)), storer, nil, interval)
}

func TestStreamUntilDone(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		storer := newStore(t)

		if err := storer.CreateJob(ctx, &entity.Job{ID: "job", Status: entity.JobStatusDownloading}); err != nil {
			t.Fatal(err)
		}

		var got []progress.Snapshot

		start := time.Now()
		done := make(chan error, 1)

		go func() {
			done <- newNotifier(storer).Stream(ctx, "job", func(s progress.Snapshot) error {
				got = append(got, s)

				return nil
			})
		}()

		time.Sleep(interval*2 + interval/2)
		synctest.Wait()

		_, err := storer.UpdateJob(ctx, "job", func(job *entity.Job) error {
			job.Finish("/tmp/yt_1/songs.zip", time.Now())

			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if err := <-done; err != nil {
			t.Fatalf("Stream() failed: %v", err)
		}

		if len(got) != 4 {
			t.Fatalf("emitted %d snapshots, want 4", len(got))
		}

		if !got[0].Timestamp.Equal(start) {
			t.Errorf("first snapshot at %v, want immediately at %v", got[0].Timestamp, start)
		}

		for i := 1; i < len(got); i++ {
			if gap := got[i].Timestamp.Sub(got[i-1].Timestamp); gap != interval {
				t.Errorf("gap %d = %v, want %v", i, gap, interval)
			}
		}

		if last := got[len(got)-1]; last.Status != entity.JobStatusDone || last.ZipPath == "" {
			t.Errorf("last snapshot = %+v, want done with zip path", last.Job)
		}
	})
}

func TestStreamMissingJob(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0

		err := newNotifier(newStore(t)).Stream(t.Context(), "missing", func(progress.Snapshot) error {
			calls++

			return nil
		})
		if err != nil {
			t.Fatalf("Stream() error = %v, want nil", err)
		}

		if calls != 0 {
			t.Errorf("emitted %d snapshots for a missing job", calls)
		}
	})
}

func TestStreamEndsWhenJobDisappears(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		storer := newStore(t)

		if err := storer.CreateJob(ctx, &entity.Job{ID: "job", Status: entity.JobStatusStarting}); err != nil {
			t.Fatal(err)
		}

		calls := 0
		done := make(chan error, 1)

		go func() {
			done <- newNotifier(storer).Stream(ctx, "job", func(progress.Snapshot) error {
				calls++

				return nil
			})
		}()

		synctest.Wait()

		if err := storer.DeleteJob(ctx, "job"); err != nil {
			t.Fatal(err)
		}

		if err := <-done; err != nil {
			t.Fatalf("Stream() error = %v", err)
		}

		if calls != 1 {
			t.Errorf("emitted %d snapshots, want 1", calls)
		}
	})
}

func TestStreamClientGone(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		storer := newStore(t)

		if err := storer.CreateJob(t.Context(), &entity.Job{ID: "job", Status: entity.JobStatusDownloading}); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)

		go func() {
			done <- newNotifier(storer).Stream(ctx, "job", func(progress.Snapshot) error { return nil })
		}()

		time.Sleep(interval)
		cancel()

		if err := <-done; err != nil {
			t.Fatalf("Stream() error = %v, want nil", err)
		}
	})
}

func TestStreamEmitError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		storer := newStore(t)

		if err := storer.CreateJob(t.Context(), &entity.Job{ID: "job", Status: entity.JobStatusDownloading}); err != nil {
			t.Fatal(err)
		}

		errBroken := errors.New("broken pipe")

		err := newNotifier(storer).Stream(t.Context(), "job", func(progress.Snapshot) error { return errBroken })
		if !errors.Is(err, errBroken) {
			t.Fatalf("Stream() error = %v, want %v", err, errBroken)
		}
	})
}
