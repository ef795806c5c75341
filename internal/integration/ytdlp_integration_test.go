//go:build integration

package integration_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"songzip/internal/downloader"
	"songzip/internal/entity"
	"songzip/internal/errs"
)

type recorder struct {
	mu      sync.Mutex
	updates []downloader.Progress
}

func (r *recorder) fn(_ context.Context, p downloader.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, p)
}

func TestYTdlpDownloadWritesAudio(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()

	var rec recorder

	if err := fx.downloader.Download(t.Context(), "https://www.youtube.com/watch?v=gamma", dir, rec.fn); err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Song gamma.mp3"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	if string(data) != "fake-audio-gamma" {
		t.Errorf("output = %q", data)
	}

	if len(rec.updates) == 0 {
		t.Fatal("no progress reported")
	}

	last := rec.updates[len(rec.updates)-1]
	if last.VideoID != "gamma" || last.Title != "Song gamma" || last.Status != entity.VideoStatusProcessing {
		t.Errorf("last progress = %+v", last)
	}
}

func TestYTdlpDownloadFailure(t *testing.T) {
	fx := newFixture(t)

	err := fx.downloader.Download(t.Context(), "https://www.youtube.com/watch?v=broken", t.TempDir(), (&recorder{}).fn)
	if !errors.Is(err, errs.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
}

func TestYTdlpDownloadCancelled(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()

	err := fx.downloader.Download(ctx, "https://www.youtube.com/watch?v=slow-two", t.TempDir(), (&recorder{}).fn)
	if err == nil {
		t.Fatal("expected error for cancelled download")
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("download outlived its context by %s", elapsed)
	}
}
