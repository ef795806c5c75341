package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/pkg/gen"
)

const (
	mockSteps     = 10
	mockTotalSize = 4 << 20
	mockFailPath  = "fail"
)

// Mock simulates downloads without touching the network.
// It writes a small placeholder file per URL and fails for URLs whose last path segment is "fail".
type Mock struct {
	log      *slog.Logger
	ext      string
	duration time.Duration
}

// NewMock creates a mock downloader producing files with the configured codec extension.
func NewMock(log *slog.Logger, cfg *config.Config) *Mock {
	return &Mock{
		log:      log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderMock)),
		ext:      cfg.Audio.Codec,
		duration: consts.DefaultSimulateTime,
	}
}

// Download reports mockSteps downloading updates over the simulated duration,
// then a processing update, then writes the audio file.
func (m *Mock) Download(ctx context.Context, rawURL, dir string, progressFn ProgressFunc) error {
	id, title := mockIdentity(rawURL)
	log := m.log.With(slog.String("url", rawURL), slog.String("video_id", id))

	ticker := time.NewTicker(m.duration / mockSteps)
	defer ticker.Stop()

	for step := 1; step <= mockSteps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if step == mockSteps/2 && title == mockFailPath {
			log.WarnContext(ctx, "simulated failure")

			return fmt.Errorf("%w: simulated failure for %s", errs.ErrDownloadFailed, rawURL)
		}

		progressFn(ctx, Progress{
			VideoID:    id,
			Title:      title,
			Downloaded: mockTotalSize / mockSteps * step,
			Total:      mockTotalSize,
			Status:     entity.VideoStatusDownloading,
		})
	}

	progressFn(ctx, Progress{
		VideoID:    id,
		Title:      title,
		Downloaded: mockTotalSize,
		Total:      mockTotalSize,
		Status:     entity.VideoStatusProcessing,
	})

	filename := filepath.Join(dir, fmt.Sprintf("%s [%s].%s", title, id[:8], m.ext))

	if err := os.WriteFile(filename, []byte("mock audio for "+rawURL), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}

	log.DebugContext(ctx, "mock download finished", slog.String("filename", filename))

	return nil
}

func mockIdentity(rawURL string) (id, title string) {
	id = gen.UUIDv5(rawURL, consts.DownloaderMock)
	title = "track"

	if u, err := url.Parse(rawURL); err == nil {
		if v := u.Query().Get("v"); v != "" {
			title = v
		} else if base := path.Base(strings.TrimSuffix(u.Path, "/")); base != "." && base != "/" && base != "" {
			title = base
		}
	}

	return id, title
}
