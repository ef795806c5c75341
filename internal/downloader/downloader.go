// Package downloader turns a single video URL into an audio file inside a job dir.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/depmanager"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"
	"songzip/internal/proxymgr"
)

const (
	defaultProgressFreq = 200 * time.Millisecond
)

// Progress is one progress observation for an item.
type Progress struct {
	VideoID    string
	Title      string
	Downloaded int
	Total      int
	Status     entity.VideoStatus
}

// LogValue implements the slog.LogValuer interface.
func (p Progress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("video_id", p.VideoID),
		slog.String("title", p.Title),
		slog.Int("downloaded", p.Downloaded),
		slog.Int("total", p.Total),
		slog.String("status", string(p.Status)),
	)
}

// ProgressFunc receives progress observations. It is called from the download goroutine.
type ProgressFunc func(ctx context.Context, p Progress)

// Downloader downloads rawURL as audio into dir, reporting progress through progressFn.
type Downloader interface {
	Download(ctx context.Context, rawURL, dir string, progressFn ProgressFunc) error
}

// New builds the downloader selected in cfg.App.Downloader.
func New(
	log *slog.Logger,
	cfg *config.Config,
	depMgr *depmanager.Manager,
	proxyMgr *proxymgr.Manager,
	metrics *observability.Metrics,
) (Downloader, error) {
	switch cfg.App.Downloader {
	case consts.DownloaderYTdlp, "":
		return NewYTdlp(log, cfg, depMgr, proxyMgr, metrics), nil
	case consts.DownloaderMock:
		return NewMock(log, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrDownloaderNotFound, cfg.App.Downloader)
	}
}

func classifyProcessingError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "process"
	}
}
