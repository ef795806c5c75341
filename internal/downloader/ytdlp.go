package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/depmanager"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"
	"songzip/internal/proxymgr"
	"songzip/pkg/calc"
	"songzip/pkg/gen"
	"songzip/pkg/ptr"

	"github.com/lrstanley/go-ytdlp"
)

// YTdlp downloads and transcodes audio with the yt-dlp binary.
type YTdlp struct {
	log      *slog.Logger
	cfg      *config.Config
	depMgr   *depmanager.Manager
	proxyMgr *proxymgr.Manager
	metrics  *observability.Metrics
}

// NewYTdlp creates a yt-dlp downloader. depMgr and proxyMgr may be nil,
// in which case yt-dlp and ffmpeg are resolved from PATH and no proxy is used.
func NewYTdlp(
	log *slog.Logger,
	cfg *config.Config,
	depMgr *depmanager.Manager,
	proxyMgr *proxymgr.Manager,
	metrics *observability.Metrics,
) *YTdlp {
	return &YTdlp{
		log:      log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderYTdlp)),
		cfg:      cfg,
		depMgr:   depMgr,
		proxyMgr: proxyMgr,
		metrics:  metrics,
	}
}

// Download fetches the best audio stream of rawURL into dir and converts it to the configured codec.
func (d *YTdlp) Download(ctx context.Context, rawURL, dir string, progressFn ProgressFunc) error {
	log := d.log.With(slog.String("url", rawURL), slog.String("dir", dir))

	tracker := newProgressTracker(rawURL)

	command := d.command(dir).ProgressFunc(defaultProgressFreq, func(update ytdlp.ProgressUpdate) {
		log.DebugContext(ctx, "ytdlp progress", slog.Any("progress_update", ProgressUpdate{&update}))

		if p, ok := tracker.observe(update); ok {
			progressFn(ctx, p)
		}
	})

	proxyURL := d.pickProxy()
	if proxyURL != "" {
		log = log.With(slog.String("proxy", proxyURL))
		command = command.Proxy(proxyURL)
	}

	res, err := command.Run(ctx, rawURL)
	if err != nil {
		d.metrics.RecordDownloaderRequest(consts.DownloaderYTdlp, "error")
		d.metrics.RecordDownloaderError(consts.DownloaderYTdlp, classifyProcessingError(err))

		if proxyURL != "" && ctx.Err() == nil {
			d.proxyMgr.MarkFailed(proxyURL)
			d.metrics.RecordProxyFailure(proxyURL)
		}

		log.ErrorContext(ctx, "ytdlp run", slog.Any("error", err), slog.Any("result", Result{res}))

		return fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}

	if proxyURL != "" {
		d.proxyMgr.MarkSuccess(proxyURL)
	}

	d.metrics.RecordDownloaderRequest(consts.DownloaderYTdlp, "ok")

	info, err := res.GetExtractedInfo()
	if err != nil {
		log.WarnContext(ctx, "ytdlp get extracted info", slog.Any("error", err))
	}

	for _, p := range tracker.finish(info) {
		progressFn(ctx, p)
	}

	log.InfoContext(ctx, "downloaded", slog.Any("result", Result{res}))

	return nil
}

func (d *YTdlp) command(dir string) *ytdlp.Command {
	command := ytdlp.New().
		Format(d.cfg.Audio.Format).
		NoPlaylist().
		ExtractAudio().
		AudioFormat(d.cfg.Audio.Codec).
		AudioQuality(d.cfg.Audio.Quality).
		CacheDir(d.cfg.Dir.Cache).
		PrintJSON().
		Output(filepath.Join(dir, d.cfg.Dir.FilenameTemplate))

	if d.cfg.Audio.ExtractorArgs != "" {
		command = command.ExtractorArgs(d.cfg.Audio.ExtractorArgs)
	}

	if d.cfg.Dir.CookieFile != "" {
		command = command.Cookies(d.cfg.Dir.CookieFile)
	}

	if d.depMgr != nil {
		if path := d.depMgr.GetInstalledPath(depmanager.BinaryYTdlp); path != "" {
			command = command.SetExecutable(path)
		}

		if path := d.depMgr.GetInstalledPath(depmanager.BinaryFFmpeg); path != "" {
			command = command.FFmpegLocation(path)
		}

		if path, ok := d.searchPath(); ok {
			command = command.SetEnvVar("PATH", path)
		}
	}

	return command
}

// searchPath returns PATH with the directory of the resolved deno binary in front,
// where yt-dlp looks for its JavaScript runtime. ok is false when PATH needs no change.
func (d *YTdlp) searchPath() (string, bool) {
	current := os.Getenv("PATH")

	deno := d.depMgr.GetInstalledPath(depmanager.BinaryDeno)
	if deno == "" {
		return current, false
	}

	dir := filepath.Dir(deno)
	if slices.Contains(filepath.SplitList(current), dir) {
		return current, false
	}

	if current == "" {
		return dir, true
	}

	return dir + string(os.PathListSeparator) + current, true
}

func (d *YTdlp) pickProxy() string {
	if d.proxyMgr == nil || !d.proxyMgr.HasProxies() {
		return ""
	}

	proxyURL := d.proxyMgr.GetRandomProxy()
	if proxyURL != "" {
		d.metrics.RecordProxyRequest(proxyURL)
	}

	return proxyURL
}

// progressTracker turns yt-dlp hook updates into Progress values for a single URL.
type progressTracker struct {
	rawURL string

	mu   sync.Mutex
	last map[string]Progress
}

func newProgressTracker(rawURL string) *progressTracker {
	return &progressTracker{rawURL: rawURL, last: make(map[string]Progress)}
}

func (t *progressTracker) observe(update ytdlp.ProgressUpdate) (Progress, bool) {
	p, ok := ToProgress(t.rawURL, update)
	if !ok {
		return Progress{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, seen := t.last[p.VideoID]; seen {
		if prev.Status == entity.VideoStatusProcessing && p.Status == entity.VideoStatusDownloading {
			p.Status = entity.VideoStatusProcessing
		}

		if p.Title == "" {
			p.Title = prev.Title
		}

		if p.Downloaded == 0 && p.Status == entity.VideoStatusProcessing {
			p.Downloaded, p.Total = prev.Downloaded, prev.Total
		}
	}

	t.last[p.VideoID] = p

	return p, true
}

// finish returns a processing entry for every item yt-dlp reported that never reached processing,
// so a cached or hook-less download still shows up in the job.
func (t *progressTracker) finish(info []*ytdlp.ExtractedInfo) []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Progress

	for _, inf := range info {
		if inf == nil || inf.ID == "" {
			continue
		}

		p := t.last[inf.ID]
		if p.Status == entity.VideoStatusProcessing {
			continue
		}

		p.VideoID = inf.ID
		p.Status = entity.VideoStatusProcessing

		if title := ptr.Deref(inf.Title); title != "" {
			p.Title = title
		}

		t.last[inf.ID] = p
		out = append(out, p)
	}

	if len(info) == 0 && len(t.last) == 0 {
		id := gen.UUIDv5(t.rawURL, "")
		p := Progress{VideoID: id, Title: t.rawURL, Status: entity.VideoStatusProcessing}
		t.last[id] = p
		out = append(out, p)
	}

	return out
}

// byteCount reads an optional size field of the extracted info.
func byteCount[T ~int | ~int64 | ~float64](v *T) int {
	if v == nil || *v <= 0 {
		return 0
	}

	return int(*v)
}

// ToProgress maps a yt-dlp progress hook update to a Progress.
// Download updates map to downloading; finished downloads and post-processing map to processing.
// It returns false for updates that carry no item progress.
func ToProgress(rawURL string, update ytdlp.ProgressUpdate) (Progress, bool) {
	var status entity.VideoStatus

	switch update.Status {
	case ytdlp.ProgressStatusStarting, ytdlp.ProgressStatusDownloading:
		status = entity.VideoStatusDownloading
	case ytdlp.ProgressStatusFinished, ytdlp.ProgressStatusPostProcessing:
		status = entity.VideoStatusProcessing
	default:
		return Progress{}, false
	}

	var (
		id, title string
		estimate  int
	)

	if update.Info != nil {
		id = update.Info.ID
		title = ptr.Deref(update.Info.Title)
		estimate = byteCount(update.Info.FilesizeApprox)
	}

	if id == "" {
		id = gen.UUIDv5(rawURL, "")
	}

	if title == "" && update.Filename != "" {
		base := filepath.Base(update.Filename)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return Progress{
		VideoID:    id,
		Title:      title,
		Downloaded: max(update.DownloadedBytes, 0),
		Total:      calc.Total(update.TotalBytes, estimate, update.DownloadedBytes),
		Status:     status,
	}, true
}
