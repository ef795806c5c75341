package downloader

import (
	"fmt"
	"log/slog"
	"strings"

	"songzip/pkg/calc"
	"songzip/pkg/ptr"
	"songzip/pkg/shellquote"

	"github.com/lrstanley/go-ytdlp"
)

// Result wraps ytdlp.Result for logging.
type Result struct {
	*ytdlp.Result
}

// LogValue implements the slog.LogValuer interface.
func (r Result) LogValue() slog.Value {
	if r.Result == nil {
		return slog.GroupValue(slog.String("error", "nil result"))
	}

	var outputLogs strings.Builder
	for _, line := range r.OutputLogs {
		fmt.Fprintf(&outputLogs, "%s\n", line)
	}

	return slog.GroupValue(
		slog.String("command", shellquote.Join(r.Executable, r.Args)),
		slog.String("stderr", r.Stderr),
		slog.String("output_logs", outputLogs.String()),
	)
}

// ProgressUpdate wraps ytdlp.ProgressUpdate for logging.
type ProgressUpdate struct {
	*ytdlp.ProgressUpdate
}

// LogValue implements the slog.LogValuer interface.
func (p ProgressUpdate) LogValue() slog.Value {
	if p.ProgressUpdate == nil {
		return slog.GroupValue(slog.String("error", "nil progress update"))
	}

	var id, title string
	if p.Info != nil {
		id = p.Info.ID
		title = ptr.Deref(p.Info.Title)
	}

	return slog.GroupValue(
		slog.String("video_id", id),
		slog.String("title", title),
		slog.String("filename", p.Filename),
		slog.String("status", string(p.Status)),
		slog.Int("downloaded_bytes", p.DownloadedBytes),
		slog.Int("total_bytes", p.TotalBytes),
		slog.Int("progress", calc.Progress(p.DownloadedBytes, p.TotalBytes)),
		slog.String("eta", calc.ETA(p.DownloadedBytes, p.TotalBytes, p.Started).String()),
	)
}
