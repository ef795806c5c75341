// Package entity defines the core entities used in the application.
package entity

import (
	"log/slog"
	"maps"
	"time"

	"songzip/pkg/ptr"
)

// JobStatus represents the status of a batch job.
type JobStatus string

const (
	// JobStatusStarting indicates that the job is accepted and is about to start.
	JobStatusStarting JobStatus = "starting"
	// JobStatusDownloading indicates that the worker is downloading and transcoding items.
	JobStatusDownloading JobStatus = "downloading"
	// JobStatusDone indicates that the archive is ready for retrieval.
	JobStatusDone JobStatus = "done"
	// JobStatusError indicates that the job has encountered an error.
	JobStatusError JobStatus = "error"
	// JobStatusCancelled indicates that the job was cancelled by the user.
	JobStatusCancelled JobStatus = "cancelled"
)

// rank orders statuses. Terminal statuses share the top rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusStarting:
		return 0
	case JobStatusDownloading:
		return 1
	case JobStatusDone, JobStatusError, JobStatusCancelled:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s.rank() == 2
}

// VideoStatus represents the status of a single item within a job.
type VideoStatus string

const (
	// VideoStatusDownloading indicates that the item bytes are being fetched.
	VideoStatusDownloading VideoStatus = "downloading"
	// VideoStatusProcessing indicates that the download finished and the transcode started.
	VideoStatusProcessing VideoStatus = "processing"
)

// Video is the progress record of one item of a job.
type Video struct {
	Title      string      `json:"title"`
	Downloaded int         `json:"downloaded"`
	Total      int         `json:"total"`
	Status     VideoStatus `json:"status"`
}

// Job represents one batch-download request and its tracked state.
type Job struct {
	ID      string           `json:"id"`
	URLs    []string         `json:"urls"`
	Status  JobStatus        `json:"status"`
	Current *string          `json:"current"`
	Videos  map[string]Video `json:"videos"`
	ZipPath string           `json:"zip_path,omitempty"`
	Error   string           `json:"error,omitempty"`

	// WorkDir is the job temp dir holding produced audio files and the archive.
	WorkDir string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Advance moves the job to status if that does not regress it.
// A terminal job never changes status. Returns false when the transition is refused.
// Reaching a terminal status restarts the retention window of ExpiresAt - CreatedAt.
func (j *Job) Advance(status JobStatus, now time.Time) bool {
	if j.Status.IsTerminal() || status.rank() < j.Status.rank() {
		return false
	}

	if status.IsTerminal() && !j.ExpiresAt.IsZero() {
		j.ExpiresAt = now.Add(j.ExpiresAt.Sub(j.CreatedAt))
	}

	j.Status = status
	j.UpdatedAt = now

	return true
}

// Finish marks the job done with its archive path. zip_path is set only here.
func (j *Job) Finish(zipPath string, now time.Time) bool {
	if j.ZipPath != "" || !j.Advance(JobStatusDone, now) {
		return false
	}

	j.ZipPath = zipPath
	j.Current = nil

	return true
}

// Fail moves the job to the error status with the given message.
func (j *Job) Fail(msg string, now time.Time) bool {
	if !j.Advance(JobStatusError, now) {
		return false
	}

	j.Error = msg
	j.Current = nil

	return true
}

// Clone returns a deep copy safe to hand to readers.
func (j Job) Clone() Job {
	out := j
	out.URLs = append([]string(nil), j.URLs...)
	out.Videos = maps.Clone(j.Videos)

	if out.Videos == nil {
		out.Videos = map[string]Video{}
	}

	if j.Current != nil {
		out.Current = ptr.Of(*j.Current)
	}

	return out
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("status", string(j.Status)),
		slog.Int("urls", len(j.URLs)),
		slog.Int("videos", len(j.Videos)),
		slog.String("current", ptr.Deref(j.Current)),
		slog.String("zip_path", j.ZipPath),
		slog.String("error", j.Error),
	)
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (v Video) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("title", v.Title),
		slog.Int("downloaded", v.Downloaded),
		slog.Int("total", v.Total),
		slog.String("status", string(v.Status)),
	)
}
