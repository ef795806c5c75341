// Package errs defines common error variables used across the application.
package errs

import "errors"

var (
	// ErrServiceClosed indicates that the service is closed and cannot accept new jobs.
	ErrServiceClosed = errors.New("service is closed")
	// ErrServiceNotStarted indicates that Submit was called before Start.
	ErrServiceNotStarted = errors.New("service is not started")
	// ErrInvalidRequestBody indicates that the request body is invalid or cannot be parsed.
	ErrInvalidRequestBody = errors.New("invalid request body")
)

// Valid request errors.
var (
	// ErrNoURLs indicates that the request carries no URLs.
	ErrNoURLs = errors.New("no urls provided")
	// ErrInvalidURL indicates that one of the URLs in the request is invalid.
	ErrInvalidURL = errors.New("invalid url")
	// ErrTooManyURLs indicates that the batch exceeds the configured limit.
	ErrTooManyURLs = errors.New("too many urls")
)

// Job and storage errors.
var (
	// ErrNoJobs indicates that there are no jobs in storage.
	ErrNoJobs = errors.New("no jobs")
	// ErrJobAlreadyExists indicates that a job with the same id already exists in storage.
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrJobNotFound indicates that the job is not found in storage.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotReady indicates that the job has not produced its archive yet.
	ErrJobNotReady = errors.New("job not ready")
	// ErrJobNil indicates that the job is nil.
	ErrJobNil = errors.New("job is nil")
	// ErrJobIDEmpty indicates that the job ID is empty.
	ErrJobIDEmpty = errors.New("job_id is empty")
	// ErrJobCancelled indicates that the job was cancelled.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrJobFinished indicates that the job is already in a terminal state.
	ErrJobFinished = errors.New("job already finished")
	// ErrStatusRegression indicates an attempt to move a job status backwards.
	ErrStatusRegression = errors.New("job status cannot move backwards")
	// ErrUnknownStorageBackend indicates an unsupported storage backend name.
	ErrUnknownStorageBackend = errors.New("unknown storage backend")
)

// Downloader and archive errors.
var (
	// ErrDownloadFailed indicates that the download failed.
	ErrDownloadFailed = errors.New("download failed")
	// ErrDownloaderNotFound indicates that no suitable downloader was found.
	ErrDownloaderNotFound = errors.New("no suitable downloader found")
	// ErrBinaryNotFound indicates that the required binary was not found.
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrUnsupportedPlatform indicates that the current platform is not supported.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrNothingToArchive indicates that the job directory holds no audio files.
	ErrNothingToArchive = errors.New("no audio files to archive")
)

// ErrProxyFailed indicates that a proxy could not be reached.
var ErrProxyFailed = errors.New("proxy failed")
