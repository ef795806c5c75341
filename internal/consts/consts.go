// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultHandlerTimeout is the default timeout for HTTP handlers.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultProgressInterval is how often the progress stream polls the job store.
	DefaultProgressInterval = 400 * time.Millisecond
	// DefaultSimulateTime is the default time to simulate processing in mock downloader.
	DefaultSimulateTime = 1 * time.Second
	// DefaultJobTTL is the default time-to-live for finished jobs that were never retrieved.
	DefaultJobTTL = 24 * time.Hour
)

// Archive layout.
const (
	// ArchiveName is the filename of the archive inside the job dir and in Content-Disposition.
	ArchiveName = "songs.zip"
	// TempDirPrefix is the prefix for per-job temporary directories.
	TempDirPrefix = "yt_"
)

// HTTP response messages.
const (
	// RespInvalidRequestBody is returned when the request body is invalid.
	RespInvalidRequestBody = "invalid request body"
	// RespQueryParamMissing is returned when a required path or query parameter is missing or invalid.
	RespQueryParamMissing = "query param missing or invalid"
	// RespUnprocessableEntity is returned when the request cannot be processed.
	RespUnprocessableEntity = "unprocessable entity"
	// RespJobEnqueued is returned when a job is successfully enqueued.
	RespJobEnqueued = "job enqueued"
	// RespJobEnqueueFail is returned when a job cannot be enqueued.
	RespJobEnqueueFail = "job enqueue failed"
	// RespGetJobsFail is returned when fetching all jobs fails.
	RespGetJobsFail = "get all jobs failed"
	// RespGetJobFail is returned when fetching a specific job fails.
	RespGetJobFail = "get job failed"
	// RespJobRetrieved is returned when a job is successfully retrieved.
	RespJobRetrieved = "job retrieved"
	// RespJobsRetrieved is returned when jobs are successfully retrieved.
	RespJobsRetrieved = "jobs retrieved"
	// RespJobNotFound is returned when a job is not found.
	RespJobNotFound = "job not found"
	// RespJobCancelled is returned when a job was cancelled.
	RespJobCancelled = "job cancelled"
	// RespJobCancelFail is returned when a job cannot be cancelled.
	RespJobCancelFail = "job cancel failed"
	// RespJobAlreadyFinished is returned when cancelling a job that is already finished.
	RespJobAlreadyFinished = "job already finished"
	// RespStreamUnsupported is returned when the response writer cannot flush.
	RespStreamUnsupported = "streaming unsupported"
	// RespFileNotFound is returned when a file is not found.
	RespFileNotFound = "file not found"
	// RespArchiveFail is returned when the archive cannot be served.
	RespArchiveFail = "archive download failed"
)

// Downloader identifiers.
const (
	// DownloaderYTdlp is the yt-dlp downloader identifier.
	DownloaderYTdlp = "ytdlp"
	// DownloaderMock is the mock downloader identifier for testing.
	DownloaderMock = "mock"
)

// Storage backends.
const (
	// StorageMemory keeps jobs in process memory.
	StorageMemory = "memory"
	// StorageRedis keeps jobs in Redis.
	StorageRedis = "redis"
)
