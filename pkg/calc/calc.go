// Package calc holds small arithmetic helpers for byte progress.
package calc

import (
	"math"
	"time"
)

const fullPercent = 100

// Progress returns downloaded as a percentage of total, clamped to [0, 100].
// An unknown total (<= 0) yields 0.
func Progress(downloaded, total int) int {
	if total <= 0 || downloaded <= 0 {
		return 0
	}

	if downloaded >= total {
		return fullPercent
	}

	return int(math.Round(float64(downloaded) / float64(total) * fullPercent))
}

// ETA estimates the remaining time assuming a constant rate since started.
// It returns 0 when nothing has been downloaded yet, the total is unknown or the download is complete.
func ETA(downloaded, total int, started time.Time) time.Duration {
	if total <= 0 || downloaded <= 0 || downloaded >= total || started.IsZero() {
		return 0
	}

	elapsed := time.Since(started)

	return time.Duration(float64(elapsed) * (float64(total)/float64(downloaded) - 1))
}

// Total returns total when it is known, otherwise the best estimate,
// never less than what has already been downloaded.
func Total(total, estimate, downloaded int) int {
	if total <= 0 {
		total = estimate
	}

	return max(total, downloaded, 0)
}
