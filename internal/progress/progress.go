// Package progress streams job snapshots to subscribers at a fixed interval.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"songzip/internal/consts"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"
	"songzip/internal/storage"
)

// Snapshot is one emitted view of a job.
type Snapshot struct {
	entity.Job

	Timestamp time.Time `json:"timestamp"`
}

// EmitFunc delivers a snapshot to the subscriber. A non-nil error ends the stream.
type EmitFunc func(Snapshot) error

// Notifier polls the job store on behalf of progress subscribers.
type Notifier struct {
	log      *slog.Logger
	storer   storage.Storer
	metrics  *observability.Metrics
	interval time.Duration
}

// New creates a Notifier. A non-positive interval falls back to the default.
func New(log *slog.Logger, storer storage.Storer, metrics *observability.Metrics, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = consts.DefaultProgressInterval
	}

	return &Notifier{
		log:      log.With(slog.String("package", "progress")),
		storer:   storer,
		metrics:  metrics,
		interval: interval,
	}
}

// Stream emits the current snapshot of job id right away and then once per interval,
// until the job reaches a terminal status, disappears, ctx is done or emit fails.
// A missing job ends the stream without an error.
func (n *Notifier) Stream(ctx context.Context, id string, emit EmitFunc) error {
	defer n.metrics.StreamOpened()()

	log := n.log.With(slog.String("job_id", id))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for emitted := 0; ; emitted++ {
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "subscriber gone", slog.Int("emitted", emitted))

			return nil
		case <-timer.C:
		}

		job, err := n.storer.GetJob(ctx, id)
		if errors.Is(err, errs.ErrJobNotFound) {
			log.DebugContext(ctx, "job gone, closing stream", slog.Int("emitted", emitted))

			return nil
		}

		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}

		if err := emit(Snapshot{Job: job, Timestamp: time.Now().UTC()}); err != nil {
			return fmt.Errorf("emit: %w", err)
		}

		if job.Status.IsTerminal() {
			log.DebugContext(ctx, "job finished, closing stream",
				slog.String("status", string(job.Status)), slog.Int("emitted", emitted+1))

			return nil
		}

		timer.Reset(n.interval)
	}
}
