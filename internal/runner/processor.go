package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/engine"
)

// separation is the outcome of one engine call.
type separation struct {
	outputs map[string]string
	err     error
}

// processJob drives one job from Queued to a terminal state. The registry is
// always updated before the matching event is published.
func (r *Runner) processJob(ctx context.Context, logger *slog.Logger, jobID string) {
	logger = logger.With(slog.String("job_id", jobID))

	job, err := r.registry.MarkProcessing(jobID)
	if err != nil {
		// Purged while waiting in the queue.
		logger.Warn("Skipping job", slog.String("error", err.Error()))
		return
	}
	r.publisher.Publish(domain.ProcessingEvent(job))

	start := time.Now()
	outputs, err := r.separate(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error("Job execution failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)

		failed, updateErr := r.registry.Fail(jobID, err.Error())
		if updateErr != nil {
			logger.Warn("Failed to record job failure", slog.String("error", updateErr.Error()))
			return
		}
		r.failed.Add(1)
		r.publisher.Publish(domain.FailedEvent(failed))
		return
	}

	done, updateErr := r.registry.Complete(jobID, outputs)
	if updateErr != nil {
		logger.Warn("Discarding tracks of a job that no longer exists",
			slog.String("error", updateErr.Error()),
		)
		r.discard(outputs)
		return
	}

	r.completed.Add(1)
	logger.Info("Job completed successfully",
		slog.Int("tracks", len(outputs)),
		slog.Duration("elapsed", elapsed),
	)
	r.publisher.Publish(domain.CompleteEvent(done))
}

// separate runs the engine off the worker goroutine so a hung call still
// releases the worker when the timeout fires. Panics become ProcessingErrors.
func (r *Runner) separate(ctx context.Context, job domain.Job) (map[string]string, error) {
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	result := make(chan separation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Separation engine panicked",
					slog.String("job_id", job.ID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				result <- separation{err: domain.NewProcessingError(engine.StageSeparate,
					fmt.Sprintf("engine panic: %v", p), nil)}
			}
		}()
		outputs, err := r.engine.Separate(ctx, job.InputPath)
		result <- separation{outputs: outputs, err: err}
	}()

	select {
	case res := <-result:
		if res.err == nil && len(res.outputs) == 0 {
			return nil, domain.NewProcessingError(engine.StageCollect, "engine returned no tracks", nil)
		}
		return res.outputs, res.err

	case <-ctx.Done():
		// The engine may still finish later; drop whatever it produces.
		go func() {
			if res := <-result; res.err == nil {
				r.discard(res.outputs)
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewProcessingError(engine.StageSeparate,
				fmt.Sprintf("separation timed out after %s", r.jobTimeout), ctx.Err())
		}
		return nil, domain.NewProcessingError(engine.StageSeparate, "separation interrupted", ctx.Err())
	}
}

// discard removes track files nobody will ever download.
func (r *Runner) discard(outputs map[string]string) {
	dirs := make(map[string]struct{}, 1)
	for _, path := range outputs {
		if err := r.store.Delete(path); err != nil {
			r.logger.Warn("Failed to remove orphaned track",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := r.store.DeleteIfEmpty(dir); err != nil {
			r.logger.Warn("Failed to remove track directory",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
		}
	}
}
