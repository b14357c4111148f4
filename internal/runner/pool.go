package runner

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (r *Runner) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	r.logger.Info("Worker pool spawned",
		slog.Int("worker_count", r.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (r *Runner) workerLoop(ctx context.Context, workerNum int) {
	defer r.wg.Done()

	workerName := fmt.Sprintf("worker-%d", workerNum)
	logger := r.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for {
		// Prefer stopping over picking up more work once both are ready.
		select {
		case <-r.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return
		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return
		default:
		}

		select {
		case <-r.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case jobID := <-r.jobsChan:
			logger.Info("Worker received job", slog.String("job_id", jobID))

			r.active.Add(1)
			r.processJob(ctx, logger, jobID)
			r.active.Add(-1)
		}
	}
}
