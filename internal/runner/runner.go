package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/engine"
	"github.com/cuongbtq/stemsplit/internal/notify"
	"github.com/cuongbtq/stemsplit/internal/registry"
)

// Config holds runner configuration
type Config struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Store       *artifact.Store
	Engine      engine.Separator
	Publisher   notify.Publisher
	Concurrency int
	QueueSize   int
	// JobTimeout bounds one separation. Zero or negative disables it.
	JobTimeout time.Duration
}

// Stats is a point-in-time view of the runner
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Runner executes separations on a fixed pool of workers fed by a bounded queue.
type Runner struct {
	logger      *slog.Logger
	registry    *registry.Registry
	store       *artifact.Store
	engine      engine.Separator
	publisher   notify.Publisher
	concurrency int
	jobTimeout  time.Duration

	jobsChan chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a runner. Start must be called before jobs are processed.
func New(cfg *Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = concurrency
	}

	return &Runner{
		logger:      logger,
		registry:    cfg.Registry,
		store:       cfg.Store,
		engine:      cfg.Engine,
		publisher:   cfg.Publisher,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		jobsChan:    make(chan string, queueSize),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool. Workers exit when ctx is canceled or Stop
// is called; canceling ctx also interrupts running separations.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return
	}
	r.started = true

	r.logger.Info("Starting job runner",
		slog.Int("concurrency", r.concurrency),
		slog.Int("queue_size", cap(r.jobsChan)),
		slog.Duration("job_timeout", r.jobTimeout),
	)
	r.spawnWorkerPool(ctx)
}

// Submit enqueues a job and returns immediately. It fails with
// domain.ErrQueueFull when every slot is taken.
func (r *Runner) Submit(jobID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return domain.ErrRunnerStopped
	}

	select {
	case r.jobsChan <- jobID:
		r.logger.Debug("Job queued",
			slog.String("job_id", jobID),
			slog.Int("queued", len(r.jobsChan)),
		)
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Stop refuses new work, waits for running jobs and fails whatever is
// still queued. It returns early when ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopChan)
	r.mu.Unlock()

	r.logger.Info("Stopping job runner...")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Job runner stop timed out",
			slog.Int64("active", r.active.Load()),
		)
		return ctx.Err()
	}

	r.failQueued("server shutting down")
	r.logger.Info("Job runner stopped")
	return nil
}

// failQueued marks jobs that never reached a worker as failed.
func (r *Runner) failQueued(reason string) {
	for {
		select {
		case jobID := <-r.jobsChan:
			job, err := r.registry.Fail(jobID, reason)
			if err != nil {
				continue
			}
			r.failed.Add(1)
			r.publisher.Publish(domain.FailedEvent(job))
		default:
			return
		}
	}
}

// Stats returns current queue and worker counters
func (r *Runner) Stats() Stats {
	return Stats{
		Workers:   r.concurrency,
		Queued:    len(r.jobsChan),
		Active:    r.active.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
	}
}
