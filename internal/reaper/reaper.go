package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/registry"
)

// Config holds reaper configuration
type Config struct {
	Logger    *slog.Logger
	Registry  *registry.Registry
	Store     *artifact.Store
	Interval  time.Duration
	Retention time.Duration
}

// SweepResult contains the outcome of one sweep.
type SweepResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with the error hit while deleting it.
type CleanupError struct {
	JobID string
	Path  string
	Error error
}

// Reaper expires jobs older than the retention window together with
// their files.
type Reaper struct {
	logger    *slog.Logger
	registry  *registry.Registry
	store     *artifact.Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// New creates a reaper
func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		logger:    logger,
		registry:  cfg.Registry,
		store:     cfg.Store,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Run schedules Sweep every interval until ctx is done. A sweep that
// overruns the interval makes the next tick a no-op.
func (r *Reaper) Run(ctx context.Context) error {
	scheduler := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})),
	)

	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := scheduler.AddFunc(spec, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}

	r.logger.Info("Retention reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("retention", r.retention),
	)
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	r.logger.Info("Retention reaper stopped")
	return nil
}

// Sweep removes every job created before now-retention. Records leave the
// registry first so no reader sees a job whose files are going away; a file
// that cannot be deleted is reported and the sweep moves on. Running it twice
// in a row is a no-op the second time.
func (r *Reaper) Sweep() SweepResult {
	cutoff := r.now().Add(-r.retention)
	expired := r.registry.RemoveExpired(cutoff)

	var result SweepResult
	for _, job := range expired {
		result.Removed = append(result.Removed, job.ID)
		result.Errors = append(result.Errors, r.Purge(job)...)
	}

	if len(expired) > 0 || len(result.Errors) > 0 {
		r.logger.Info("Cleanup sweep finished",
			slog.Int("removed", len(result.Removed)),
			slog.Int("errors", len(result.Errors)),
			slog.Time("cutoff", cutoff),
		)
	}
	return result
}

// Purge deletes the files owned by a job already detached from the registry.
func (r *Reaper) Purge(job domain.Job) []CleanupError {
	var errs []CleanupError

	dirs := map[string]struct{}{r.store.TrackDir(job.InputPath): {}}
	for _, path := range job.Artifacts() {
		if err := r.store.Delete(path); err != nil {
			errs = append(errs, CleanupError{JobID: job.ID, Path: path, Error: err})
			r.logger.Warn("Failed to delete artifact",
				slog.String("job_id", job.ID),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, path := range job.OutputPaths {
		dirs[filepath.Dir(path)] = struct{}{}
	}

	for dir := range dirs {
		if _, err := r.store.DeleteIfEmpty(dir); err != nil {
			errs = append(errs, CleanupError{JobID: job.ID, Path: dir, Error: err})
			r.logger.Warn("Failed to delete track directory",
				slog.String("job_id", job.ID),
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Debug("Job purged",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return errs
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
