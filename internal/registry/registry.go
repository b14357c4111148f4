// Package registry holds the authoritative in-memory record of every job.
package registry

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/google/uuid"
)

// Registry is the only structure mutated by several goroutines: upload
// handlers, runner workers and the reaper. A single RWMutex guards the map;
// critical sections never do I/O.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// Create stores a new queued job and returns its id.
func (r *Registry) Create(filename, inputPath string) string {
	now := r.now()
	job := &domain.Job{
		ID:               uuid.NewString(),
		Status:           domain.JobStatusQueued,
		OriginalFilename: filename,
		InputPath:        inputPath,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.jobs[job.ID] != nil {
		job.ID = uuid.NewString()
	}
	r.jobs[job.ID] = job
	return job.ID
}

// Get returns a snapshot of the job.
func (r *Registry) Get(jobID string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update applies mutate to a private copy of the job and commits it only if
// the resulting status change is a legal transition and the terminal-state
// invariants hold. The committed snapshot is returned.
func (r *Registry) Update(jobID string, mutate func(job *domain.Job) error) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return domain.Job{}, err
	}
	if err := checkUpdate(*current, next); err != nil {
		return domain.Job{}, err
	}

	next.UpdatedAt = r.now()
	r.jobs[jobID] = &next
	return next.Clone(), nil
}

// MarkProcessing moves a queued job to processing.
func (r *Registry) MarkProcessing(jobID string) (domain.Job, error) {
	return r.Update(jobID, func(job *domain.Job) error {
		job.Status = domain.JobStatusProcessing
		return nil
	})
}

// Complete records the produced tracks.
func (r *Registry) Complete(jobID string, outputPaths map[string]string) (domain.Job, error) {
	return r.Update(jobID, func(job *domain.Job) error {
		job.Status = domain.JobStatusComplete
		job.OutputPaths = maps.Clone(outputPaths)
		return nil
	})
}

// Fail records a failure reason.
func (r *Registry) Fail(jobID, reason string) (domain.Job, error) {
	return r.Update(jobID, func(job *domain.Job) error {
		job.Status = domain.JobStatusFailed
		job.Error = reason
		return nil
	})
}

// Delete removes the job and returns the record that was removed so the
// caller can release its artifacts.
func (r *Registry) Delete(jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	delete(r.jobs, jobID)
	return *job, nil
}

// RemoveExpired atomically detaches every job created before cutoff.
func (r *Registry) RemoveExpired(cutoff time.Time) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.Job
	for id, job := range r.jobs {
		if job.CreatedAt.Before(cutoff) {
			expired = append(expired, *job)
			delete(r.jobs, id)
		}
	}
	sortNewestFirst(expired)
	return expired
}

// List returns snapshots of every job, newest first.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	jobs := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job.Clone())
	}
	r.mu.RUnlock()

	sortNewestFirst(jobs)
	return jobs
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func sortNewestFirst(jobs []domain.Job) {
	slices.SortFunc(jobs, func(a, b domain.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func checkUpdate(prev, next domain.Job) error {
	if next.ID != prev.ID || next.OriginalFilename != prev.OriginalFilename ||
		next.InputPath != prev.InputPath || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: immutable field changed", domain.ErrInvalidTransition)
	}
	if next.Status != prev.Status && !domain.CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Status == prev.Status && prev.Status.IsTerminal() {
		return fmt.Errorf("%w: job already %s", domain.ErrInvalidTransition, prev.Status)
	}

	switch next.Status {
	case domain.JobStatusComplete:
		if len(next.OutputPaths) == 0 {
			return fmt.Errorf("%w: complete job needs output paths", domain.ErrInvalidTransition)
		}
		if next.Error != "" {
			return fmt.Errorf("%w: complete job cannot carry an error", domain.ErrInvalidTransition)
		}
	case domain.JobStatusFailed:
		if next.Error == "" {
			return fmt.Errorf("%w: failed job needs an error", domain.ErrInvalidTransition)
		}
		if len(next.OutputPaths) != 0 {
			return fmt.Errorf("%w: failed job cannot carry outputs", domain.ErrInvalidTransition)
		}
	default:
		if len(next.OutputPaths) != 0 || next.Error != "" {
			return fmt.Errorf("%w: outputs and error are terminal-only", domain.ErrInvalidTransition)
		}
	}
	return nil
}
