package handler

import (
	"log/slog"
	"slices"
	"time"

	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/notify"
	"github.com/cuongbtq/stemsplit/internal/reaper"
	"github.com/cuongbtq/stemsplit/internal/registry"
	"github.com/cuongbtq/stemsplit/internal/runner"
)

// AllowedExtensions lists the upload formats the engine accepts.
var AllowedExtensions = []string{".mp3", ".wav", ".flac", ".ogg", ".m4a"}

// JobRunner accepts work for asynchronous processing
type JobRunner interface {
	Submit(jobID string) error
	Stats() runner.Stats
}

// JobPurger deletes the files of a job removed from the registry
type JobPurger interface {
	Purge(job domain.Job) []reaper.CleanupError
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Registry       *registry.Registry
	Store          *artifact.Store
	Runner         JobRunner
	Purger         JobPurger
	Hub            *notify.Hub
	Tracks         []string
	OutputExt      string
	MaxUploadBytes int64
	AllowedOrigins []string
	ServiceName    string
	// KeepAlive is the SSE/WebSocket ping period. Zero uses a default.
	KeepAlive time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	registry       *registry.Registry
	store          *artifact.Store
	runner         JobRunner
	purger         JobPurger
	tracks         []string
	outputExt      string
	maxUploadBytes int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:         deps.Logger,
		registry:       deps.Registry,
		store:          deps.Store,
		runner:         deps.Runner,
		purger:         deps.Purger,
		tracks:         deps.Tracks,
		outputExt:      deps.OutputExt,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}

func (h *JobHandler) isTrack(name string) bool {
	return slices.Contains(h.tracks, name)
}
