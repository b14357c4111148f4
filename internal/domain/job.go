package domain

import (
	"maps"
	"time"
)

// Job is one tracked upload-to-stems unit of work.
type Job struct {
	ID               string
	Status           JobStatus
	OriginalFilename string
	InputPath        string
	OutputPaths      map[string]string // track name -> file path, set on Complete
	Error            string            // set on Failed
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	if j.OutputPaths != nil {
		j.OutputPaths = maps.Clone(j.OutputPaths)
	}
	return j
}

// IsDone reports whether the job reached a terminal state.
func (j Job) IsDone() bool {
	return j.Status.IsTerminal()
}

// Artifacts lists every file the job owns on disk.
func (j Job) Artifacts() []string {
	paths := make([]string, 0, len(j.OutputPaths)+1)
	if j.InputPath != "" {
		paths = append(paths, j.InputPath)
	}
	for _, p := range j.OutputPaths {
		paths = append(paths, p)
	}
	return paths
}
