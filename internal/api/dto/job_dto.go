package dto

import (
	"slices"
	"time"

	"github.com/cuongbtq/stemsplit/internal/domain"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type UploadResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type StatusResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Error    string `json:"error,omitempty"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID     string   `json:"job_id"`
	Status    string   `json:"status"`
	Filename  string   `json:"filename"`
	Tracks    []string `json:"tracks,omitempty"`
	Error     string   `json:"error,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// EventMessage is the frame written to WebSocket clients.
type EventMessage struct {
	Event string       `json:"event"`
	Data  domain.Event `json:"data"`
}

func NewStatusResponse(job domain.Job) StatusResponse {
	return StatusResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		Filename: job.OriginalFilename,
		Error:    job.Error,
	}
}

func NewJobDTO(job domain.Job) JobDTO {
	var tracks []string
	for track := range job.OutputPaths {
		tracks = append(tracks, track)
	}
	slices.Sort(tracks)

	return JobDTO{
		JobID:     job.ID,
		Status:    string(job.Status),
		Filename:  job.OriginalFilename,
		Tracks:    tracks,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
}
