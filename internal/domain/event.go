package domain

import "time"

// EventType names a real-time notification as clients see it.
type EventType string

const (
	EventProcessing EventType = "processing_status"
	EventComplete   EventType = "processing_complete"
	EventFailed     EventType = "processing_error"
)

// Event is a job state transition pushed to observers.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingEvent announces that a worker picked the job up.
func ProcessingEvent(job Job) Event {
	return Event{
		Type:      EventProcessing,
		JobID:     job.ID,
		Status:    JobStatusProcessing,
		Message:   "Separating audio tracks...",
		Timestamp: time.Now().UTC(),
	}
}

// CompleteEvent announces that all tracks are ready for download.
func CompleteEvent(job Job) Event {
	return Event{
		Type:      EventComplete,
		JobID:     job.ID,
		Status:    JobStatusComplete,
		Message:   "Separation complete!",
		Filename:  job.OriginalFilename,
		Timestamp: time.Now().UTC(),
	}
}

// FailedEvent carries the failure reason recorded on the job.
func FailedEvent(job Job) Event {
	return Event{
		Type:      EventFailed,
		JobID:     job.ID,
		Status:    JobStatusFailed,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
}
