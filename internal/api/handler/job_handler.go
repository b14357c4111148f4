package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stemsplit/internal/api/dto"
	"github.com/cuongbtq/stemsplit/internal/domain"
)

const (
	msgNoFile          = "No file provided"
	msgInvalidFormat   = "Invalid file format. Accepted: mp3, wav, flac, ogg, m4a"
	msgJobNotFound     = "Job not found"
	msgNotComplete     = "Processing not complete"
	msgInvalidTrack    = "Invalid track type"
	msgFileNotFound    = "File not found"
	msgServerBusy      = "Server is busy, try again later"
	msgProcessingStart = "Processing started"
)

// Upload handles POST /api/upload
// Stores the file, creates a job and queues it for separation
func (h *JobHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
				Error: fmt.Sprintf("File too large. Maximum size is %s", humanize.Bytes(uint64(h.maxUploadBytes))),
			})
			return
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgNoFile})
		return
	}
	if strings.TrimSpace(fileHeader.Filename) == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgNoFile})
		return
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !slices.Contains(AllowedExtensions, ext) {
		h.logger.Info("Rejected upload",
			slog.String("filename", fileHeader.Filename),
			slog.String("reason", "extension"),
		)
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgInvalidFormat})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	defer src.Close()

	inputPath, err := h.store.Save(src, fileHeader.Filename)
	if err != nil {
		h.logger.Error("Failed to store upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to store file"})
		return
	}

	jobID := h.registry.Create(fileHeader.Filename, inputPath)

	if err := h.runner.Submit(jobID); err != nil {
		// Roll back so a rejected upload leaves neither a record nor a file.
		_, _ = h.registry.Delete(jobID)
		if delErr := h.store.Delete(inputPath); delErr != nil {
			h.logger.Warn("Failed to remove rejected upload", slog.String("error", delErr.Error()))
		}

		if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrRunnerStopped) {
			h.logger.Warn("Upload rejected", slog.String("reason", err.Error()))
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: msgServerBusy})
			return
		}
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to start processing"})
		return
	}

	h.logger.Info("Job started",
		slog.String("job_id", jobID),
		slog.String("filename", fileHeader.Filename),
		slog.String("size", humanize.Bytes(uint64(fileHeader.Size))),
	)

	c.JSON(http.StatusOK, dto.UploadResponse{
		JobID:   jobID,
		Message: msgProcessingStart,
	})
}

// GetStatus handles GET /api/status/:job_id
// Durable fallback for clients that missed real-time events
func (h *JobHandler) GetStatus(c *gin.Context) {
	job, err := h.registry.Get(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgJobNotFound})
		return
	}

	c.JSON(http.StatusOK, dto.NewStatusResponse(job))
}

// Download handles GET /api/download/:track/:job_id
// Streams one separated track as an attachment
func (h *JobHandler) Download(c *gin.Context) {
	track := c.Param("track")
	jobID := c.Param("job_id")

	job, err := h.registry.Get(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgJobNotFound})
		return
	}

	if job.Status != domain.JobStatusComplete {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgNotComplete})
		return
	}

	if !h.isTrack(track) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgInvalidTrack})
		return
	}

	path, ok := job.OutputPaths[track]
	if !ok || !h.store.Exists(path) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgFileNotFound})
		return
	}

	ext := filepath.Ext(path)
	if ext == "" {
		ext = h.outputExt
	}
	c.Header("Content-Type", contentType(ext))
	c.FileAttachment(path, DownloadName(track, job.OriginalFilename, ext))
}

// ListJobs handles GET /api/jobs
// Lists jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs := make([]domain.Job, 0, req.PageSize+1)
	for _, job := range h.registry.List() {
		if req.Status != "" && string(job.Status) != req.Status {
			continue
		}
		if !cursor.Precedes(job) {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) > req.PageSize {
			break
		}
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// DeleteJob handles DELETE /api/jobs/:job_id
// Removes the job record and every file it owns
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, err := h.registry.Delete(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgJobNotFound})
		return
	}

	if errs := h.purger.Purge(job); len(errs) > 0 {
		h.logger.Warn("Job deleted with leftover files",
			slog.String("job_id", job.ID),
			slog.Int("errors", len(errs)),
		)
	}

	h.logger.Info("Job deleted",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	c.Status(http.StatusNoContent)
}

// DownloadName builds "<track>_<original base name><ext>".
func DownloadName(track, originalFilename, ext string) string {
	base := filepath.Base(strings.ReplaceAll(originalFilename, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return track + "_" + base + ext
}

func contentType(ext string) string {
	if strings.EqualFold(ext, ".wav") {
		return "audio/wav"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
