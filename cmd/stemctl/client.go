package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuongbtq/stemsplit/internal/api/dto"
	"github.com/cuongbtq/stemsplit/internal/domain"
)

// apiError is a non-2xx response from the server.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// apiClient talks to a running stemsplit API service.
type apiClient struct {
	baseURL *url.URL
	http    *http.Client
}

func newAPIClient(server string, timeout time.Duration) (*apiClient, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, errors.New("server address is required")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}
	return &apiClient{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// upload streams a local file as the "file" form field.
func (c *apiClient) upload(ctx context.Context, path string) (dto.UploadResponse, error) {
	var out dto.UploadResponse

	file, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/upload", nil), pr)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	err = c.doJSON(req, &out)
	return out, err
}

func (c *apiClient) status(ctx context.Context, jobID string) (dto.StatusResponse, error) {
	var out dto.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/status/"+url.PathEscape(jobID), nil), nil)
	if err != nil {
		return out, err
	}
	err = c.doJSON(req, &out)
	return out, err
}

func (c *apiClient) listJobs(ctx context.Context, status string, pageSize int, cursor string) (dto.ListJobsResponse, error) {
	var out dto.ListJobsResponse
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/jobs", query), nil)
	if err != nil {
		return out, err
	}
	err = c.doJSON(req, &out)
	return out, err
}

func (c *apiClient) deleteJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/api/jobs/"+url.PathEscape(jobID), nil), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// download saves one track into dir and returns the written path. The file
// name comes from the server's Content-Disposition header.
func (c *apiClient) download(ctx context.Context, jobID, track, dir string) (string, error) {
	path := "/api/download/" + url.PathEscape(track) + "/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	name := track + "_" + jobID
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}

	target := filepath.Join(dir, name)
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(target)
		return "", err
	}
	return target, out.Close()
}

// watch reads job events from the WebSocket endpoint until the job
// completes or fails. onEvent sees every frame.
func (c *apiClient) watch(ctx context.Context, jobID string, onEvent func(dto.EventMessage)) (dto.EventMessage, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"job_id": {jobID}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return dto.EventMessage{}, fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The job may have finished before the subscription existed.
	current, err := c.status(ctx, jobID)
	if err != nil {
		return dto.EventMessage{}, err
	}
	if status := domain.JobStatus(current.Status); status.IsTerminal() {
		return dto.EventMessage{
			Event: "job_status",
			Data: domain.Event{
				JobID:    current.JobID,
				Status:   status,
				Filename: current.Filename,
				Error:    current.Error,
			},
		}, nil
	}

	for {
		var msg dto.EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return dto.EventMessage{}, ctx.Err()
			}
			return dto.EventMessage{}, fmt.Errorf("read event: %w", err)
		}
		if onEvent != nil {
			onEvent(msg)
		}
		if msg.Data.Status.IsTerminal() {
			return msg, nil
		}
	}
}

func (c *apiClient) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &apiError{StatusCode: resp.StatusCode}
	var body dto.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
