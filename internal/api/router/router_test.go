package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stemsplit/internal/api/dto"
	"github.com/cuongbtq/stemsplit/internal/api/handler"
	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/notify"
	"github.com/cuongbtq/stemsplit/internal/reaper"
	"github.com/cuongbtq/stemsplit/internal/registry"
	"github.com/cuongbtq/stemsplit/internal/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// gatedEngine blocks every separation until release is closed, then writes
// one file per track or fails with failWith.
type gatedEngine struct {
	store    *artifact.Store
	tracks   []string
	release  chan struct{}
	failWith error
}

func (e *gatedEngine) Initialize(ctx context.Context) error { return nil }

func (e *gatedEngine) Separate(ctx context.Context, inputPath string) (map[string]string, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.failWith != nil {
		return nil, e.failWith
	}
	dir := e.store.TrackDir(inputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(e.tracks))
	for _, track := range e.tracks {
		path := filepath.Join(dir, track+".wav")
		if err := os.WriteFile(path, []byte(track), 0o644); err != nil {
			return nil, err
		}
		outputs[track] = path
	}
	return outputs, nil
}

type testServer struct {
	router *gin.Engine
	reg    *registry.Registry
	store  *artifact.Store
	hub    *notify.Hub
	engine *gatedEngine
	once   sync.Once
}

func (s *testServer) releaseEngine() {
	s.once.Do(func() { close(s.engine.release) })
}

type serverOption func(*handler.Dependencies)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := t.TempDir()
	store := artifact.NewStore(artifact.Config{
		InputDir:  filepath.Join(root, "input"),
		StemsDir:  filepath.Join(root, "stems"),
		OutputDir: filepath.Join(root, "output"),
		Logger:    logger,
	})
	require.NoError(t, store.EnsureDirs())

	tracks := []string{"primary", "secondary"}
	reg := registry.New()
	hub := notify.NewHub(notify.Config{Logger: logger})
	engine := &gatedEngine{store: store, tracks: tracks, release: make(chan struct{})}

	r := runner.New(&runner.Config{
		Logger:      logger,
		Registry:    reg,
		Store:       store,
		Engine:      engine,
		Publisher:   hub,
		Concurrency: 2,
		QueueSize:   8,
		JobTimeout:  time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	srv := &testServer{reg: reg, store: store, hub: hub, engine: engine}
	t.Cleanup(func() {
		srv.releaseEngine()
		_ = r.Stop(context.Background())
		cancel()
		hub.Close()
	})

	deps := &handler.Dependencies{
		Logger:    logger,
		Registry:  reg,
		Store:     store,
		Runner:    r,
		Purger:    reaper.New(reaper.Config{Logger: logger, Registry: reg, Store: store}),
		Hub:       hub,
		Tracks:    tracks,
		OutputExt: ".wav",
		MaxUploadBytes: 1 << 20,
		AllowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(deps)
	}
	srv.router = SetupRouter(deps)
	return srv
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *testServer) upload(t *testing.T, filename string) string {
	t.Helper()
	w := s.do(uploadRequest(t, filename, []byte("fake audio")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, "Processing started", resp.Message)
	return resp.JobID
}

func (s *testServer) status(t *testing.T, jobID string) (int, dto.StatusResponse) {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/status/"+jobID, nil))
	var resp dto.StatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

func (s *testServer) waitStatus(t *testing.T, jobID string, want domain.JobStatus) dto.StatusResponse {
	t.Helper()
	var resp dto.StatusResponse
	require.Eventually(t, func() bool {
		var code int
		code, resp = s.status(t, jobID)
		return code == http.StatusOK && resp.Status == string(want)
	}, 5*time.Second, 5*time.Millisecond)
	return resp
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestUploadToDownload(t *testing.T) {
	srv := newTestServer(t)

	jobID := srv.upload(t, "song.mp3")

	code, status := srv.status(t, jobID)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, []string{"queued", "processing"}, status.Status)
	assert.Equal(t, "song.mp3", status.Filename)

	srv.waitStatus(t, jobID, domain.JobStatusProcessing)

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/download/primary/"+jobID, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Processing not complete", errorBody(t, w))

	srv.releaseEngine()
	status = srv.waitStatus(t, jobID, domain.JobStatusComplete)
	assert.Equal(t, "song.mp3", status.Filename)
	assert.Empty(t, status.Error)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/download/primary/"+jobID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="primary_song.wav"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "primary", w.Body.String())

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/download/secondary/"+jobID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "secondary_song.wav")
}

func TestDownloadErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.releaseEngine()
	jobID := srv.upload(t, "song.mp3")
	status := srv.waitStatus(t, jobID, domain.JobStatusComplete)
	require.Equal(t, "complete", status.Status)

	job, err := srv.reg.Get(jobID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		prepare  func()
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown job",
			path:     "/api/download/primary/does-not-exist",
			wantCode: http.StatusNotFound,
			wantErr:  "Job not found",
		},
		{
			name:     "unknown track",
			path:     "/api/download/drums/" + jobID,
			wantCode: http.StatusBadRequest,
			wantErr:  "Invalid track type",
		},
		{
			name:     "file removed from disk",
			path:     "/api/download/secondary/" + jobID,
			prepare:  func() { require.NoError(t, os.Remove(job.OutputPaths["secondary"])) },
			wantCode: http.StatusNotFound,
			wantErr:  "File not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prepare != nil {
				tt.prepare()
			}
			w := srv.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, errorBody(t, w))
		})
	}
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantCode int
		wantErr  string
	}{
		{
			name:     "text file",
			filename: "notes.txt",
			wantCode: http.StatusBadRequest,
			wantErr:  "Invalid file format. Accepted: mp3, wav, flac, ogg, m4a",
		},
		{
			name:     "no extension",
			filename: "song",
			wantCode: http.StatusBadRequest,
			wantErr:  "Invalid file format. Accepted: mp3, wav, flac, ogg, m4a",
		},
		{
			name:     "missing file field",
			filename: "",
			wantCode: http.StatusBadRequest,
			wantErr:  "No file provided",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)

			w := srv.do(uploadRequest(t, tt.filename, []byte("data")))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, errorBody(t, w))

			assert.Zero(t, srv.reg.Len(), "no job is created")
			entries, err := os.ReadDir(srv.store.InputDir())
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing is written to the input directory")
		})
	}
}

func TestUploadAcceptsUppercaseExtension(t *testing.T) {
	srv := newTestServer(t)
	jobID := srv.upload(t, "LOUD.FLAC")
	_, status := srv.status(t, jobID)
	assert.Equal(t, "LOUD.FLAC", status.Filename)
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, func(d *handler.Dependencies) { d.MaxUploadBytes = 512 })

	w := srv.do(uploadRequest(t, "song.mp3", bytes.Repeat([]byte("a"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, errorBody(t, w), "File too large")
	assert.Zero(t, srv.reg.Len())
}

type busyRunner struct{}

func (busyRunner) Submit(string) error  { return domain.ErrQueueFull }
func (busyRunner) Stats() runner.Stats { return runner.Stats{} }

func TestUploadQueueFullRollsBack(t *testing.T) {
	srv := newTestServer(t, func(d *handler.Dependencies) { d.Runner = busyRunner{} })

	w := srv.do(uploadRequest(t, "song.mp3", []byte("data")))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Server is busy, try again later", errorBody(t, w))

	assert.Zero(t, srv.reg.Len())
	entries, err := os.ReadDir(srv.store.InputDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineFailureVisibleThroughStatus(t *testing.T) {
	srv := newTestServer(t)
	srv.engine.failWith = domain.NewProcessingError("separate", "corrupt header", nil)
	srv.releaseEngine()

	jobID := srv.upload(t, "song.mp3")
	status := srv.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Contains(t, status.Error, "corrupt header")

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/download/primary/"+jobID, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Processing not complete", errorBody(t, w))
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	code, _ := srv.status(t, "missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBackToBackUploadsAreIndependent(t *testing.T) {
	srv := newTestServer(t)

	first := srv.upload(t, "a.mp3")
	second := srv.upload(t, "b.mp3")
	require.NotEqual(t, first, second)

	srv.releaseEngine()
	srv.waitStatus(t, first, domain.JobStatusComplete)
	srv.waitStatus(t, second, domain.JobStatusComplete)

	_, a := srv.status(t, first)
	_, b := srv.status(t, second)
	assert.Equal(t, "a.mp3", a.Filename)
	assert.Equal(t, "b.mp3", b.Filename)
}

func TestListJobsPagination(t *testing.T) {
	srv := newTestServer(t)
	srv.releaseEngine()

	var ids []string
	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		ids = append(ids, srv.upload(t, name))
	}

	var seen []string
	cursor := ""
	for page := 0; page < 5; page++ {
		url := "/api/jobs?page_size=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := srv.do(httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.LessOrEqual(t, len(resp.Jobs), 2)
		for _, job := range resp.Jobs {
			seen = append(seen, job.JobID)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	assert.ElementsMatch(t, ids, seen)

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/jobs?cursor=not-a-cursor!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteJob(t *testing.T) {
	srv := newTestServer(t)
	srv.releaseEngine()
	jobID := srv.upload(t, "song.mp3")
	srv.waitStatus(t, jobID, domain.JobStatusComplete)

	job, err := srv.reg.Get(jobID)
	require.NoError(t, err)

	w := srv.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+jobID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	for _, path := range job.Artifacts() {
		assert.False(t, srv.store.Exists(path))
	}
	code, _ := srv.status(t, jobID)
	assert.Equal(t, http.StatusNotFound, code)

	w = srv.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+jobID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "stemsplit", body["service"])
}

func TestCORS(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		srv := newTestServer(t)
		req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := srv.do(req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allow list", func(t *testing.T) {
		srv := newTestServer(t, func(d *handler.Dependencies) {
			d.AllowedOrigins = []string{"http://localhost:3000"}
		})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := srv.do(req)
		assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://evil.example")
		w = srv.do(req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestStreamEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	jobID := srv.upload(t, "song.mp3")
	srv.waitStatus(t, jobID, domain.JobStatusProcessing)

	resp, err := http.Get(ts.URL + "/api/events/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	expectLine := func(prefix string) string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	assert.Equal(t, "event:job_status", expectLine("event:"))
	assert.Contains(t, expectLine("data:"), `"status":"processing"`)

	srv.releaseEngine()

	assert.Equal(t, "event:processing_complete", expectLine("event:"))
	data := expectLine("data:")
	assert.Contains(t, data, `"filename":"song.mp3"`)
	assert.Contains(t, data, `"message":"Separation complete!"`)

	// The stream ends after the terminal event.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamEventsUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/events/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketPerJobTopic(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	watched := srv.upload(t, "watched.mp3")
	other := srv.upload(t, "other.mp3")
	srv.waitStatus(t, watched, domain.JobStatusProcessing)
	srv.waitStatus(t, other, domain.JobStatusProcessing)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?job_id=" + watched
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	srv.releaseEngine()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg dto.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "processing_complete", msg.Event)
	assert.Equal(t, watched, msg.Data.JobID)
	assert.Equal(t, domain.JobStatusComplete, msg.Data.Status)
	assert.Equal(t, "watched.mp3", msg.Data.Filename)

	// Nothing about the other job arrives on this connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	err = conn.ReadJSON(&msg)
	assert.Error(t, err)
}

func TestWebSocketUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(httptest.NewRequest(http.MethodGet, "/ws?job_id=missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
