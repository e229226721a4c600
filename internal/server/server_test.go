package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/db"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/server/middleware"
	"github.com/jonathan/veo-automator/internal/server/ratelimit"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// fakeEngine finishes a batch when release is closed.
type fakeEngine struct {
	mu      sync.Mutex
	running bool
	jobs    []batch.PromptJob
	stopped bool
	last    *batch.BatchResult
	release chan struct{}
	events  []workflow.ProgressEvent
}

func (e *fakeEngine) Start(_ context.Context, jobs []batch.PromptJob) (string, <-chan *batch.BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return "", nil, batch.ErrAlreadyRunning
	}
	e.running = true
	e.jobs = jobs
	id := uuid.NewString()
	done := make(chan *batch.BatchResult, 1)
	go func() {
		<-e.release
		res := &batch.BatchResult{ID: id, Total: len(jobs), Succeeded: len(jobs), Files: []string{"1.mp4"}}
		e.mu.Lock()
		e.running = false
		e.last = res
		e.mu.Unlock()
		done <- res
		close(done)
	}()
	return id, done, nil
}

func (e *fakeEngine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.stopped = true
	return true
}

func (e *fakeEngine) Status() batch.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return batch.Status{Running: e.running, Stopping: e.stopped, Total: len(e.jobs)}
}

func (e *fakeEngine) Last() *batch.BatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *fakeEngine) Drain(int) []workflow.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

// fakeHistory records saved batches.
type fakeHistory struct {
	mu    sync.Mutex
	saved []*batch.BatchResult
	saveC chan struct{}
}

func (h *fakeHistory) SaveBatchResult(_ context.Context, res *batch.BatchResult, _ workflow.Settings) error {
	h.mu.Lock()
	h.saved = append(h.saved, res)
	h.mu.Unlock()
	if h.saveC != nil {
		h.saveC <- struct{}{}
	}
	return nil
}

func (h *fakeHistory) ListBatches(context.Context, int) ([]db.Batch, error) {
	return []db.Batch{{ID: uuid.New(), Status: db.BatchStatusCompleted, Total: 2}}, nil
}

func (h *fakeHistory) GetBatch(_ context.Context, id uuid.UUID) (*db.Batch, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return &db.Batch{ID: id, Status: db.BatchStatusCompleted}, nil
}

func (h *fakeHistory) ListPromptResults(context.Context, uuid.UUID) ([]db.PromptRecord, error) {
	return []db.PromptRecord{{PromptIndex: 0, Prompt: "a fox", Success: true}}, nil
}

func (h *fakeHistory) ListDownloads(context.Context, uuid.UUID) ([]db.DownloadRecord, error) {
	return nil, nil
}

func newTestServer(t *testing.T, engine Engine, history History, auth middleware.TokenValidator) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.MustNewMetrics(reg)
	s, err := New(Config{
		Engine:    engine,
		History:   history,
		Auth:      auth,
		Gatherer:  reg,
		RateLimit: &ratelimit.Config{Enabled: false},
		Settings:  workflow.DefaultSettings(),
	})
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)
	rec := do(s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"history":false`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)
	rec := do(s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "veo_")
}

func TestStartBatch_LifecycleAndHistory(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	history := &fakeHistory{saveC: make(chan struct{}, 1)}
	s := newTestServer(t, engine, history, nil)

	rec := do(s, http.MethodPost, "/batches", `{"prompts": ["a fox", "a city"]}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp StartBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.NotEmpty(t, resp.ID)

	rec = do(s, http.MethodPost, "/batches", `{"prompts": ["again"]}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(s, http.MethodGet, "/batches/current", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":true`)

	rec = do(s, http.MethodPost, "/batches/current/stop", "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	close(engine.release)
	select {
	case <-history.saveC:
	case <-time.After(5 * time.Second):
		t.Fatal("batch was not saved")
	}
	assert.Len(t, history.saved, 1)
	assert.Equal(t, resp.ID, history.saved[0].ID)
}

func TestStartBatch_FromFileText(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	defer close(engine.release)
	s := newTestServer(t, engine, nil, nil)

	body, _ := json.Marshal(map[string]string{"text": "one\n\ntwo\nthree\n"})
	rec := do(s, http.MethodPost, "/batches", string(body), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, engine.jobs, 3)
	assert.Equal(t, "two", engine.jobs[1].Text)
}

func TestStartBatch_Invalid(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not JSON", `{`},
		{"empty object", `{}`},
		{"blank prompt", `{"prompts": [""]}`},
		{"empty text", `{"text": "  \n "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/batches", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStopBatch_NothingRunning(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)
	rec := do(s, http.MethodPost, "/batches/current/stop", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeHistory{}, nil)

	rec := do(s, http.MethodGet, "/batches?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(s, http.MethodGet, "/batches?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodGet, "/batches/"+uuid.NewString(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"prompt":"a fox"`)

	rec = do(s, http.MethodGet, "/batches/"+uuid.Nil.String(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/batches/not-a-uuid", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoints_Disabled(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)
	rec := do(s, http.MethodGet, "/batches", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth_Scopes(t *testing.T) {
	jwtSvc := NewJWTService(&config.JWTConfig{Secret: "test-secret-key-for-jwt", Issuer: "veo-automator", ExpirationHours: 1})
	engine := &fakeEngine{release: make(chan struct{})}
	defer close(engine.release)
	s := newTestServer(t, engine, nil, jwtSvc)

	viewer, err := jwtSvc.GenerateToken("bob", middleware.ScopeViewer)
	require.NoError(t, err)
	operator, err := jwtSvc.GenerateToken("alice", middleware.ScopeOperator)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/batches/current", "", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/batches/current", "", viewer).Code)
	assert.Equal(t, http.StatusForbidden, do(s, http.MethodPost, "/batches", `{"prompts":["x"]}`, viewer).Code)
	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/batches", `{"prompts":["x"]}`, operator).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", "").Code)
}

func TestRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(Config{
		Engine:   &fakeEngine{},
		Gatherer: reg,
		RateLimit: &ratelimit.Config{
			Enabled:       true,
			DefaultLimit:  2,
			DefaultWindow: time.Hour,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/batches/current", "", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/batches/current", "", "").Code)
	rec := do(s, http.MethodGet, "/batches/current", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStream_StatusThenProgress(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/batches/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	assert.Equal(t, "status", event)
	assert.Contains(t, data, `"running":false`)

	require.Eventually(t, func() bool { return s.hub.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	s.publish([]workflow.ProgressEvent{{PromptIndex: 0, StepIndex: 1, StepTotal: 17, Step: workflow.StepOpenNewItem, Success: true}})

	event, data = readEvent(t, reader)
	assert.Equal(t, "progress", event)
	assert.Contains(t, data, `"step":"open-new-item"`)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		line = bytes.TrimRight(line, "\n")
		switch {
		case len(line) == 0 && event != "":
			return event, data
		case bytes.HasPrefix(line, []byte("event: ")):
			event = string(line[len("event: "):])
		case bytes.HasPrefix(line, []byte("data: ")):
			data = string(line[len("data: "):])
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(&ErrValidation{Field: "f"}))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(&ErrNotFound{Resource: "batch"}))
	assert.Equal(t, http.StatusConflict, HTTPStatus(batch.ErrAlreadyRunning))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrHistoryDisabled))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(assert.AnError))
}
