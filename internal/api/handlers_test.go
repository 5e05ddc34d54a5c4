package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plugbox/internal/dispatch"
	"github.com/mattjoyce/plugbox/internal/jobs"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/trace"
)

// mockJobs implements JobService for testing
type mockJobs struct {
	submitFunc func(ctx context.Context, plugin string, args []json.RawMessage, submittedBy string) (string, error)
	getFunc    func(ctx context.Context, id string) (*jobs.Job, error)
	listFunc   func(ctx context.Context, limit int) ([]*jobs.Job, error)
	depthFunc  func(ctx context.Context) (int, error)
}

func (m *mockJobs) Submit(ctx context.Context, plugin string, args []json.RawMessage, submittedBy string) (string, error) {
	return m.submitFunc(ctx, plugin, args, submittedBy)
}

func (m *mockJobs) Get(ctx context.Context, id string) (*jobs.Job, error) {
	if m.getFunc == nil {
		return nil, dispatch.ErrJobNotFound
	}
	return m.getFunc(ctx, id)
}

func (m *mockJobs) List(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return m.listFunc(ctx, limit)
}

func (m *mockJobs) QueueDepth(ctx context.Context) (int, error) {
	if m.depthFunc == nil {
		return 0, nil
	}
	return m.depthFunc(ctx)
}

// mockRegistry implements PluginRegistry for testing
type mockRegistry struct {
	plugins map[string]*plugin.Plugin
}

func (m *mockRegistry) Get(name string) (*plugin.Plugin, bool) {
	p, ok := m.plugins[name]
	return p, ok
}

func (m *mockRegistry) Names() []string {
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	return names
}

func newTestServer(js *mockJobs, traces *trace.Registry, apiKey string) *Server {
	if traces == nil {
		traces = trace.NewRegistry()
	}
	reg := &mockRegistry{plugins: map[string]*plugin.Plugin{"echo": {Name: "echo"}}}
	return New(Config{Listen: "localhost:0", APIKey: apiKey}, js, traces, reg, slog.Default())
}

func do(t *testing.T, h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func sampleJob(id string, status jobs.Status) *jobs.Job {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pid := 4242
	return &jobs.Job{
		ID:          id,
		Plugin:      "echo",
		Args:        json.RawMessage(`["hi"]`),
		Status:      status,
		SubmittedBy: "api",
		CreatedAt:   created,
		WorkerPID:   &pid,
		Result:      json.RawMessage(`{"echo":"hi"}`),
	}
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	js := &mockJobs{depthFunc: func(ctx context.Context) (int, error) { return 7, nil }}
	traces := trace.NewRegistry()
	defer traces.Close()
	_, err := traces.Create(trace.Options{ID: "live"})
	require.NoError(t, err)

	srv := newTestServer(js, traces, "secret")
	rr := do(t, srv.Handler(), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 7, resp.QueueDepth)
	assert.Equal(t, 1, resp.PluginsLoaded)
	assert.Equal(t, 1, resp.ActiveTraces)
}

func TestHandleHealthz_DepthError(t *testing.T) {
	js := &mockJobs{depthFunc: func(ctx context.Context) (int, error) { return 0, errors.New("db gone") }}
	rr := do(t, newTestServer(js, nil, "").Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleSubmitJob(t *testing.T) {
	var gotPlugin, gotBy string
	var gotArgs []json.RawMessage
	js := &mockJobs{
		submitFunc: func(ctx context.Context, plugin string, args []json.RawMessage, submittedBy string) (string, error) {
			gotPlugin, gotArgs, gotBy = plugin, args, submittedBy
			return "job-1", nil
		},
	}
	rr := do(t, newTestServer(js, nil, "").Handler(), http.MethodPost, "/jobs", `{"plugin":"echo","args":["hi",{"n":1}]}`, "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, SubmitResponse{JobID: "job-1", Status: "queued", Plugin: "echo", Trace: "/jobs/job-1/trace"}, resp)
	assert.Equal(t, "echo", gotPlugin)
	assert.Equal(t, "api", gotBy)
	require.Len(t, gotArgs, 2)
	assert.JSONEq(t, `{"n":1}`, string(gotArgs[1]))
}

func TestHandleSubmitJob_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		wantCode  int
	}{
		{name: "invalid json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"plugin":"echo","command":"x"}`, wantCode: http.StatusBadRequest},
		{name: "missing plugin", body: `{"args":[]}`, wantCode: http.StatusBadRequest},
		{name: "unknown plugin", body: `{"plugin":"nope"}`, submitErr: fmt.Errorf("%w: %q", dispatch.ErrPluginNotFound, "nope"), wantCode: http.StatusNotFound},
		{name: "queue full", body: `{"plugin":"echo"}`, submitErr: dispatch.ErrQueueFull, wantCode: http.StatusServiceUnavailable},
		{name: "store failure", body: `{"plugin":"echo"}`, submitErr: errors.New("disk full"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := &mockJobs{
				submitFunc: func(ctx context.Context, plugin string, args []json.RawMessage, submittedBy string) (string, error) {
					return "", tt.submitErr
				},
			}
			rr := do(t, newTestServer(js, nil, "").Handler(), http.MethodPost, "/jobs", tt.body, "")
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandleGetJob(t *testing.T) {
	js := &mockJobs{
		getFunc: func(ctx context.Context, id string) (*jobs.Job, error) {
			if id == "job-1" {
				return sampleJob(id, jobs.StatusSucceeded), nil
			}
			return nil, dispatch.ErrJobNotFound
		},
	}
	h := newTestServer(js, nil, "").Handler()

	rr := do(t, h, http.MethodGet, "/jobs/job-1", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "succeeded", resp.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(resp.Result))
	require.NotNil(t, resp.WorkerPID)
	assert.Equal(t, 4242, *resp.WorkerPID)

	rr = do(t, h, http.MethodGet, "/jobs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleListJobs(t *testing.T) {
	var gotLimit int
	js := &mockJobs{
		listFunc: func(ctx context.Context, limit int) ([]*jobs.Job, error) {
			gotLimit = limit
			return []*jobs.Job{sampleJob("b", jobs.StatusQueued), sampleJob("a", jobs.StatusFailed)}, nil
		},
	}
	h := newTestServer(js, nil, "").Handler()

	rr := do(t, h, http.MethodGet, "/jobs?limit=2", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "b", resp.Jobs[0].JobID)
	assert.Equal(t, 2, gotLimit)

	rr = do(t, h, http.MethodGet, "/jobs", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 50, gotLimit)

	rr = do(t, h, http.MethodGet, "/jobs?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthMiddleware(t *testing.T) {
	js := &mockJobs{
		getFunc: func(ctx context.Context, id string) (*jobs.Job, error) {
			return sampleJob(id, jobs.StatusRunning), nil
		},
	}
	h := newTestServer(js, nil, "test-key-123").Handler()

	tests := []struct {
		name     string
		key      string
		wantCode int
	}{
		{name: "missing", wantCode: http.StatusUnauthorized},
		{name: "wrong", key: "nope", wantCode: http.StatusUnauthorized},
		{name: "valid", key: "test-key-123", wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, "/jobs/job-1", "", tt.key)
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}

	// Ops endpoints stay open.
	rr := do(t, h, http.MethodGet, "/openapi.json", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleOpenAPI(t *testing.T) {
	rr := do(t, newTestServer(&mockJobs{}, nil, "").Handler(), http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/jobs")
	assert.Contains(t, paths, "/jobs/{jobID}/trace")
}
