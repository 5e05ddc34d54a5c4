package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plugbox/internal/jobs"
)

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                 string
		provided, configured string
		want                 bool
	}{
		{name: "match", provided: "k3y", configured: "k3y", want: true},
		{name: "mismatch", provided: "k3y", configured: "other"},
		{name: "same length mismatch", provided: "abc", configured: "abd"},
		{name: "empty provided", provided: "", configured: "k3y"},
		{name: "empty configured", provided: "k3y", configured: ""},
		{name: "both empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAPIKey(tt.provided, tt.configured))
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr string
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "padded key is trimmed", header: "Bearer   test-key \t", want: "test-key"},
		{name: "missing header", wantErr: "missing Authorization header"},
		{name: "basic scheme", header: "Basic abc", wantErr: "invalid Authorization header format"},
		{name: "lowercase scheme", header: "bearer test-key", wantErr: "invalid Authorization header format"},
		{name: "spaces only", header: "Bearer    ", wantErr: "missing API key"},
		{name: "tabs only", header: "Bearer \t\t", wantErr: "missing API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			key, err := ExtractAPIKey(req)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestAuthMiddlewareTrimsBearerKey(t *testing.T) {
	js := &mockJobs{
		getFunc: func(ctx context.Context, id string) (*jobs.Job, error) {
			return sampleJob(id, jobs.StatusSucceeded), nil
		},
	}
	h := newTestServer(js, nil, "s3cret").Handler()

	for header, want := range map[string]int{
		"Bearer s3cret  ": http.StatusOK,
		"Bearer  s3cret":  http.StatusOK,
		"Bearer   ":       http.StatusUnauthorized,
		"Bearer s3cre t":  http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, want, rr.Code, "Authorization %q", header)
	}
}
