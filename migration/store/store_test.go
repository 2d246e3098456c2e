package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJobPatchFields(t *testing.T) {
	t.Parallel()

	status := StatusFailed
	msg := "boom"
	f := JobPatch{Status: &status, Error: &msg}.Fields(fixedNow)
	assert.Equal(t, "failed", f["import_status"])
	assert.Equal(t, "boom", f["import_error"])
	assert.Equal(t, "2025-03-01T12:00:00Z", f["updated_at"])
	assert.NotContains(t, f, "progress_percent")

	f = JobPatch{ClearError: true}.Fields(fixedNow)
	v, ok := f["import_error"]
	assert.True(t, ok)
	assert.Nil(t, v)

	f = Progress(40, "Chunking conversations").Fields(fixedNow)
	assert.Equal(t, 40, f["progress_percent"])
	assert.Equal(t, "Chunking conversations", f["import_stage"])
}

func TestRESTUpdateJob(t *testing.T) {
	t.Parallel()

	var (
		method, query, prefer, apikey, auth string
		body                                map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		query = r.URL.Path + "?" + r.URL.RawQuery
		prefer = r.Header.Get("Prefer")
		apikey = r.Header.Get("apikey")
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewREST(srv.URL+"/", "user_profiles", "user_id", "svc")
	s.Now = func() time.Time { return fixedNow }

	status := StatusComplete
	md := "# MEMORY"
	err := s.UpdateJob(context.Background(), "user-1", JobPatch{
		Status:         &status,
		MemoryMarkdown: &md,
		Facts:          json.RawMessage(`{"total_count":0}`),
		ClearError:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/rest/v1/user_profiles?user_id=eq.user-1", query)
	assert.Equal(t, "return=minimal", prefer)
	assert.Equal(t, "svc", apikey)
	assert.Equal(t, "Bearer svc", auth)
	assert.Equal(t, "complete", body["import_status"])
	assert.Equal(t, "# MEMORY", body["memory_md"])
	assert.Equal(t, map[string]any{"total_count": float64(0)}, body["facts_json"])
	assert.Contains(t, body, "import_error")
	assert.Nil(t, body["import_error"])
}

func TestRESTUpdateJobRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad column", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewREST(srv.URL, "t", "user_id", "").UpdateJob(context.Background(), "x", Progress(0, "Downloading export"))
	require.ErrorIs(t, err, ErrUpdateRejected)
	assert.Contains(t, err.Error(), "bad column")
}

func TestSQLiteUpdateJob(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "jobs.db"))
	require.NoError(t, err)
	defer s.Close()
	s.Now = func() time.Time { return fixedNow }

	ctx := context.Background()
	processing := StatusProcessing
	require.NoError(t, s.UpdateJob(ctx, "job-1", JobPatch{Status: &processing, ProgressPercent: intPtr(0), Stage: strPtr("Downloading export")}))
	require.NoError(t, s.UpdateJob(ctx, "job-1", Progress(50, "Extracting facts")))

	j, err := s.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, 50, j.ProgressPercent)
	assert.Equal(t, "Extracting facts", j.Stage)
	assert.Nil(t, j.CompletedAt)
	assert.True(t, fixedNow.Equal(j.CreatedAt))

	complete := StatusComplete
	done := fixedNow.Add(time.Minute)
	require.NoError(t, s.UpdateJob(ctx, "job-1", JobPatch{
		Status:         &complete,
		MemoryMarkdown: strPtr("# MEMORY"),
		Facts:          json.RawMessage(`{"preferences":["tea"]}`),
		CompletedAt:    &done,
		ClearError:     true,
	}))

	j, err = s.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, j.Status)
	assert.Equal(t, 50, j.ProgressPercent, "untouched fields are kept")
	assert.Equal(t, "# MEMORY", j.MemoryMarkdown)
	assert.JSONEq(t, `{"preferences":["tea"]}`, j.Facts)
	require.NotNil(t, j.CompletedAt)
	assert.True(t, done.Equal(*j.CompletedAt))

	_, err = s.Job(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestNop(t *testing.T) {
	t.Parallel()
	var s Store = Nop{}
	assert.NoError(t, s.UpdateJob(context.Background(), "x", JobPatch{}))
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
