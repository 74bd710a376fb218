package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repolizer/internal/data"
	"repolizer/internal/jobs"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Jobs(t *testing.T) {
	tbl := jobs.NewTable()
	j := tbl.Create(3)
	require.NoError(t, tbl.Record(j.ID, 1, 3, data.Report{
		Repository:   data.Repository{ID: "42", FullName: "octo/hello"},
		Status:       data.StatusCompleted,
		OverallScore: data.Score(87.5),
	}))
	r := NewRouter(tbl, nil)

	w := get(t, r, "/jobs/"+j.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "running", got["status"])
	assert.Equal(t, map[string]any{"done": 1.0, "total": 3.0}, got["progress"])
	rep := got["report"].(map[string]any)
	assert.Equal(t, 87.5, rep["overall_score"])

	w = get(t, r, "/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, j.ID, list.Jobs[0].ID)
}

func TestRouter_UnknownJob(t *testing.T) {
	r := NewRouter(jobs.NewTable(), nil)
	w := get(t, r, "/jobs/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job not found")
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r := NewRouter(jobs.NewTable(), nil)
	w := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	w = get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_ReadOnly(t *testing.T) {
	r := NewRouter(jobs.NewTable(), nil)
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodPost, "/jobs", nil)
	require.NoError(t, err)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, NewRouter(jobs.NewTable(), nil), nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
