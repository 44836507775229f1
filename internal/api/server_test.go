package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/crawl"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/pool"
	"github.com/crawlpool/crawlpool/internal/request"
)

func newTestServer(t *testing.T) (*Server, *crawl.Crawler) {
	t.Helper()
	list, err := request.NewList([]string{"https://example.com/a"})
	require.NoError(t, err)

	c, err := crawl.New(crawl.Options{
		Handler: func(context.Context, *crawl.Context) error { return nil },
		List:    list,
	})
	require.NoError(t, err)
	return NewServer(c, nil, zap.NewNop()), c
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusReportsPoolAndStats(t *testing.T) {
	t.Parallel()

	s, c := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RunID string        `json:"run_id"`
		Pool  pool.Snapshot `json:"pool"`
		Stats crawl.Stats   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, c.RunID(), resp.RunID)
	require.Equal(t, pool.StateIdle, resp.Pool.State)
	require.Equal(t, 0, resp.Stats.Started)
}

func TestAbortSettlesPool(t *testing.T) {
	t.Parallel()

	s, c := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawl/abort", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, pool.StateAborted, c.Pool().State())
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	metrics.Init()
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
