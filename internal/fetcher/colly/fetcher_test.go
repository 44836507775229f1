package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlpool/crawlpool/internal/request"
)

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>hi</title></html>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	req, err := request.New(srv.URL + "/page")
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<title>hi</title>")
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Positive(t, resp.Duration)
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "no such page", http.StatusNotFound)
		default:
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})

	notFound, err := request.New(srv.URL + "/missing")
	require.NoError(t, err)
	resp, err := f.Fetch(context.Background(), notFound)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(resp.Body), "no such page")

	down, err := request.New(srv.URL + "/down")
	require.NoError(t, err)
	resp, err = f.Fetch(context.Background(), down)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchReportsTransportFailures(t *testing.T) {
	t.Parallel()

	// Closing the server before fetching leaves nothing listening on the
	// port, so the failure happens below HTTP.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	req, err := request.New(target + "/gone")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), req)
	require.Error(t, err)
}

func TestFetchRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 30 * time.Second})
	req, err := request.New(srv.URL + "/slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, req)
	require.Error(t, err)
}
