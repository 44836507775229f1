// Package fetcher defines how the crawler retrieves page content.
package fetcher

import (
	"context"
	"net/http"
	"time"

	"github.com/crawlpool/crawlpool/internal/request"
)

// Response is the outcome of fetching one request.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves the content behind one request.
type Fetcher interface {
	Fetch(ctx context.Context, req *request.Request) (*Response, error)
}
