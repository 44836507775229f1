// Package collyfetcher implements plain HTTP fetching with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlpool/crawlpool/internal/fetcher"
	"github.com/crawlpool/crawlpool/internal/request"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration

	// MaxRPS and Burst bound the request rate per target host. A zero
	// MaxRPS disables limiting.
	MaxRPS float64
	Burst  int
}

// Fetcher retrieves pages over plain HTTP using a Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       *fetcher.Limiter
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// Non-2xx responses are data, not transport failures; the caller
	// decides which statuses are worth a retry.
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		limiter:       fetcher.NewLimiter(cfg.MaxRPS, cfg.Burst),
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using Colly.
func (f *Fetcher) Fetch(ctx context.Context, req *request.Request) (*fetcher.Response, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return nil, err
	}

	var (
		result   *fetcher.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		result = &fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		done <- collector.Request(method, req.URL, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", req.URL, err)
		}
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, fetchErr)
	}
	if result == nil {
		return nil, fmt.Errorf("fetch %s: no response received", req.URL)
	}
	return result, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
