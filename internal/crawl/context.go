package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/fetcher"
	"github.com/crawlpool/crawlpool/internal/request"
)

// Context carries one item through its processing attempt and gives the
// handler its side channels: enqueueing discovered links and pushing
// extracted records.
type Context struct {
	crawler *Crawler

	// Request is the item being processed.
	Request *request.Request
	// Response holds the fetched content when a fetcher is configured,
	// nil otherwise.
	Response *fetcher.Response
	// Logger is scoped to the item's URL.
	Logger *zap.Logger
}

// Enqueue adds discovered URLs to the dynamic queue, one depth level
// below the current item. URLs crossing the depth or host policy are
// skipped silently; it returns how many were actually added.
func (p *Context) Enqueue(ctx context.Context, rawURLs ...string) (int, error) {
	if p.crawler.opts.Queue == nil {
		return 0, fmt.Errorf("enqueueing requires a dynamic queue")
	}

	depth := p.Request.Depth + 1
	if p.crawler.opts.MaxDepth > 0 && depth > p.crawler.opts.MaxDepth {
		return 0, nil
	}
	parentHost := hostOf(p.Request.URL)

	added := 0
	for _, raw := range rawURLs {
		req, err := request.New(raw)
		if err != nil {
			p.Logger.Debug("skipping unparseable link", zap.String("link", raw), zap.Error(err))
			continue
		}
		if p.crawler.opts.SameHostOnly && hostOf(req.URL) != parentHost {
			continue
		}
		req.Depth = depth
		req.EnqueuedAt = p.crawler.opts.Clock.Now()

		ok, err := p.crawler.opts.Queue.Add(ctx, req)
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", req.URL, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// PushData appends one extracted record to the run's dataset.
func (p *Context) PushData(ctx context.Context, record map[string]any) error {
	if p.crawler.opts.Dataset == nil {
		return fmt.Errorf("pushing data requires a dataset")
	}
	if err := p.crawler.opts.Dataset.Push(ctx, record); err != nil {
		return fmt.Errorf("push record: %w", err)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
