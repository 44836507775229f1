// Package request defines the crawl work item and the store contracts the
// orchestrator schedules against.
package request

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request is one unit of crawlable work with its own retry ledger. The
// scheduler never mutates a request directly; lifecycle transitions go
// through the owning store.
type Request struct {
	// UniqueKey deduplicates requests across sources. It defaults to the
	// normalized URL.
	UniqueKey string `json:"unique_key"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	// Label lets handlers route requests to different logic.
	Label string `json:"label,omitempty"`
	// Depth counts enqueue hops from a seed request.
	Depth int `json:"depth"`

	Retries   int    `json:"retries"`
	NoRetry   bool   `json:"no_retry"`
	LastError string `json:"last_error,omitempty"`

	UserData   map[string]any `json:"user_data,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// New builds a GET request for the given URL with a normalized unique key.
func New(rawURL string) (*Request, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		UniqueKey: key,
		URL:       rawURL,
		Method:    "GET",
	}, nil
}

// NormalizeURL produces the canonical form used as a unique key: lowercased
// scheme and host, no fragment, no trailing slash on the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// Source is the store contract the orchestrator drains work from.
//
// FetchNext returns nil with no error when the source is momentarily empty;
// that is distinct from IsFinished, which only reports true when no item
// can ever appear again.
type Source interface {
	// FetchNext claims the next available request, moving it in flight.
	FetchNext(ctx context.Context) (*Request, error)
	// MarkHandled settles a claimed request for good. Handled requests are
	// never offered again.
	MarkHandled(ctx context.Context, req *Request) error
	// Reclaim returns a claimed request to the pool of available work and
	// bumps its persisted retry count.
	Reclaim(ctx context.Context, req *Request) error
	// IsEmpty reports whether no request is currently available to claim.
	IsEmpty(ctx context.Context) (bool, error)
	// IsFinished reports whether the source is exhausted forever: nothing
	// available, nothing in flight, and no way for new work to appear.
	IsFinished(ctx context.Context) (bool, error)
}

// Queue is a dynamic source that accepts new requests while being drained.
type Queue interface {
	Source
	// Add enqueues a request, deduplicating by unique key. It reports
	// whether the request was actually added.
	Add(ctx context.Context, req *Request) (bool, error)
}
