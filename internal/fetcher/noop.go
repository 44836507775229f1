package fetcher

import (
	"context"
	"errors"

	"github.com/crawlpool/crawlpool/internal/request"
)

// Noop implements Fetcher but always returns an error, for builds or
// tests where no fetching backend is available.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(_ context.Context, _ *request.Request) (*Response, error) {
	return nil, errors.New("fetcher not configured")
}
