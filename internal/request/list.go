package request

import (
	"context"
	"fmt"
	"sync"
)

// List is a static, in-memory source seeded once from a fixed set of URLs.
// It hands requests out in order and can never grow, so it is finished as
// soon as everything handed out has been handled.
type List struct {
	mu       sync.Mutex
	pending  []*Request
	inFlight map[string]*Request
	handled  map[string]struct{}
}

// NewList builds a List from seed URLs, deduplicating by unique key.
func NewList(urls []string) (*List, error) {
	l := &List{
		inFlight: make(map[string]*Request),
		handled:  make(map[string]struct{}),
	}
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		req, err := New(raw)
		if err != nil {
			return nil, fmt.Errorf("seed url: %w", err)
		}
		if _, dup := seen[req.UniqueKey]; dup {
			continue
		}
		seen[req.UniqueKey] = struct{}{}
		l.pending = append(l.pending, req)
	}
	return l, nil
}

// FetchNext claims the next pending request in seed order.
func (l *List) FetchNext(_ context.Context) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, nil
	}
	req := l.pending[0]
	l.pending = l.pending[1:]
	l.inFlight[req.UniqueKey] = req
	return req, nil
}

// MarkHandled settles a claimed request.
func (l *List) MarkHandled(_ context.Context, req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inFlight[req.UniqueKey]; !ok {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	delete(l.inFlight, req.UniqueKey)
	l.handled[req.UniqueKey] = struct{}{}
	return nil
}

// Reclaim returns a claimed request to the front of the list with its retry
// count bumped.
func (l *List) Reclaim(_ context.Context, req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inFlight[req.UniqueKey]; !ok {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	delete(l.inFlight, req.UniqueKey)
	req.Retries++
	l.pending = append([]*Request{req}, l.pending...)
	return nil
}

// IsEmpty reports whether nothing is pending.
func (l *List) IsEmpty(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0, nil
}

// IsFinished reports whether every seed request has been handled.
func (l *List) IsFinished(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0 && len(l.inFlight) == 0, nil
}

// Drain hands every remaining pending request to visit, stopping at the
// first error. It is used for one-time merges into a dynamic queue.
func (l *List) Drain(ctx context.Context, visit func(*Request) error) error {
	for {
		req, err := l.FetchNext(ctx)
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		if err := visit(req); err != nil {
			return err
		}
		if err := l.MarkHandled(ctx, req); err != nil {
			return err
		}
	}
}
