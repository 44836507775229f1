// Package memory provides the in-memory request queue used for local runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlpool/crawlpool/internal/request"
)

// Queue is a dynamic in-memory request queue. Requests are deduplicated by
// unique key for the lifetime of the queue, including against already
// handled requests, so an item can never be processed twice.
type Queue struct {
	mu       sync.Mutex
	pending  []string
	byKey    map[string]*request.Request
	inFlight map[string]struct{}
	handled  map[string]struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		byKey:    make(map[string]*request.Request),
		inFlight: make(map[string]struct{}),
		handled:  make(map[string]struct{}),
	}
}

// Add enqueues a request unless its unique key was seen before.
func (q *Queue) Add(_ context.Context, req *request.Request) (bool, error) {
	if req == nil || req.UniqueKey == "" {
		return false, fmt.Errorf("request with a unique key is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.byKey[req.UniqueKey]; dup {
		return false, nil
	}
	if _, dup := q.handled[req.UniqueKey]; dup {
		return false, nil
	}
	stored := *req
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = time.Now().UTC()
	}
	q.byKey[req.UniqueKey] = &stored
	q.pending = append(q.pending, req.UniqueKey)
	return true, nil
}

// FetchNext claims the oldest available request, or returns nil when none
// is available right now.
func (q *Queue) FetchNext(_ context.Context) (*request.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	key := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight[key] = struct{}{}
	claimed := *q.byKey[key]
	return &claimed, nil
}

// MarkHandled settles a claimed request for good.
func (q *Queue) MarkHandled(_ context.Context, req *request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[req.UniqueKey]; !ok {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	delete(q.inFlight, req.UniqueKey)
	delete(q.byKey, req.UniqueKey)
	q.handled[req.UniqueKey] = struct{}{}
	return nil
}

// Reclaim returns a claimed request to the back of the queue and bumps its
// retry count.
func (q *Queue) Reclaim(_ context.Context, req *request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[req.UniqueKey]; !ok {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	delete(q.inFlight, req.UniqueKey)
	stored := q.byKey[req.UniqueKey]
	stored.Retries++
	stored.LastError = req.LastError
	q.pending = append(q.pending, req.UniqueKey)
	return nil
}

// IsEmpty reports whether no request is available to claim.
func (q *Queue) IsEmpty(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0, nil
}

// IsFinished reports whether the queue is fully drained: nothing pending
// and nothing in flight. In-flight requests may still reclaim themselves or
// enqueue new work, so the verdict holds only as long as both sets stay
// empty.
func (q *Queue) IsFinished(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inFlight) == 0, nil
}

// Stats returns pending/in-flight/handled counts for logging.
func (q *Queue) Stats() (pending, inFlight, handled int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inFlight), len(q.handled)
}
