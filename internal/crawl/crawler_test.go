package crawl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/dataset"
	"github.com/crawlpool/crawlpool/internal/events"
	"github.com/crawlpool/crawlpool/internal/fetcher"
	"github.com/crawlpool/crawlpool/internal/pool"
	"github.com/crawlpool/crawlpool/internal/request"
	"github.com/crawlpool/crawlpool/internal/request/memory"
)

// stubFetcher serves a fixed status for every request.
type stubFetcher struct {
	status int
}

func (f stubFetcher) Fetch(_ context.Context, req *request.Request) (*fetcher.Response, error) {
	return &fetcher.Response{
		URL:        req.URL,
		StatusCode: f.status,
		Body:       []byte("page"),
	}, nil
}

func fastPoolOptions() pool.Options {
	return pool.Options{
		MinConcurrency:    1,
		MaxConcurrency:    4,
		MaybeRunInterval:  5 * time.Millisecond,
		AutoscaleInterval: time.Hour,
		Logger:            zap.NewNop(),
	}
}

func mustList(t *testing.T, urls ...string) *request.List {
	t.Helper()
	l, err := request.NewList(urls)
	require.NoError(t, err)
	return l
}

type countingRecorder struct {
	ok     atomic.Int64
	failed atomic.Int64
}

func (r *countingRecorder) RecordRequest(failed bool) {
	if failed {
		r.failed.Add(1)
	} else {
		r.ok.Add(1)
	}
}

func TestNewRequiresHandlerAndSource(t *testing.T) {
	t.Parallel()

	_, err := New(Options{List: mustList(t, "https://example.com/a")})
	require.Error(t, err)

	_, err = New(Options{Handler: func(context.Context, *Context) error { return nil }})
	require.Error(t, err)
}

func TestRetryCapSettlesItemTerminally(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var executions atomic.Int64
	var failedCalls atomic.Int64

	q := memory.NewQueue()
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			executions.Add(1)
			return errors.New("always fails")
		},
		FailedHandler: func(_ context.Context, page *Context, err error) {
			failedCalls.Add(1)
			require.Error(t, err)
			require.Equal(t, 2, page.Request.Retries)
		},
		MaxRetries: 2,
		Queue:      q,
		List:       mustList(t, "https://example.com/a"),
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	// Initial attempt plus two retries, each one claim-fail-settle.
	for range 3 {
		require.NoError(t, c.RunTask(ctx))
	}
	require.EqualValues(t, 3, executions.Load())
	require.EqualValues(t, 1, failedCalls.Load())

	// The item is settled for good: nothing left to claim, run finished.
	next, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, next)

	finished, err := c.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)

	stats := c.Stats()
	require.Equal(t, 3, stats.Started)
	require.Equal(t, 2, stats.Retried)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.Handled)
}

func TestNoRetrySkipsReclaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	list := mustList(t, "https://example.com/a")

	var failedOnce atomic.Int64
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			return errors.New("boom")
		},
		FailedHandler: func(context.Context, *Context, error) {
			failedOnce.Add(1)
		},
		MaxRetries: 5,
		List:       list,
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	// Flag the only item as non-retryable before it is claimed.
	req, err := list.FetchNext(ctx)
	require.NoError(t, err)
	req.NoRetry = true
	require.NoError(t, list.Reclaim(ctx, req))
	req.Retries = 0

	require.NoError(t, c.RunTask(ctx))
	require.EqualValues(t, 1, failedOnce.Load())
	require.Equal(t, 1, c.Stats().Failed)
}

func TestMergeDeduplicatesAndRunsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memory.NewQueue()

	overlap, err := request.New("https://example.com/c")
	require.NoError(t, err)
	added, err := q.Add(ctx, overlap)
	require.NoError(t, err)
	require.True(t, added)

	c, err := New(Options{
		Handler: func(context.Context, *Context) error { return nil },
		List: mustList(t,
			"https://example.com/a",
			"https://example.com/b",
			"https://example.com/c",
		),
		Queue: q,
		Pool:  fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.merge(ctx))
	pending, _, _ := q.Stats()
	require.Equal(t, 3, pending)

	// Merging again must not re-add anything.
	require.NoError(t, c.merge(ctx))
	pending, _, _ = q.Stats()
	require.Equal(t, 3, pending)
}

func TestRunHandlesEveryItemExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	invocations := map[string]int{}
	var terminal []string

	recorder := &countingRecorder{}
	sink := events.NewMemory()
	c, err := New(Options{
		Handler: func(_ context.Context, page *Context) error {
			mu.Lock()
			invocations[page.Request.URL]++
			mu.Unlock()
			if page.Request.URL == "https://example.com/b" {
				return errors.New("b is broken")
			}
			return nil
		},
		FailedHandler: func(_ context.Context, page *Context, _ error) {
			mu.Lock()
			terminal = append(terminal, page.Request.URL)
			mu.Unlock()
		},
		MaxRetries: 0,
		List: mustList(t,
			"https://example.com/a",
			"https://example.com/b",
			"https://example.com/c",
		),
		Recorder: recorder,
		Events:   sink,
		Pool:     fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))
	require.Equal(t, pool.StateFinished, c.Pool().State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]int{
		"https://example.com/a": 1,
		"https://example.com/b": 1,
		"https://example.com/c": 1,
	}, invocations)
	require.Equal(t, []string{"https://example.com/b"}, terminal)

	stats := c.Stats()
	require.Equal(t, 3, stats.Started)
	require.Equal(t, 2, stats.Handled)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.InFlight)

	require.EqualValues(t, 2, recorder.ok.Load())
	require.EqualValues(t, 1, recorder.failed.Load())

	published := sink.Events()
	require.NotEmpty(t, published)
	require.Equal(t, events.TypeRunStarted, published[0].Type)
	require.Equal(t, events.TypeRunFinished, published[len(published)-1].Type)
}

func TestMaxRequestsCapWindsDownGracefully(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var handled atomic.Int64
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			handled.Add(1)
			return nil
		},
		MaxRequests: 2,
		List: mustList(t,
			"https://example.com/a",
			"https://example.com/b",
			"https://example.com/c",
			"https://example.com/d",
		),
		Pool: fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))
	require.Equal(t, pool.StateFinished, c.Pool().State())
	require.EqualValues(t, 2, handled.Load())
	require.Equal(t, 2, c.Stats().Started)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failed atomic.Int64
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			panic("handler exploded")
		},
		FailedHandler: func(context.Context, *Context, error) {
			failed.Add(1)
		},
		MaxRetries: 0,
		List:       mustList(t, "https://example.com/a"),
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))
	require.Equal(t, pool.StateFinished, c.Pool().State())
	require.EqualValues(t, 1, failed.Load())
}

func TestHandlerTimeoutFailsAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blocked := make(chan struct{})
	defer close(blocked)

	c, err := New(Options{
		Handler: func(ctx context.Context, _ *Context) error {
			select {
			case <-blocked:
			case <-ctx.Done():
			}
			return ctx.Err()
		},
		MaxRetries:     0,
		HandlerTimeout: 20 * time.Millisecond,
		List:           mustList(t, "https://example.com/a"),
		Pool:           fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.RunTask(ctx))
	require.Equal(t, 1, c.Stats().Failed)
}

func TestClientErrorStatusReachesHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var seenStatus atomic.Int64
	c, err := New(Options{
		Handler: func(_ context.Context, page *Context) error {
			seenStatus.Store(int64(page.Response.StatusCode))
			return nil
		},
		Fetcher:    stubFetcher{status: 404},
		MaxRetries: 2,
		List:       mustList(t, "https://example.com/missing"),
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.RunTask(ctx))
	require.EqualValues(t, 404, seenStatus.Load())

	stats := c.Stats()
	require.Equal(t, 1, stats.Handled)
	require.Equal(t, 0, stats.Retried)
	require.Equal(t, 0, stats.Failed)
}

func TestServerErrorStatusIsRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var handlerRuns atomic.Int64
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			handlerRuns.Add(1)
			return nil
		},
		Fetcher:    stubFetcher{status: 503},
		MaxRetries: 1,
		List:       mustList(t, "https://example.com/down"),
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.RunTask(ctx))
	require.NoError(t, c.RunTask(ctx))
	require.EqualValues(t, 0, handlerRuns.Load(), "server errors must never reach the handler")

	stats := c.Stats()
	require.Equal(t, 1, stats.Retried)
	require.Equal(t, 1, stats.Failed)
}

func TestFetchErrorFeedsRetryLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var handlerRuns atomic.Int64
	c, err := New(Options{
		Handler: func(context.Context, *Context) error {
			handlerRuns.Add(1)
			return nil
		},
		Fetcher:    fetcher.NewNoop(),
		MaxRetries: 1,
		List:       mustList(t, "https://example.com/a"),
		Pool:       fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.RunTask(ctx))
	require.NoError(t, c.RunTask(ctx))
	require.EqualValues(t, 0, handlerRuns.Load())

	stats := c.Stats()
	require.Equal(t, 1, stats.Retried)
	require.Equal(t, 1, stats.Failed)
}

func TestEnqueueFiltersAndDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := memory.NewQueue()
	c, err := New(Options{
		Handler:      func(context.Context, *Context) error { return nil },
		Queue:        q,
		MaxDepth:     2,
		SameHostOnly: true,
		Pool:         fastPoolOptions(),
	})
	require.NoError(t, err)

	parent, err := request.New("https://example.com/start")
	require.NoError(t, err)
	parent.Depth = 1
	page := &Context{crawler: c, Request: parent, Logger: zap.NewNop()}

	added, err := page.Enqueue(ctx,
		"https://example.com/next",
		"https://example.com/next", // duplicate
		"https://other.com/elsewhere",
		"::not-a-url::",
	)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	child, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/next", child.URL)
	require.Equal(t, 2, child.Depth)

	// A parent at the depth limit cannot enqueue deeper links.
	deep := &Context{crawler: c, Request: child, Logger: zap.NewNop()}
	added, err = deep.Enqueue(ctx, "https://example.com/too-deep")
	require.NoError(t, err)
	require.Equal(t, 0, added)
}

func TestPushDataAppendsToDataset(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := dataset.NewMemory()
	c, err := New(Options{
		Handler: func(ctx context.Context, page *Context) error {
			return page.PushData(ctx, map[string]any{"url": page.Request.URL})
		},
		List:    mustList(t, "https://example.com/a"),
		Dataset: store,
		Pool:    fastPoolOptions(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))
	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}
