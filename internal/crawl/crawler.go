// Package crawl binds request sources, fetching and handlers into the
// task hooks the autoscaled pool schedules.
package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/clock"
	"github.com/crawlpool/crawlpool/internal/clock/system"
	"github.com/crawlpool/crawlpool/internal/dataset"
	"github.com/crawlpool/crawlpool/internal/events"
	"github.com/crawlpool/crawlpool/internal/fetcher"
	"github.com/crawlpool/crawlpool/internal/id/uuid"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/pool"
	"github.com/crawlpool/crawlpool/internal/request"
)

// Handler processes one fetched page. A returned error marks the attempt
// failed and feeds the item's retry ledger; it is never fatal to the run.
type Handler func(ctx context.Context, page *Context) error

// FailedHandler observes an item whose retries are exhausted. It runs
// exactly once per item, right before the item is settled for good.
type FailedHandler func(ctx context.Context, page *Context, err error)

// RequestRecorder receives one outcome per processed item. It feeds the
// client overload signal.
type RequestRecorder interface {
	RecordRequest(failed bool)
}

// Options configures a Crawler.
type Options struct {
	Handler       Handler
	FailedHandler FailedHandler

	// Fetcher retrieves page content before the handler runs. When nil the
	// handler performs its own I/O.
	Fetcher fetcher.Fetcher

	// MaxRetries bounds processing attempts per item beyond the first.
	MaxRetries int
	// HandlerTimeout bounds one processing attempt, fetch included.
	HandlerTimeout time.Duration
	// MaxRequests caps the number of items started across the whole run.
	// Zero means unlimited.
	MaxRequests int

	// MaxDepth drops enqueued links deeper than this many hops from a
	// seed. Zero means unlimited.
	MaxDepth int
	// SameHostOnly drops enqueued links whose host differs from the page
	// they were found on.
	SameHostOnly bool

	// List holds the static seed requests. Optional when Queue is set.
	List *request.List
	// Queue is the dynamic source that accepts requests found while
	// crawling. Optional when List is set, but Enqueue requires it.
	Queue request.Queue

	Recorder RequestRecorder
	Dataset  dataset.Dataset
	Events   events.Publisher
	Clock    clock.Clock
	Logger   *zap.Logger

	Pool pool.Options
}

func (o *Options) applyDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Stats are cumulative counters for one crawl run.
type Stats struct {
	Started  int `json:"started"`
	Handled  int `json:"handled"`
	Failed   int `json:"failed"`
	Retried  int `json:"retried"`
	InFlight int `json:"in_flight"`
}

// Crawler drains request sources through the autoscaled pool.
type Crawler struct {
	opts   Options
	runID  string
	source request.Source
	pool   *pool.AutoscaledPool

	mergeOnce sync.Once
	mergeErr  error

	mu       sync.Mutex
	started  int
	handled  int
	failed   int
	retried  int
	inFlight int
}

// New validates the options and builds a crawler with its pool.
func New(opts Options) (*Crawler, error) {
	opts.applyDefaults()
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if opts.List == nil && opts.Queue == nil {
		return nil, fmt.Errorf("at least one request source is required")
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	c := &Crawler{
		opts:  opts,
		runID: runID,
	}
	if opts.Queue != nil {
		c.source = opts.Queue
	} else {
		c.source = opts.List
	}
	poolOpts := opts.Pool
	if poolOpts.Logger == nil {
		poolOpts.Logger = opts.Logger
	}
	c.pool = pool.New(c, poolOpts)
	return c, nil
}

// RunID identifies this crawl run in logs and events.
func (c *Crawler) RunID() string {
	return c.runID
}

// Run merges the request sources and drives the pool until the crawl
// settles.
func (c *Crawler) Run(ctx context.Context) error {
	if err := c.merge(ctx); err != nil {
		return err
	}
	c.publish(ctx, events.Event{Type: events.TypeRunStarted})
	c.opts.Logger.Info("crawl started", zap.String("run_id", c.runID))

	err := c.pool.Run(ctx)

	stats := c.Stats()
	note := ""
	if err != nil {
		note = err.Error()
	}
	c.publish(ctx, events.Event{Type: events.TypeRunFinished, Note: note})
	c.opts.Logger.Info("crawl finished",
		zap.String("run_id", c.runID),
		zap.String("state", string(c.pool.State())),
		zap.Int("handled", stats.Handled),
		zap.Int("failed", stats.Failed),
		zap.Error(err),
	)
	return err
}

// Abort force-settles the run, discarding in-flight work.
func (c *Crawler) Abort() {
	c.pool.Abort()
}

// Pool exposes the scheduler's control state.
func (c *Crawler) Pool() *pool.AutoscaledPool {
	return c.pool
}

// Stats returns the run's cumulative counters.
func (c *Crawler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Started:  c.started,
		Handled:  c.handled,
		Failed:   c.failed,
		Retried:  c.retried,
		InFlight: c.inFlight,
	}
}

// merge drains the static list into the dynamic queue, once. Duplicate
// keys already present in the queue are dropped by the queue itself.
func (c *Crawler) merge(ctx context.Context) error {
	c.mergeOnce.Do(func() {
		if c.opts.List == nil || c.opts.Queue == nil {
			return
		}
		c.mergeErr = c.opts.List.Drain(ctx, func(req *request.Request) error {
			if req.EnqueuedAt.IsZero() {
				req.EnqueuedAt = c.opts.Clock.Now()
			}
			_, err := c.opts.Queue.Add(ctx, req)
			return err
		})
		if c.mergeErr != nil {
			c.mergeErr = fmt.Errorf("merge request list into queue: %w", c.mergeErr)
		}
	})
	return c.mergeErr
}

// IsTaskReady reports whether an item can start now: the run cap is not
// reached and the source has something to claim.
func (c *Crawler) IsTaskReady(ctx context.Context) (bool, error) {
	if err := c.merge(ctx); err != nil {
		return false, err
	}
	if c.capReached() {
		return false, nil
	}
	empty, err := c.source.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("source emptiness check: %w", err)
	}
	return !empty, nil
}

// IsFinished reports whether no item can ever start again: either the
// source is exhausted forever, or the run cap is reached and the last
// in-flight item has settled.
func (c *Crawler) IsFinished(ctx context.Context) (bool, error) {
	if err := c.merge(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	capped := c.capReachedLocked() && c.inFlight == 0
	inFlight := c.inFlight
	c.mu.Unlock()
	if capped {
		return true, nil
	}
	finished, err := c.source.IsFinished(ctx)
	if err != nil {
		return false, fmt.Errorf("source finished check: %w", err)
	}
	return finished && inFlight == 0, nil
}

// RunTask claims one item and processes it to a settlement: handled,
// reclaimed for retry, or terminally failed. Handler errors stay inside
// the item's retry ledger; only store failures propagate and stop the
// run.
func (c *Crawler) RunTask(ctx context.Context) error {
	// Reserve a start slot before claiming, so concurrent tasks cannot
	// overshoot the run cap.
	c.mu.Lock()
	if c.capReachedLocked() {
		c.mu.Unlock()
		return nil
	}
	c.started++
	c.inFlight++
	c.mu.Unlock()

	req, err := c.source.FetchNext(ctx)
	if err != nil || req == nil {
		// Raced with another task over the last available item, or the
		// store failed; give the slot back either way.
		c.mu.Lock()
		c.started--
		c.inFlight--
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("fetch next request: %w", err)
		}
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	page := &Context{
		crawler: c,
		Request: req,
		Logger:  c.opts.Logger.With(zap.String("url", req.URL)),
	}

	start := c.opts.Clock.Now()
	attemptErr := c.process(ctx, page)
	elapsed := c.opts.Clock.Now().Sub(start)

	c.record(attemptErr != nil)

	if attemptErr == nil {
		if err := c.source.MarkHandled(ctx, req); err != nil {
			return fmt.Errorf("mark request handled: %w", err)
		}
		c.mu.Lock()
		c.handled++
		c.mu.Unlock()
		metrics.ObserveRequest("handled", elapsed)
		c.publish(ctx, events.Event{Type: events.TypeRequestHandled, URL: req.URL, Retries: req.Retries})
		return nil
	}

	req.LastError = attemptErr.Error()

	if req.NoRetry || req.Retries >= c.opts.MaxRetries {
		c.failTerminally(ctx, page, attemptErr)
		if err := c.source.MarkHandled(ctx, req); err != nil {
			return fmt.Errorf("settle failed request: %w", err)
		}
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()
		metrics.ObserveRequest("failed", elapsed)
		c.publish(ctx, events.Event{
			Type: events.TypeRequestFailed, URL: req.URL,
			Retries: req.Retries, Note: attemptErr.Error(),
		})
		return nil
	}

	if err := c.source.Reclaim(ctx, req); err != nil {
		return fmt.Errorf("reclaim request: %w", err)
	}
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
	metrics.ObserveRequest("retried", elapsed)
	c.publish(ctx, events.Event{
		Type: events.TypeRequestRetried, URL: req.URL,
		Retries: req.Retries, Note: attemptErr.Error(),
	})
	c.opts.Logger.Debug("request reclaimed for retry",
		zap.String("url", req.URL),
		zap.Int("retries", req.Retries),
		zap.Error(attemptErr),
	)
	return nil
}

// process runs one attempt: fetch when configured, then the handler,
// under the attempt timeout and with panics contained.
func (c *Crawler) process(ctx context.Context, page *Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- c.attempt(attemptCtx, page)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("attempt timed out: %w", attemptCtx.Err())
	}
}

func (c *Crawler) attempt(ctx context.Context, page *Context) error {
	if c.opts.Fetcher != nil {
		resp, err := c.opts.Fetcher.Fetch(ctx, page.Request)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("fetch: http %d", resp.StatusCode)
		}
		page.Response = resp
	}
	return c.opts.Handler(ctx, page)
}

// retryableStatus marks responses worth another attempt. Other 4xx
// statuses reach the handler, which may still fail the item itself.
func retryableStatus(code int) bool {
	return code >= 500 || code == 429 || code == 408
}

// failTerminally invokes the failed handler exactly once for the item.
// Its panics are contained so a buggy callback cannot take the run down.
func (c *Crawler) failTerminally(ctx context.Context, page *Context, cause error) {
	c.opts.Logger.Warn("request failed terminally",
		zap.String("url", page.Request.URL),
		zap.Int("retries", page.Request.Retries),
		zap.Error(cause),
	)
	if c.opts.FailedHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.opts.Logger.Error("failed handler panic", zap.Any("panic", r))
		}
	}()
	c.opts.FailedHandler(ctx, page, cause)
}

func (c *Crawler) capReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capReachedLocked()
}

func (c *Crawler) capReachedLocked() bool {
	return c.opts.MaxRequests > 0 && c.started >= c.opts.MaxRequests
}

func (c *Crawler) record(failed bool) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordRequest(failed)
	}
}

func (c *Crawler) publish(ctx context.Context, event events.Event) {
	if c.opts.Events == nil {
		return
	}
	event.RunID = c.runID
	event.TS = c.opts.Clock.Now()
	if err := c.opts.Events.Publish(ctx, event); err != nil {
		c.opts.Logger.Warn("publish event failed",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}
