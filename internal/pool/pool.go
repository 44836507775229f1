// Package pool implements an adaptive concurrency scheduler. The pool runs
// caller-supplied tasks at a concurrency target it continuously adjusts from
// system health signals, and detects termination over a work source whose
// size is unknown and may grow while being drained.
package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/metrics"
)

// State is the lifecycle phase of a pool run.
type State string

// Pool run states. Finished, Aborted and Errored are terminal.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateFinished State = "finished"
	StateAborted  State = "aborted"
	StateErrored  State = "errored"
)

func (s State) terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateErrored
}

// Runner supplies the three hooks that bind the pool to a work source. The
// pool knows nothing about what a task does; the hooks carry all crawling
// semantics.
type Runner interface {
	// RunTask executes exactly one unit of work. A non-nil error is fatal to
	// the whole pool: recoverable per-item failures must be translated into
	// retry decisions before they reach here.
	RunTask(ctx context.Context) error
	// IsTaskReady reports whether at least one unit of work can be started
	// right now.
	IsTaskReady(ctx context.Context) (bool, error)
	// IsFinished reports whether no work remains and none can ever appear.
	IsFinished(ctx context.Context) (bool, error)
}

// StatusProvider feeds health verdicts into scaling decisions.
type StatusProvider interface {
	// CurrentlyHealthy gates admission and forces scale-down when false.
	CurrentlyHealthy() bool
	// HistoricallyHealthy gates scale-up, so growth follows sustained health.
	HistoricallyHealthy() bool
}

// alwaysHealthy is the fallback when no status provider is configured.
type alwaysHealthy struct{}

func (alwaysHealthy) CurrentlyHealthy() bool    { return true }
func (alwaysHealthy) HistoricallyHealthy() bool { return true }

// Options tunes the pool's concurrency envelope and tick cadence.
type Options struct {
	MinConcurrency int
	MaxConcurrency int

	// DesiredConcurrencyRatio is the minimum current/desired saturation
	// required before the pool considers scaling up.
	DesiredConcurrencyRatio float64

	// ScaleUpStepRatio and ScaleDownStepRatio size each autoscale step as a
	// fraction of the current target. Steps are never rounded below one so
	// scaling cannot stall at small concurrency values.
	ScaleUpStepRatio   float64
	ScaleDownStepRatio float64

	// MaybeRunInterval re-runs the admission loop even without a settled
	// task, covering readiness that appears through external progress.
	MaybeRunInterval time.Duration

	// AutoscaleInterval is the cadence of desired-concurrency recomputation.
	AutoscaleInterval time.Duration

	// LoggingInterval enables periodic status logging when positive.
	LoggingInterval time.Duration

	Status StatusProvider
	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 200
	}
	if o.MaxConcurrency < o.MinConcurrency {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.DesiredConcurrencyRatio <= 0 || o.DesiredConcurrencyRatio > 1 {
		o.DesiredConcurrencyRatio = 0.95
	}
	if o.ScaleUpStepRatio <= 0 {
		o.ScaleUpStepRatio = 0.05
	}
	if o.ScaleDownStepRatio <= 0 {
		o.ScaleDownStepRatio = 0.05
	}
	if o.MaybeRunInterval <= 0 {
		o.MaybeRunInterval = 500 * time.Millisecond
	}
	if o.AutoscaleInterval <= 0 {
		o.AutoscaleInterval = 10 * time.Second
	}
	if o.Status == nil {
		o.Status = alwaysHealthy{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Snapshot is a read-only view of the pool's control state.
type Snapshot struct {
	State   State `json:"state"`
	Current int   `json:"current_concurrency"`
	Desired int   `json:"desired_concurrency"`
	Min     int   `json:"min_concurrency"`
	Max     int   `json:"max_concurrency"`
}

// AutoscaledPool schedules tasks against an adaptive concurrency target.
// All control state is confined behind one mutex; task goroutines report
// outcomes only through their settlement signal.
type AutoscaledPool struct {
	opts   Options
	runner Runner

	mu       sync.Mutex
	state    State
	current  int
	desired  int
	fatalErr error

	wake      chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
}

// New builds a pool around the given runner.
func New(runner Runner, opts Options) *AutoscaledPool {
	opts.applyDefaults()
	return &AutoscaledPool{
		opts:    opts,
		runner:  runner,
		state:   StateIdle,
		wake:    make(chan struct{}, 1),
		abortCh: make(chan struct{}),
	}
}

// Run drives the pool until the work source is exhausted, a task fails, or
// the run is aborted. It returns nil on Finished and Aborted, the first
// fatal task error on Errored, and ctx.Err() if the context ends the run.
// Run may be called once per pool.
func (p *AutoscaledPool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pool cannot run from state %q", state)
	}
	p.state = StateRunning
	p.desired = p.opts.MinConcurrency
	p.mu.Unlock()
	metrics.SetConcurrency(0, p.opts.MinConcurrency)

	maybeTick := time.NewTicker(p.opts.MaybeRunInterval)
	defer maybeTick.Stop()
	scaleTick := time.NewTicker(p.opts.AutoscaleInterval)
	defer scaleTick.Stop()

	var logC <-chan time.Time
	if p.opts.LoggingInterval > 0 {
		logTick := time.NewTicker(p.opts.LoggingInterval)
		defer logTick.Stop()
		logC = logTick.C
	}

	for {
		if done, err := p.admit(ctx); done {
			return err
		}
		select {
		case <-ctx.Done():
			p.Abort()
			return ctx.Err()
		case <-p.abortCh:
			return nil
		case <-p.wake:
		case <-maybeTick.C:
		case <-scaleTick.C:
			p.autoscale()
		case <-logC:
			p.logStatus()
		}
	}
}

// admit launches tasks while capacity and readiness allow. It returns done
// when the run has settled, carrying the run's result.
func (p *AutoscaledPool) admit(ctx context.Context) (bool, error) {
	for {
		p.mu.Lock()
		switch p.state {
		case StateAborted:
			p.mu.Unlock()
			return true, nil
		case StateFinished, StateErrored:
			p.mu.Unlock()
			return true, p.fatalErr
		case StatePausing:
			p.state = StatePaused
			p.mu.Unlock()
			return false, nil
		case StatePaused:
			p.mu.Unlock()
			return false, nil
		}
		if p.fatalErr != nil {
			// Fail fast: admit nothing more, but give the in-flight tasks
			// the chance to finish before settling.
			if p.current == 0 {
				p.state = StateErrored
				err := p.fatalErr
				p.mu.Unlock()
				return true, err
			}
			p.mu.Unlock()
			return false, nil
		}
		if p.current >= p.desired {
			p.mu.Unlock()
			return false, nil
		}
		drained := p.current == 0
		p.mu.Unlock()

		ready, err := p.runner.IsTaskReady(ctx)
		if err != nil {
			p.fail(fmt.Errorf("task readiness check: %w", err))
			continue
		}
		if !ready {
			finished, err := p.runner.IsFinished(ctx)
			if err != nil {
				p.fail(fmt.Errorf("finished check: %w", err))
				continue
			}
			if finished && drained {
				p.mu.Lock()
				// Re-check under the lock: a task admitted between the
				// drained read and here keeps the run alive.
				if p.state == StateRunning && p.current == 0 && p.fatalErr == nil {
					p.state = StateFinished
					p.mu.Unlock()
					return true, nil
				}
				p.mu.Unlock()
			}
			return false, nil
		}

		p.mu.Lock()
		if p.state != StateRunning || p.fatalErr != nil || p.current >= p.desired {
			p.mu.Unlock()
			continue
		}
		p.current++
		current, desired := p.current, p.desired
		p.mu.Unlock()
		metrics.SetConcurrency(current, desired)

		go p.runOne(ctx)
	}
}

func (p *AutoscaledPool) runOne(ctx context.Context) {
	err := p.runner.RunTask(ctx)

	p.mu.Lock()
	p.current--
	// Results of tasks still running after an abort are discarded.
	if err != nil && p.fatalErr == nil && !p.state.terminal() {
		p.fatalErr = err
	}
	current, desired := p.current, p.desired
	p.mu.Unlock()
	metrics.SetConcurrency(current, desired)

	if err != nil {
		metrics.ObserveTask("error")
		p.opts.Logger.Error("pool task failed", zap.Error(err))
	} else {
		metrics.ObserveTask("ok")
	}
	p.signal()
}

// autoscale recomputes the desired concurrency. Scale-down applies on every
// unhealthy tick regardless of saturation; scale-up requires saturation and
// sustained historical health.
func (p *AutoscaledPool) autoscale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning && p.state != StatePausing && p.state != StatePaused {
		return
	}

	switch {
	case !p.opts.Status.CurrentlyHealthy():
		step := scaleStep(p.desired, p.opts.ScaleDownStepRatio)
		next := p.desired - step
		if next < p.opts.MinConcurrency {
			next = p.opts.MinConcurrency
		}
		if next != p.desired {
			p.desired = next
			metrics.ObserveScaleEvent("down")
			p.opts.Logger.Debug("scaled down", zap.Int("desired", p.desired))
		}
	case p.saturatedLocked() && p.opts.Status.HistoricallyHealthy():
		step := scaleStep(p.desired, p.opts.ScaleUpStepRatio)
		next := p.desired + step
		if next > p.opts.MaxConcurrency {
			next = p.opts.MaxConcurrency
		}
		if next != p.desired {
			p.desired = next
			metrics.ObserveScaleEvent("up")
			p.opts.Logger.Debug("scaled up", zap.Int("desired", p.desired))
		}
	}
	metrics.SetConcurrency(p.current, p.desired)
	p.signalLocked()
}

func (p *AutoscaledPool) saturatedLocked() bool {
	if p.desired <= 0 {
		return false
	}
	return float64(p.current)/float64(p.desired) >= p.opts.DesiredConcurrencyRatio
}

// scaleStep sizes one autoscale step, never below one.
func scaleStep(desired int, ratio float64) int {
	step := int(math.Ceil(float64(desired) * ratio))
	if step < 1 {
		step = 1
	}
	return step
}

// Abort force-settles the run without waiting for in-flight tasks. Their
// results are discarded and no new tasks start. Safe to call at any time;
// a no-op once the run has settled.
func (p *AutoscaledPool) Abort() {
	p.mu.Lock()
	if p.state.terminal() {
		p.mu.Unlock()
		return
	}
	p.state = StateAborted
	p.mu.Unlock()
	p.abortOnce.Do(func() { close(p.abortCh) })
}

// Pause suspends admission, leaving in-flight tasks and concurrency targets
// untouched.
func (p *AutoscaledPool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		p.state = StatePausing
	}
}

// Resume re-enables admission after Pause.
func (p *AutoscaledPool) Resume() {
	p.mu.Lock()
	if p.state == StatePausing || p.state == StatePaused {
		p.state = StateRunning
	}
	p.mu.Unlock()
	p.signal()
}

// State returns the pool's current run state.
func (p *AutoscaledPool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a read-only view of the control state.
func (p *AutoscaledPool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		State:   p.state,
		Current: p.current,
		Desired: p.desired,
		Min:     p.opts.MinConcurrency,
		Max:     p.opts.MaxConcurrency,
	}
}

func (p *AutoscaledPool) fail(err error) {
	p.mu.Lock()
	if p.fatalErr == nil && !p.state.terminal() {
		p.fatalErr = err
	}
	p.mu.Unlock()
}

func (p *AutoscaledPool) logStatus() {
	s := p.Status()
	p.opts.Logger.Info("pool status",
		zap.String("state", string(s.State)),
		zap.Int("current", s.Current),
		zap.Int("desired", s.Desired),
		zap.Bool("healthy", p.opts.Status.CurrentlyHealthy()),
	)
}

func (p *AutoscaledPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// signalLocked is identical to signal; the channel send never blocks, so it
// is safe while holding the mutex.
func (p *AutoscaledPool) signalLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
