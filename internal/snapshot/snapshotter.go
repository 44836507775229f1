package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/metrics"
)

// Options controls sampling cadence, retention and per-kind overload
// triggers.
type Options struct {
	// CPUInterval, MemoryInterval, WakeupInterval and ClientInterval set the
	// per-kind sampling cadence. Each kind runs its own ticker so a slow
	// probe never throttles the others.
	CPUInterval    time.Duration
	MemoryInterval time.Duration
	WakeupInterval time.Duration
	ClientInterval time.Duration

	// Retention bounds how long snapshots are kept. History size is bounded
	// by retention over interval, so changing the sampling rate cannot grow
	// memory without bound.
	Retention time.Duration

	// MaxUsedCPURatio and MaxUsedMemoryRatio are the instantaneous overload
	// triggers for a single sample (0..1).
	MaxUsedCPURatio    float64
	MaxUsedMemoryRatio float64

	// MaxWakeupDelay is the timer drift beyond which a wakeup sample counts
	// as overloaded.
	MaxWakeupDelay time.Duration

	// MaxClientErrors is the number of failed or rate-limited operations per
	// client interval beyond which the sample counts as overloaded.
	MaxClientErrors int

	// CPUProbe and MemoryProbe return a 0..1 usage ratio. They default to
	// gopsutil and exist so tests can inject deterministic readings.
	CPUProbe    func() (float64, error)
	MemoryProbe func() (float64, error)

	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.CPUInterval <= 0 {
		o.CPUInterval = time.Second
	}
	if o.MemoryInterval <= 0 {
		o.MemoryInterval = time.Second
	}
	if o.WakeupInterval <= 0 {
		o.WakeupInterval = 500 * time.Millisecond
	}
	if o.ClientInterval <= 0 {
		o.ClientInterval = time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 60 * time.Second
	}
	if o.MaxUsedCPURatio <= 0 {
		o.MaxUsedCPURatio = 0.95
	}
	if o.MaxUsedMemoryRatio <= 0 {
		o.MaxUsedMemoryRatio = 0.9
	}
	if o.MaxWakeupDelay <= 0 {
		o.MaxWakeupDelay = 50 * time.Millisecond
	}
	if o.MaxClientErrors <= 0 {
		o.MaxClientErrors = 3
	}
	if o.CPUProbe == nil {
		o.CPUProbe = systemCPU
	}
	if o.MemoryProbe == nil {
		o.MemoryProbe = systemMemory
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Snapshotter keeps a rolling window of resource snapshots per kind. It is
// safe for concurrent use; histories are mutated only by the sampling
// goroutines and Sample, behind a single mutex.
type Snapshotter struct {
	opts Options

	mu        sync.RWMutex
	histories map[Kind]*history

	clientOps    atomic.Int64
	clientErrors atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Snapshotter. Call Start to begin sampling.
func New(opts Options) *Snapshotter {
	opts.applyDefaults()
	histories := make(map[Kind]*history, len(Kinds))
	for _, k := range Kinds {
		histories[k] = &history{}
	}
	return &Snapshotter{opts: opts, histories: histories}
}

// Start launches the per-kind sampling loops. It is idempotent.
func (s *Snapshotter) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(4)
		go s.sampleLoop(ctx, KindCPU, s.opts.CPUInterval)
		go s.sampleLoop(ctx, KindMemory, s.opts.MemoryInterval)
		go s.clientLoop(ctx)
		go s.wakeupLoop(ctx)
	})
}

// Stop halts sampling and waits for the loops to exit. Histories remain
// readable after Stop.
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Sample captures one snapshot for the given kind immediately. A failed
// probe is recorded as an overloaded snapshot and logged, never returned:
// sampling must not be able to abort the pool.
func (s *Snapshotter) Sample(kind Kind) {
	switch kind {
	case KindCPU:
		s.sampleRatio(kind, s.opts.CPUProbe, s.opts.MaxUsedCPURatio)
	case KindMemory:
		s.sampleRatio(kind, s.opts.MemoryProbe, s.opts.MaxUsedMemoryRatio)
	case KindClient:
		s.sampleClient()
	case KindWakeup:
		// Wakeup samples only come from the timer loop; an on-demand probe
		// has no expected deadline to measure drift against.
	}
}

// History returns the retained snapshots for kind captured within window of
// now, oldest first. It has no side effects.
func (s *Snapshotter) History(kind Kind, window time.Duration) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[kind]
	if !ok {
		return nil
	}
	return h.since(time.Now().Add(-window))
}

// RecordRequest reports the outcome of one outbound operation. Failed and
// rate-limited operations feed the client-error overload signal.
func (s *Snapshotter) RecordRequest(failed bool) {
	s.clientOps.Add(1)
	if failed {
		s.clientErrors.Add(1)
	}
}

func (s *Snapshotter) sampleLoop(ctx context.Context, kind Kind, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(kind)
		}
	}
}

// wakeupLoop measures how late its own timer fires. Under a saturated
// scheduler the goroutine is resumed well after the deadline, and that drift
// is the overload signal.
func (s *Snapshotter) wakeupLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.opts.WakeupInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	expected := time.Now().Add(interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			drift := time.Since(expected)
			if drift < 0 {
				drift = 0
			}
			s.record(Snapshot{
				Kind:       KindWakeup,
				CapturedAt: time.Now(),
				Overloaded: drift > s.opts.MaxWakeupDelay,
				Value:      drift.Seconds(),
			})
			timer.Reset(interval)
			expected = time.Now().Add(interval)
		}
	}
}

func (s *Snapshotter) clientLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ClientInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleClient()
		}
	}
}

func (s *Snapshotter) sampleRatio(kind Kind, probe func() (float64, error), limit float64) {
	ratio, err := probe()
	if err != nil {
		s.opts.Logger.Warn("resource sample failed, recording as overloaded",
			zap.String("kind", string(kind)), zap.Error(err))
		s.record(Snapshot{Kind: kind, CapturedAt: time.Now(), Overloaded: true, Value: 1})
		return
	}
	s.record(Snapshot{
		Kind:       kind,
		CapturedAt: time.Now(),
		Overloaded: ratio > limit,
		Value:      ratio,
	})
}

func (s *Snapshotter) sampleClient() {
	errs := s.clientErrors.Swap(0)
	s.clientOps.Swap(0)
	s.record(Snapshot{
		Kind:       KindClient,
		CapturedAt: time.Now(),
		Overloaded: errs > int64(s.opts.MaxClientErrors),
		Value:      float64(errs),
	})
}

func (s *Snapshotter) record(snap Snapshot) {
	s.mu.Lock()
	s.histories[snap.Kind].add(snap, s.opts.Retention)
	s.mu.Unlock()
	metrics.SetResourceOverloaded(string(snap.Kind), snap.Overloaded)
}

func systemCPU() (float64, error) {
	// Interval 0 measures utilization since the previous call, which fits a
	// ticker-driven sampler without blocking it.
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("cpu percent: no data")
	}
	return percentages[0] / 100, nil
}

func systemMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent / 100, nil
}
