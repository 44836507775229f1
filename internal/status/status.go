// Package status condenses raw resource snapshots into the coarse health
// verdicts the autoscaled pool keys its scaling decisions on.
package status

import (
	"time"

	"github.com/crawlpool/crawlpool/internal/snapshot"
)

// HistoryProvider is the slice of the Snapshotter the status evaluator
// needs.
type HistoryProvider interface {
	History(kind snapshot.Kind, window time.Duration) []snapshot.Snapshot
}

// Options sets the evaluation windows and the per-kind overload ratios: the
// fraction of snapshots in a window that must be individually overloaded
// before the resource as a whole counts as overloaded.
type Options struct {
	// CurrentWindow is the short lookback used to veto admission and force
	// scale-down during transient spikes.
	CurrentWindow time.Duration
	// HistoryWindow is the long lookback that gates scale-up, so growth only
	// follows sustained health.
	HistoryWindow time.Duration

	CPUOverloadRatio    float64
	MemoryOverloadRatio float64
	WakeupOverloadRatio float64
	ClientOverloadRatio float64
}

func (o *Options) applyDefaults() {
	if o.CurrentWindow <= 0 {
		o.CurrentWindow = 5 * time.Second
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 30 * time.Second
	}
	if o.CPUOverloadRatio <= 0 {
		o.CPUOverloadRatio = 0.4
	}
	if o.MemoryOverloadRatio <= 0 {
		o.MemoryOverloadRatio = 0.2
	}
	if o.WakeupOverloadRatio <= 0 {
		o.WakeupOverloadRatio = 0.5
	}
	if o.ClientOverloadRatio <= 0 {
		o.ClientOverloadRatio = 0.3
	}
}

// SystemStatus evaluates snapshot history into boolean overload verdicts.
// It holds no state of its own and is safe for concurrent use.
type SystemStatus struct {
	snaps HistoryProvider
	opts  Options
}

// New builds a SystemStatus over the given snapshot history.
func New(snaps HistoryProvider, opts Options) *SystemStatus {
	opts.applyDefaults()
	return &SystemStatus{snaps: snaps, opts: opts}
}

// Report is a point-in-time health summary, exposed for logging and the
// status endpoint.
type Report struct {
	Healthy    bool                   `json:"healthy"`
	Overloaded map[snapshot.Kind]bool `json:"overloaded"`
	Window     time.Duration          `json:"window"`
}

// IsOverloaded reports whether the given resource exceeded its overload
// ratio within the window. A window with no snapshots counts as not
// overloaded: the sampler may simply not have run yet, and the pool fails
// open rather than stalling on missing data.
func (s *SystemStatus) IsOverloaded(kind snapshot.Kind, window time.Duration) bool {
	snaps := s.snaps.History(kind, window)
	if len(snaps) == 0 {
		return false
	}
	overloaded := 0
	for _, snap := range snaps {
		if snap.Overloaded {
			overloaded++
		}
	}
	return float64(overloaded)/float64(len(snaps)) > s.ratioFor(kind)
}

// IsHealthy reports whether no resource is overloaded within the window.
func (s *SystemStatus) IsHealthy(window time.Duration) bool {
	for _, kind := range snapshot.Kinds {
		if s.IsOverloaded(kind, window) {
			return false
		}
	}
	return true
}

// CurrentlyHealthy evaluates the short window. It gates admission during
// spikes and triggers scale-down.
func (s *SystemStatus) CurrentlyHealthy() bool {
	return s.IsHealthy(s.opts.CurrentWindow)
}

// HistoricallyHealthy evaluates the long window. It gates scale-up.
func (s *SystemStatus) HistoricallyHealthy() bool {
	return s.IsHealthy(s.opts.HistoryWindow)
}

// CurrentReport summarizes per-kind verdicts over the short window.
func (s *SystemStatus) CurrentReport() Report {
	r := Report{
		Healthy:    true,
		Overloaded: make(map[snapshot.Kind]bool, len(snapshot.Kinds)),
		Window:     s.opts.CurrentWindow,
	}
	for _, kind := range snapshot.Kinds {
		over := s.IsOverloaded(kind, s.opts.CurrentWindow)
		r.Overloaded[kind] = over
		if over {
			r.Healthy = false
		}
	}
	return r
}

func (s *SystemStatus) ratioFor(kind snapshot.Kind) float64 {
	switch kind {
	case snapshot.KindCPU:
		return s.opts.CPUOverloadRatio
	case snapshot.KindMemory:
		return s.opts.MemoryOverloadRatio
	case snapshot.KindWakeup:
		return s.opts.WakeupOverloadRatio
	case snapshot.KindClient:
		return s.opts.ClientOverloadRatio
	default:
		return 1
	}
}
