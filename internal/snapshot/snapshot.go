// Package snapshot samples host and runtime resource usage into bounded,
// per-resource time series that feed autoscaling decisions.
package snapshot

import "time"

// Kind identifies a sampled resource.
type Kind string

// Resource kinds tracked by the Snapshotter.
const (
	KindCPU    Kind = "cpu"
	KindMemory Kind = "memory"
	// KindWakeup measures how late the sampler's own timer fires. All
	// workers share the Go scheduler, so growing wakeup delay means running
	// tasks are already starving new ones.
	KindWakeup Kind = "wakeup"
	// KindClient tracks the rate of failed or rate-limited outbound
	// operations reported via RecordRequest.
	KindClient Kind = "client"
)

// Kinds lists every resource kind in evaluation order.
var Kinds = []Kind{KindCPU, KindMemory, KindWakeup, KindClient}

// Snapshot is one immutable measurement of a resource.
type Snapshot struct {
	Kind       Kind      `json:"kind"`
	CapturedAt time.Time `json:"captured_at"`
	Overloaded bool      `json:"overloaded"`
	// Value is kind-specific: a 0..1 usage ratio for CPU and memory, seconds
	// of timer drift for wakeup, and an error count for client.
	Value float64 `json:"value"`
}

// history is an append-only, time-ordered series pruned by age on insert.
type history struct {
	snapshots []Snapshot
}

func (h *history) add(s Snapshot, retention time.Duration) {
	cutoff := s.CapturedAt.Add(-retention)
	drop := 0
	for drop < len(h.snapshots) && h.snapshots[drop].CapturedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		h.snapshots = append(h.snapshots[:0], h.snapshots[drop:]...)
	}
	h.snapshots = append(h.snapshots, s)
}

func (h *history) since(cutoff time.Time) []Snapshot {
	start := len(h.snapshots)
	for start > 0 && !h.snapshots[start-1].CapturedAt.Before(cutoff) {
		start--
	}
	out := make([]Snapshot, len(h.snapshots)-start)
	copy(out, h.snapshots[start:])
	return out
}
