// Package tracker converts a stream of raw probe results for one device into
// a stable presence verdict. Detection is immediate: a single successful probe
// marks the device present. Loss is debounced: the verdict only flips to
// absent after a configurable number of consecutive failures, so one dropped
// packet never reads as a departure.
//
// Phones are the worst case here. An iPhone on WiFi answers pings only
// sporadically as a power-saving measure, so a missed probe is routine.
package tracker

import (
	"time"

	"github.com/delaneymorgan/anybodyhome/internal/probe"
)

// State is the debounced presence determination for a device.
type State string

const (
	// StateUnknown means no probe has completed yet.
	StateUnknown State = "unknown"
	// StatePresent means the device answered a recent probe.
	StatePresent State = "present"
	// StateAbsent means the device has missed enough consecutive probes.
	StateAbsent State = "absent"
)

// Verdict is the current presence determination for one device.
type Verdict struct {
	Device     string        `json:"device"`
	State      State         `json:"state"`
	LastChange time.Time     `json:"last_change"`
	LastProbe  time.Time     `json:"last_probe"`
	Latency    time.Duration `json:"latency_ns"`
}

// Present reports whether the verdict counts as present.
func (v Verdict) Present() bool {
	return v.State == StatePresent
}

// historyLen bounds the per-device outcome ring exposed for diagnostics.
const historyLen = 8

// Tracker holds one device's recent probe history and current verdict.
// It is owned by the poll scheduler and is not safe for concurrent use.
type Tracker struct {
	device     string
	threshold  int
	verdict    Verdict
	failStreak int
	history    []bool
}

// New creates a tracker for a device. threshold is the number of consecutive
// failed probes required to flip a present verdict to absent; values below 1
// are raised to 1.
func New(device string, threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{
		device:    device,
		threshold: threshold,
		verdict:   Verdict{Device: device, State: StateUnknown},
	}
}

// Verdict returns the current verdict.
func (t *Tracker) Verdict() Verdict {
	return t.verdict
}

// History returns the most recent probe outcomes, oldest first.
func (t *Tracker) History() []bool {
	out := make([]bool, len(t.history))
	copy(out, t.history)
	return out
}

// Record folds one probe result into the tracker and returns the resulting
// verdict along with whether it differs from the previous one. Results may
// arrive in completion order rather than dispatch order; only the failure
// streak matters, so the final verdict is order-insensitive within a window
// of identical outcomes.
func (t *Tracker) Record(result probe.Result) (Verdict, bool) {
	t.history = append(t.history, result.Reachable)
	if len(t.history) > historyLen {
		t.history = t.history[1:]
	}

	t.verdict.LastProbe = result.CheckedAt

	prior := t.verdict.State
	if result.Reachable {
		t.failStreak = 0
		t.verdict.State = StatePresent
		t.verdict.Latency = result.Latency
	} else {
		t.failStreak++
		if t.failStreak >= t.threshold {
			t.verdict.State = StateAbsent
			t.verdict.Latency = 0
		}
	}

	changed := t.verdict.State != prior
	if changed {
		t.verdict.LastChange = result.CheckedAt
	}
	return t.verdict, changed
}
