// Package presence holds the latest verdict per device for concurrent read
// access. The poll scheduler is the only writer; the query layer reads at
// arbitrary times without coordinating with it.
package presence

import (
	"sync"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// subscriberBuffer is the per-subscriber channel depth. Updates to a full
// subscriber are dropped rather than blocking the scheduler.
const subscriberBuffer = 64

// Table maps device name to current verdict. The key set is fixed at
// construction: every configured device has exactly one entry at all times,
// seeded as unknown before the first poll cycle completes.
type Table struct {
	mu       sync.RWMutex
	verdicts map[string]tracker.Verdict

	subMu       sync.Mutex
	subscribers map[chan tracker.Verdict]struct{}
}

// NewTable creates a table with one unknown verdict per device name.
func NewTable(devices []string) *Table {
	verdicts := make(map[string]tracker.Verdict, len(devices))
	for _, name := range devices {
		verdicts[name] = tracker.Verdict{Device: name, State: tracker.StateUnknown}
	}
	return &Table{
		verdicts:    verdicts,
		subscribers: make(map[chan tracker.Verdict]struct{}),
	}
}

// Get returns the verdict for a device, or false if the device is not
// configured.
func (t *Table) Get(device string) (tracker.Verdict, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.verdicts[device]
	return v, ok
}

// Snapshot returns a consistent copy of every verdict, taken under a single
// lock acquisition so no reader mixes verdicts from mid-update state.
func (t *Table) Snapshot() map[string]tracker.Verdict {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]tracker.Verdict, len(t.verdicts))
	for name, v := range t.verdicts {
		out[name] = v
	}
	return out
}

// Anyone reports whether any device is currently present.
func (t *Table) Anyone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.verdicts {
		if v.Present() {
			return true
		}
	}
	return false
}

// Set stores a verdict and notifies subscribers. Only the scheduler calls
// Set; verdicts for unconfigured devices are ignored to preserve the fixed
// key set.
func (t *Table) Set(v tracker.Verdict) {
	t.mu.Lock()
	if _, ok := t.verdicts[v.Device]; !ok {
		t.mu.Unlock()
		return
	}
	t.verdicts[v.Device] = v
	t.mu.Unlock()

	t.subMu.Lock()
	for ch := range t.subscribers {
		select {
		case ch <- v:
		default:
			// Slow consumer; drop rather than stall the scheduler.
		}
	}
	t.subMu.Unlock()
}

// Subscribe returns a channel receiving every verdict written to the table.
// Callers must Unsubscribe when done.
func (t *Table) Subscribe() <-chan tracker.Verdict {
	ch := make(chan tracker.Verdict, subscriberBuffer)
	t.subMu.Lock()
	t.subscribers[ch] = struct{}{}
	t.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// with a channel that was never subscribed.
func (t *Table) Unsubscribe(ch <-chan tracker.Verdict) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for sub := range t.subscribers {
		if sub == ch {
			delete(t.subscribers, sub)
			close(sub)
			return
		}
	}
}
