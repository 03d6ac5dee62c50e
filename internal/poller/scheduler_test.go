package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/delaneymorgan/anybodyhome/internal/metrics"
	"github.com/delaneymorgan/anybodyhome/internal/notify"
	"github.com/delaneymorgan/anybodyhome/internal/presence"
	"github.com/delaneymorgan/anybodyhome/internal/probe"
	"github.com/delaneymorgan/anybodyhome/internal/store"
	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// Tests for the poll scheduler.
//
// Testing Strategy:
//  - scriptedProber replays per-device outcome sequences, one per cycle,
//    and can hang until the cycle deadline to simulate a stuck probe
//  - recordingStore and recordingNotifier capture side effects
//  - cycle() is driven directly so tests control time instead of tickers

// scriptedProber returns scripted outcomes per device. When a device's
// script is exhausted the last outcome repeats. Devices in hung block until
// the context is cancelled.
type scriptedProber struct {
	mu       sync.Mutex
	outcomes map[string][]bool
	calls    map[string]int
	hung     map[string]bool
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		outcomes: make(map[string][]bool),
		calls:    make(map[string]int),
		hung:     make(map[string]bool),
	}
}

func (p *scriptedProber) script(device string, outcomes ...bool) {
	p.outcomes[device] = outcomes
}

func (p *scriptedProber) Probe(ctx context.Context, d probe.Device) probe.Result {
	p.mu.Lock()
	if p.hung[d.Name] {
		p.mu.Unlock()
		<-ctx.Done()
		return probe.Result{Device: d.Name, CheckedAt: time.Now().UTC(), Err: "probe cancelled"}
	}
	script := p.outcomes[d.Name]
	call := p.calls[d.Name]
	p.calls[d.Name]++
	p.mu.Unlock()

	reachable := false
	if len(script) > 0 {
		if call >= len(script) {
			call = len(script) - 1
		}
		reachable = script[call]
	}
	result := probe.Result{Device: d.Name, Reachable: reachable, CheckedAt: time.Now().UTC()}
	if reachable {
		result.Latency = 5 * time.Millisecond
	} else {
		result.Err = "no echo reply"
	}
	return result
}

var _ probe.Prober = (*scriptedProber)(nil)

// recordingStore captures writes and can be forced to fail.
type recordingStore struct {
	mu        sync.Mutex
	verdicts  []tracker.Verdict
	rollCalls []store.RollCall
	fail      bool
}

func (s *recordingStore) WriteVerdict(_ context.Context, v tracker.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
	if s.fail {
		return assert.AnError
	}
	return nil
}

func (s *recordingStore) WriteRollCall(_ context.Context, rc store.RollCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollCalls = append(s.rollCalls, rc)
	if s.fail {
		return assert.AnError
	}
	return nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) rollCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rollCalls)
}

var _ store.Store = (*recordingStore)(nil)

// recordingNotifier captures presence and occupancy events.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []tracker.Verdict
	anyone  []bool
}

func (n *recordingNotifier) PresenceChanged(_ context.Context, v tracker.Verdict) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, v)
	return nil
}

func (n *recordingNotifier) AnyoneChanged(_ context.Context, anyone bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anyone = append(n.anyone, anyone)
	return nil
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type fixture struct {
	scheduler *Scheduler
	prober    *scriptedProber
	store     *recordingStore
	notifier  *recordingNotifier
	table     *presence.Table
}

func newFixture(t *testing.T, opts Options, deviceNames ...string) *fixture {
	t.Helper()
	if opts.MaxInFlight == 0 {
		opts.MaxInFlight = 4
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = time.Second
	}
	if opts.DebounceThreshold == 0 {
		opts.DebounceThreshold = 2
	}
	if opts.HomeInterval == 0 {
		opts.HomeInterval = 30 * time.Second
	}
	if opts.AwayInterval == 0 {
		opts.AwayInterval = time.Minute
	}

	devices := make([]probe.Device, len(deviceNames))
	for i, name := range deviceNames {
		devices[i] = probe.Device{Name: name, Address: "192.0.2.1", Kind: probe.KindICMP}
	}

	prober := newScriptedProber()
	st := &recordingStore{}
	notifier := &recordingNotifier{}
	table := presence.NewTable(deviceNames)
	m := metrics.New(prometheus.NewRegistry())

	scheduler := New(opts, devices,
		map[probe.Kind]probe.Prober{probe.KindICMP: prober},
		table, st, notifier, m, zap.NewNop())

	return &fixture{scheduler: scheduler, prober: prober, store: st, notifier: notifier, table: table}
}

func state(t *testing.T, table *presence.Table, device string) tracker.State {
	t.Helper()
	v, ok := table.Get(device)
	require.True(t, ok, "device %q not in table", device)
	return v.State
}

func TestCycleAlwaysUpAlwaysDown(t *testing.T) {
	f := newFixture(t, Options{DebounceThreshold: 2}, "A", "B")
	f.prober.script("A", true)
	f.prober.script("B", false)

	ctx := context.Background()

	f.scheduler.cycle(ctx, time.Second)
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "A"))
	assert.Equal(t, tracker.StateUnknown, state(t, f.table, "B"),
		"one failed probe must not settle a verdict with threshold 2")

	f.scheduler.cycle(ctx, time.Second)
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "A"))
	assert.Equal(t, tracker.StateAbsent, state(t, f.table, "B"),
		"second consecutive failure must settle absent")

	f.scheduler.cycle(ctx, time.Second)
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "A"))
	assert.Equal(t, tracker.StateAbsent, state(t, f.table, "B"))

	// One changed-verdict write per transition, one roll-call per cycle.
	f.store.mu.Lock()
	verdictWrites := len(f.store.verdicts)
	f.store.mu.Unlock()
	assert.Equal(t, 2, verdictWrites, "A->present and B->absent")
	assert.Equal(t, 3, f.store.rollCallCount())

	last := f.store.rollCalls[len(f.store.rollCalls)-1]
	assert.Equal(t, map[string]bool{"A": true, "B": false}, last.Present)
	assert.True(t, last.Anyone)
	assert.NotEmpty(t, last.ID)
}

func TestHungProbeCountsAsFailedAndCycleCompletes(t *testing.T) {
	f := newFixture(t, Options{DebounceThreshold: 1}, "fast", "stuck")
	f.prober.script("fast", true)
	f.prober.hung["stuck"] = true

	started := time.Now()
	f.scheduler.cycle(context.Background(), 150*time.Millisecond)
	elapsed := time.Since(started)

	assert.Less(t, elapsed, 2*time.Second, "cycle must complete near its deadline")
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "fast"))
	assert.Equal(t, tracker.StateAbsent, state(t, f.table, "stuck"),
		"a probe past the deadline is a failed probe for the cycle")
	assert.Equal(t, 1, f.store.rollCallCount())
}

func TestAlternatingDeviceStaysPresent(t *testing.T) {
	// Debounce threshold 3: a device that answers every other cycle never
	// accumulates three consecutive failures.
	f := newFixture(t, Options{DebounceThreshold: 3}, "C")
	f.prober.script("C", true, false, true, false, true, false, true)

	ctx := context.Background()
	for cycle := 0; cycle < 7; cycle++ {
		f.scheduler.cycle(ctx, time.Second)
		assert.Equal(t, tracker.StatePresent, state(t, f.table, "C"),
			"cycle %d", cycle)
	}
}

func TestStoreFailureDoesNotHaltPolling(t *testing.T) {
	f := newFixture(t, Options{DebounceThreshold: 1}, "A")
	f.prober.script("A", true)
	f.store.fail = true

	ctx := context.Background()
	f.scheduler.cycle(ctx, time.Second)
	f.scheduler.cycle(ctx, time.Second)

	// Presence stays in-memory-authoritative despite persistence failures.
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "A"))
	assert.Equal(t, 2, f.store.rollCallCount(), "each cycle retries the write")
}

func TestAdaptiveInterval(t *testing.T) {
	f := newFixture(t, Options{
		HomeInterval: 10 * time.Second,
		AwayInterval: time.Minute,
	}, "A")
	f.prober.script("A", true, false, false)

	assert.Equal(t, time.Minute, f.scheduler.interval(), "empty house polls slowly")

	ctx := context.Background()
	f.scheduler.cycle(ctx, time.Second)
	assert.Equal(t, 10*time.Second, f.scheduler.interval(), "occupied house polls fast")

	f.scheduler.cycle(ctx, time.Second)
	f.scheduler.cycle(ctx, time.Second)
	assert.Equal(t, time.Minute, f.scheduler.interval(), "empty again after departure")
}

func TestFixedIntervalOverridesAdaptive(t *testing.T) {
	f := newFixture(t, Options{
		Interval:     45 * time.Second,
		HomeInterval: 10 * time.Second,
		AwayInterval: time.Minute,
	}, "A")
	assert.Equal(t, 45*time.Second, f.scheduler.interval())
}

func TestOccupancyNotifications(t *testing.T) {
	f := newFixture(t, Options{DebounceThreshold: 2}, "A")
	f.prober.script("A", true, false, false, false)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.scheduler.cycle(ctx, time.Second)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []bool{true, false}, f.notifier.anyone,
		"arrival then departure, no duplicates")
	require.Len(t, f.notifier.changes, 2)
	assert.Equal(t, tracker.StatePresent, f.notifier.changes[0].State)
	assert.Equal(t, tracker.StateAbsent, f.notifier.changes[1].State)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Options{
		Interval:          10 * time.Millisecond,
		DebounceThreshold: 1,
	}, "A")
	f.prober.script("A", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx)
		close(done)
	}()

	// Let at least one cycle complete, then stop.
	require.Eventually(t, func() bool {
		return f.store.rollCallCount() > 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, tracker.StatePresent, state(t, f.table, "A"))
}

func TestConcurrencyCapRespected(t *testing.T) {
	// Track the peak number of simultaneous probes through a wrapper.
	var mu sync.Mutex
	inFlight, peak := 0, 0

	counter := proberFunc(func(ctx context.Context, d probe.Device) probe.Result {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return probe.Result{Device: d.Name, Reachable: true, CheckedAt: time.Now().UTC()}
	})

	names := []string{"a", "b", "c", "d", "e", "f"}
	devices := make([]probe.Device, len(names))
	for i, n := range names {
		devices[i] = probe.Device{Name: n, Address: "192.0.2.1", Kind: probe.KindICMP}
	}
	scheduler := New(Options{
		MaxInFlight:       2,
		DebounceThreshold: 1,
		WriteTimeout:      time.Second,
		HomeInterval:      time.Second,
		AwayInterval:      time.Second,
	}, devices, map[probe.Kind]probe.Prober{probe.KindICMP: counter},
		presence.NewTable(names), &recordingStore{}, &recordingNotifier{},
		metrics.New(prometheus.NewRegistry()), zap.NewNop())

	scheduler.cycle(context.Background(), 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "in-flight probes exceeded the cap")
}

// proberFunc adapts a function to the Prober interface.
type proberFunc func(ctx context.Context, d probe.Device) probe.Result

func (f proberFunc) Probe(ctx context.Context, d probe.Device) probe.Result {
	return f(ctx, d)
}
