// Package poller drives the periodic presence poll. Each cycle fans out
// bounded-concurrency probes over the configured devices, feeds results to
// the per-device debounce trackers, publishes verdicts to the presence
// table, and records durable side effects. Cycles never overlap: the next
// cycle is armed only after the current one finishes.
package poller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/delaneymorgan/anybodyhome/internal/metrics"
	"github.com/delaneymorgan/anybodyhome/internal/notify"
	"github.com/delaneymorgan/anybodyhome/internal/presence"
	"github.com/delaneymorgan/anybodyhome/internal/probe"
	"github.com/delaneymorgan/anybodyhome/internal/store"
	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// Options tunes the scheduler. All values come from configuration.
type Options struct {
	// Interval, when positive, fixes the cycle period.
	Interval time.Duration

	// HomeInterval and AwayInterval are used when Interval is zero:
	// HomeInterval while anybody is detected, AwayInterval otherwise.
	HomeInterval time.Duration
	AwayInterval time.Duration

	// MaxInFlight caps concurrent probes within a cycle.
	MaxInFlight int

	// Rate caps probe dispatches per second. Zero disables pacing.
	Rate float64

	// DebounceThreshold is the consecutive-failure count required to flip
	// a device to absent.
	DebounceThreshold int

	// WriteTimeout bounds each durable write and notification so a dead
	// collaborator cannot stall polling.
	WriteTimeout time.Duration
}

// Scheduler owns the polling loop and all per-device tracker state. It is
// the single writer of the presence table.
type Scheduler struct {
	opts     Options
	devices  []probe.Device
	probers  map[probe.Kind]probe.Prober
	trackers map[string]*tracker.Tracker
	table    *presence.Table
	store    store.Store
	notifier notify.Notifier
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Metrics

	lastAnyone bool
}

// New creates a scheduler. probers must contain an entry for every probe
// kind used by devices; configuration loading guarantees this.
func New(
	opts Options,
	devices []probe.Device,
	probers map[probe.Kind]probe.Prober,
	table *presence.Table,
	st store.Store,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Scheduler {
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.MaxInFlight)
	}

	trackers := make(map[string]*tracker.Tracker, len(devices))
	for _, d := range devices {
		trackers[d.Name] = tracker.New(d.Name, opts.DebounceThreshold)
	}

	return &Scheduler{
		opts:     opts,
		devices:  devices,
		probers:  probers,
		trackers: trackers,
		table:    table,
		store:    st,
		notifier: notifier,
		limiter:  limiter,
		logger:   logger,
		metrics:  m,
	}
}

// Run polls until the context is cancelled. The first cycle starts
// immediately so presence is known shortly after startup.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("poller starting",
		zap.Int("devices", len(s.devices)),
		zap.Int("max_in_flight", s.opts.MaxInFlight),
		zap.Int("debounce_threshold", s.opts.DebounceThreshold),
	)

	for {
		interval := s.interval()
		started := time.Now()
		s.cycle(ctx, interval)
		elapsed := time.Since(started)

		s.metrics.CycleDuration.Observe(elapsed.Seconds())
		if elapsed > interval {
			// Next cycle starts late rather than overlapping.
			s.metrics.CycleOverruns.Inc()
			s.logger.Warn("poll cycle overran interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", interval),
			)
		}

		// Re-read the interval: the cycle may have changed occupancy.
		wait := s.interval() - elapsed
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			s.logger.Info("poller stopping")
			return
		case <-time.After(wait):
		}
	}
}

// interval returns the active cycle period.
func (s *Scheduler) interval() time.Duration {
	if s.opts.Interval > 0 {
		return s.opts.Interval
	}
	if s.table.Anyone() {
		return s.opts.HomeInterval
	}
	return s.opts.AwayInterval
}

// cycle probes every device once. deadline bounds the whole cycle; any
// probe still pending when it expires counts as failed for this cycle and
// is naturally retried on the next one.
func (s *Scheduler) cycle(ctx context.Context, deadline time.Duration) {
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Buffered to device count so probe goroutines never block on send,
	// even when the collector has already given up on this cycle.
	results := make(chan probe.Result, len(s.devices))
	sem := make(chan struct{}, s.opts.MaxInFlight)

	go func() {
		for _, device := range s.devices {
			if s.limiter != nil {
				if err := s.limiter.Wait(cycleCtx); err != nil {
					results <- probe.Result{
						Device:    device.Name,
						CheckedAt: time.Now().UTC(),
						Err:       "cycle deadline before dispatch",
					}
					continue
				}
			}
			select {
			case sem <- struct{}{}:
			case <-cycleCtx.Done():
				results <- probe.Result{
					Device:    device.Name,
					CheckedAt: time.Now().UTC(),
					Err:       "cycle deadline before dispatch",
				}
				continue
			}
			go func(d probe.Device) {
				defer func() { <-sem }()
				s.logger.Debug("probing", zap.String("device", d.Name), zap.String("address", d.Address))
				results <- s.probers[d.Kind].Probe(cycleCtx, d)
			}(device)
		}
	}()

	// Fan results back in. Results arrive in completion order; the
	// trackers only care about outcome streaks, so ordering across a
	// window of identical outcomes is immaterial.
	reported := make(map[string]bool, len(s.devices))
	for len(reported) < len(s.devices) {
		select {
		case result := <-results:
			if reported[result.Device] {
				continue
			}
			reported[result.Device] = true
			s.apply(ctx, result)
		case <-cycleCtx.Done():
			// Anything still pending is a failed probe for this cycle.
			now := time.Now().UTC()
			for _, d := range s.devices {
				if !reported[d.Name] {
					reported[d.Name] = true
					s.apply(ctx, probe.Result{Device: d.Name, CheckedAt: now, Err: "cycle deadline exceeded"})
				}
			}
		}
	}

	s.rollCall(ctx)
}

// apply feeds one result into the device's tracker and performs the
// follow-on table update, persistence, and notification.
func (s *Scheduler) apply(ctx context.Context, result probe.Result) {
	outcome := "failure"
	if result.Reachable {
		outcome = "success"
		s.metrics.ProbeLatency.WithLabelValues(result.Device).Observe(result.Latency.Seconds())
	}
	s.metrics.ProbesTotal.WithLabelValues(result.Device, outcome).Inc()

	tr := s.trackers[result.Device]
	verdict, changed := tr.Record(result)
	s.table.Set(verdict)

	if !changed {
		return
	}

	s.metrics.PresenceChanges.WithLabelValues(verdict.Device, string(verdict.State)).Inc()
	s.logger.Info("verdict changed",
		zap.String("device", verdict.Device),
		zap.String("state", string(verdict.State)),
	)

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	if err := s.store.WriteVerdict(writeCtx, verdict); err != nil {
		s.metrics.StoreFailures.Inc()
		s.logger.Warn("verdict write failed", zap.String("device", verdict.Device), zap.Error(err))
	}
	if err := s.notifier.PresenceChanged(writeCtx, verdict); err != nil {
		s.metrics.NotifyFailures.Inc()
		s.logger.Warn("presence notification failed", zap.String("device", verdict.Device), zap.Error(err))
	}

	if anyone := s.table.Anyone(); anyone != s.lastAnyone {
		s.lastAnyone = anyone
		if err := s.notifier.AnyoneChanged(writeCtx, anyone); err != nil {
			s.metrics.NotifyFailures.Inc()
			s.logger.Warn("occupancy notification failed", zap.Error(err))
		}
	}
}

// rollCall snapshots the table and appends it to durable storage.
func (s *Scheduler) rollCall(ctx context.Context) {
	snapshot := s.table.Snapshot()
	rc := store.RollCall{
		ID:      uuid.NewString(),
		TakenAt: time.Now().UTC(),
		Present: make(map[string]bool, len(snapshot)),
	}
	present := 0
	for name, v := range snapshot {
		rc.Present[name] = v.Present()
		if v.Present() {
			present++
		}
	}
	rc.Anyone = present > 0
	s.metrics.DevicesPresent.Set(float64(present))

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.store.WriteRollCall(writeCtx, rc); err != nil {
		s.metrics.StoreFailures.Inc()
		s.logger.Warn("roll-call write failed", zap.Error(err))
	}
}
