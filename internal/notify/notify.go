// Package notify announces presence changes to interested collaborators.
// Notification is fire-and-forget: a failed or slow notifier is logged and
// counted but never propagates back into the polling loop.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// Notifier receives presence-change events from the poll scheduler.
type Notifier interface {
	// PresenceChanged is called when a device's verdict flips.
	PresenceChanged(ctx context.Context, v tracker.Verdict) error

	// AnyoneChanged is called when the house transitions between occupied
	// and empty.
	AnyoneChanged(ctx context.Context, anyone bool) error
}

// LogNotifier writes presence changes to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PresenceChanged(_ context.Context, v tracker.Verdict) error {
	n.logger.Info("presence changed",
		zap.String("device", v.Device),
		zap.String("state", string(v.State)),
		zap.Time("last_probe", v.LastProbe),
	)
	return nil
}

func (n *LogNotifier) AnyoneChanged(_ context.Context, anyone bool) error {
	if anyone {
		n.logger.Info("somebody is home")
	} else {
		n.logger.Info("house is empty")
	}
	return nil
}

// Fanout delivers each event to every notifier, collecting nothing: each
// notifier handles (or logs) its own failures via the returned error, which
// the scheduler counts.
type Fanout []Notifier

func (f Fanout) PresenceChanged(ctx context.Context, v tracker.Verdict) error {
	var firstErr error
	for _, n := range f {
		if err := n.PresenceChanged(ctx, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) AnyoneChanged(ctx context.Context, anyone bool) error {
	var firstErr error
	for _, n := range f {
		if err := n.AnyoneChanged(ctx, anyone); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
