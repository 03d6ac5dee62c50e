// Package store persists presence verdicts and roll-call snapshots. The
// poller treats every store as a write-through side effect: failures are
// logged and counted but never affect the in-memory presence table, which
// remains authoritative for live queries.
package store

import (
	"context"
	"time"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// RollCall is a timestamped snapshot of every device's presence, written
// once per poll cycle for historical query.
type RollCall struct {
	ID      string          `json:"id"`
	TakenAt time.Time       `json:"taken_at"`
	Present map[string]bool `json:"present"`
	Anyone  bool            `json:"anyone"`
}

// Store is a persistence adapter. Implementations must respect the caller's
// context deadline; the poller passes a bounded timeout so a dead backend
// cannot stall polling.
type Store interface {
	// WriteVerdict durably records one device's current verdict.
	WriteVerdict(ctx context.Context, v tracker.Verdict) error

	// WriteRollCall appends a full presence snapshot.
	WriteRollCall(ctx context.Context, rc RollCall) error

	// Close releases backend resources.
	Close() error
}
