package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// SQLiteStore keeps a local, queryable presence history alongside the
// primary Redis adapter. Useful on hosts where the historical query side
// should not depend on Redis retention.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires pragmas as SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS verdicts (
			device      TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			present     INTEGER NOT NULL,
			last_change DATETIME,
			last_probe  DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS rollcalls (
			id       TEXT PRIMARY KEY,
			taken_at DATETIME NOT NULL,
			anyone   INTEGER NOT NULL,
			detail   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollcalls_taken_at ON rollcalls(taken_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WriteVerdict upserts the device's latest verdict.
func (s *SQLiteStore) WriteVerdict(ctx context.Context, v tracker.Verdict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts (device, state, present, last_change, last_probe)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			state = excluded.state,
			present = excluded.present,
			last_change = excluded.last_change,
			last_probe = excluded.last_probe`,
		v.Device, string(v.State), boolInt(v.Present()), v.LastChange.UTC(), v.LastProbe.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write verdict for %s: %w", v.Device, err)
	}
	return nil
}

// WriteRollCall appends one roll-call record.
func (s *SQLiteStore) WriteRollCall(ctx context.Context, rc RollCall) error {
	detail, err := json.Marshal(rc.Present)
	if err != nil {
		return fmt.Errorf("marshal roll-call detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollcalls (id, taken_at, anyone, detail)
		VALUES (?, ?, ?, ?)`,
		rc.ID, rc.TakenAt.UTC(), boolInt(rc.Anyone), string(detail),
	)
	if err != nil {
		return fmt.Errorf("write roll-call %s: %w", rc.ID, err)
	}
	return nil
}

// RollCallsSince returns roll-call records taken at or after the given time,
// oldest first. This is the read side for historical queries; the poller
// itself never reads back.
func (s *SQLiteStore) RollCallsSince(ctx context.Context, since time.Time) ([]RollCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, taken_at, anyone, detail
		FROM rollcalls
		WHERE taken_at >= ?
		ORDER BY taken_at`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query roll-calls: %w", err)
	}
	defer rows.Close()

	var out []RollCall
	for rows.Next() {
		var (
			rc     RollCall
			anyone int
			detail string
		)
		if err := rows.Scan(&rc.ID, &rc.TakenAt, &anyone, &detail); err != nil {
			return nil, fmt.Errorf("scan roll-call: %w", err)
		}
		rc.Anyone = anyone != 0
		if err := json.Unmarshal([]byte(detail), &rc.Present); err != nil {
			return nil, fmt.Errorf("decode roll-call %s: %w", rc.ID, err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
