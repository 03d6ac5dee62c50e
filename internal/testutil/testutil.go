// Package testutil provides shared test helpers.
package testutil

import (
	"testing"

	"go.uber.org/zap"

	"github.com/delaneymorgan/anybodyhome/internal/store"
)

// Logger returns a development Zap logger for use in tests.
// Panics on construction failure (should never happen in tests).
func Logger() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic("testutil.Logger: " + err.Error())
	}
	return l
}

// NewSQLiteStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
