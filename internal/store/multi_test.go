package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// fakeStore counts writes and optionally fails them.
type fakeStore struct {
	verdicts  int
	rollCalls int
	closed    bool
	err       error
}

func (f *fakeStore) WriteVerdict(context.Context, tracker.Verdict) error {
	f.verdicts++
	return f.err
}

func (f *fakeStore) WriteRollCall(context.Context, RollCall) error {
	f.rollCalls++
	return f.err
}

func (f *fakeStore) Close() error {
	f.closed = true
	return f.err
}

var _ Store = (*fakeStore)(nil)

func TestMultiWritesAllStoresDespiteFailures(t *testing.T) {
	failing := &fakeStore{err: errors.New("redis down")}
	healthy := &fakeStore{}
	m := NewMulti(failing, healthy)

	ctx := context.Background()
	err := m.WriteVerdict(ctx, tracker.Verdict{Device: "freds_mobile", State: tracker.StatePresent})
	assert.Error(t, err)
	assert.Equal(t, 1, failing.verdicts)
	assert.Equal(t, 1, healthy.verdicts, "a failing store must not skip later stores")

	err = m.WriteRollCall(ctx, RollCall{ID: "rc-1", TakenAt: time.Now()})
	assert.Error(t, err)
	assert.Equal(t, 1, healthy.rollCalls)
}

func TestMultiCloseClosesAll(t *testing.T) {
	a, b := &fakeStore{}, &fakeStore{}
	m := NewMulti(a, b)
	assert.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNewMultiSingleStorePassthrough(t *testing.T) {
	single := &fakeStore{}
	assert.Equal(t, Store(single), NewMulti(single))
}
