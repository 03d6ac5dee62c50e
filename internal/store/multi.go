package store

import (
	"context"
	"errors"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// Multi fans writes out to several stores. Every store is attempted even
// when an earlier one fails; errors are joined so the caller can log a
// single degraded-mode message.
type Multi struct {
	stores []Store
}

// NewMulti combines stores into one. A single store is returned unchanged.
func NewMulti(stores ...Store) Store {
	if len(stores) == 1 {
		return stores[0]
	}
	return &Multi{stores: stores}
}

func (m *Multi) WriteVerdict(ctx context.Context, v tracker.Verdict) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.WriteVerdict(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) WriteRollCall(ctx context.Context, rc RollCall) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.WriteRollCall(ctx, rc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
