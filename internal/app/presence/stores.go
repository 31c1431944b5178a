package presence

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/dkeye/Ring/internal/domain"
)

type multiStore []StatusStore

// MultiStore writes to every store in order. A failing store does not stop
// the others; the errors are combined.
func MultiStore(stores ...StatusStore) StatusStore {
	out := make(multiStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiStore) MarkOnline(ctx context.Context, id domain.UserID, at time.Time) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.MarkOnline(ctx, id, at))
	}
	return multierr.Combine(errs...)
}

func (m multiStore) MarkOffline(ctx context.Context, id domain.UserID, lastSeen time.Time) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.MarkOffline(ctx, id, lastSeen))
	}
	return multierr.Combine(errs...)
}
