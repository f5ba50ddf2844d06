package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"adminease/internal/metrics"
)

// sweepTimeout bounds one scheduled sweep.
const sweepTimeout = time.Minute

// Reaper deletes records whose revoked and expired flags are both set.
// Usable and half-flagged records are never touched.
type Reaper struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Recorder
}

func NewReaper(store Store, log *slog.Logger, rec *metrics.Recorder) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: store, log: log, metrics: rec}
}

// Sweep runs one cleanup pass and returns the number of deleted records.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteFullyExpiredRevoked(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "token reaper failed", "err", err)
		return 0, fmt.Errorf("reap tokens: %w", err)
	}
	r.metrics.Reaped(n)
	if n > 0 {
		r.log.InfoContext(ctx, "token reaper deleted records", "count", n)
	}
	return n, nil
}

// Schedule registers Sweep on c. Failed sweeps are logged and retried on the
// next tick.
func (r *Reaper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		_, _ = r.Sweep(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule token reaper %q: %w", spec, err)
	}
	return id, nil
}
