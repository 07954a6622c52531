package ledger

import (
	"context"
	"log/slog"
	"time"

	"docflow/internal/logging"
)

// Reaper periodically deletes records past their retention window.
type Reaper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper constructs a reaper for store.
func NewReaper(store Store, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "ledger-reaper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reaps once immediately and then on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.ReapOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReapOnce runs a single reap pass and returns the number of records removed.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	removed, err := r.store.Reap(ctx, r.now())
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		logging.WarnWithContext(r.logger, "ledger reap failed", "ledger_reap_failed",
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.String(logging.FieldImpact, "expired records are kept until the next pass"),
			logging.Error(err),
		)
		return 0
	}
	if removed > 0 {
		r.logger.Info("reaped expired ledger records",
			logging.String(logging.FieldEventType, "ledger_reaped"),
			logging.Int("removed", removed),
		)
	}
	return removed
}
