package schedulingworker

import (
	"context"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

type retentionStore interface {
	PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// RetentionSweeper trims the audit log to the configured retention window.
// The default window is seven years to match medical record requirements.
type RetentionSweeper struct {
	store         retentionStore
	logger        *logging.Logger
	retentionDays int
	interval      time.Duration
}

func NewRetentionSweeper(store retentionStore, logger *logging.Logger) *RetentionSweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetentionSweeper{
		store:         store,
		logger:        logger,
		retentionDays: 2555,
		interval:      24 * time.Hour,
	}
}

func (r *RetentionSweeper) WithRetentionDays(n int) *RetentionSweeper {
	if n > 0 {
		r.retentionDays = n
	}
	return r
}

func (r *RetentionSweeper) WithInterval(d time.Duration) *RetentionSweeper {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *RetentionSweeper) sweep(ctx context.Context) {
	if r.store == nil {
		return
	}
	purged, err := r.store.PurgeOlderThan(ctx, r.retentionDays)
	if err != nil {
		r.logger.Error("audit retention sweep failed", "error", err)
		return
	}
	if purged > 0 {
		r.logger.Info("audit entries purged", "count", purged, "retention_days", r.retentionDays)
	}
}
