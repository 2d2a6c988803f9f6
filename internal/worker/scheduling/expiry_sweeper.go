package schedulingworker

import (
	"context"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/observability/metrics"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

type expiryStore interface {
	ExpireOverdue(ctx context.Context) (int64, error)
}

// ExpirySweeper moves sessions past their TTL to EXPIRED. No SMS goes out;
// the patient simply stops getting replies routed to a dead session.
type ExpirySweeper struct {
	store    expiryStore
	metrics  *metrics.SchedulingMetrics
	logger   *logging.Logger
	interval time.Duration
}

func NewExpirySweeper(store expiryStore, m *metrics.SchedulingMetrics, logger *logging.Logger) *ExpirySweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpirySweeper{
		store:    store,
		metrics:  m,
		logger:   logger,
		interval: 5 * time.Minute,
	}
}

func (e *ExpirySweeper) WithInterval(d time.Duration) *ExpirySweeper {
	if d > 0 {
		e.interval = d
	}
	return e
}

func (e *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *ExpirySweeper) sweep(ctx context.Context) {
	if e.store == nil {
		return
	}
	expired, err := e.store.ExpireOverdue(ctx)
	if err != nil {
		e.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		e.metrics.ObserveExpired(int(expired))
		e.logger.Info("sessions expired", "count", expired)
	}
}
