// Package schedulingworker holds the background loops that keep conversations
// moving: the stuck-slot monitor, the session expiry sweeper and the audit
// retention sweeper.
package schedulingworker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/observability/metrics"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

type stuckStore interface {
	FindStuck(ctx context.Context, timeout time.Duration) ([]*conversation.Session, error)
}

type stuckHandler interface {
	HandleStuckSession(ctx context.Context, sessionID uuid.UUID, maxRetries int) error
}

// StuckMonitor finds sessions whose slot request never got a webhook reply
// and lets the engine retry or fail them.
type StuckMonitor struct {
	store      stuckStore
	engine     stuckHandler
	metrics    *metrics.SchedulingMetrics
	logger     *logging.Logger
	timeout    time.Duration
	maxRetries int
	interval   time.Duration
}

func NewStuckMonitor(store stuckStore, engine stuckHandler, m *metrics.SchedulingMetrics, logger *logging.Logger) *StuckMonitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &StuckMonitor{
		store:      store,
		engine:     engine,
		metrics:    m,
		logger:     logger,
		timeout:    5 * time.Minute,
		maxRetries: 1,
		interval:   time.Minute,
	}
}

func (m *StuckMonitor) WithTimeout(d time.Duration) *StuckMonitor {
	if d > 0 {
		m.timeout = d
	}
	return m
}

func (m *StuckMonitor) WithMaxRetries(n int) *StuckMonitor {
	if n >= 0 {
		m.maxRetries = n
	}
	return m
}

func (m *StuckMonitor) WithInterval(d time.Duration) *StuckMonitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

func (m *StuckMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *StuckMonitor) sweep(ctx context.Context) {
	if m.store == nil || m.engine == nil {
		return
	}
	sessions, err := m.store.FindStuck(ctx, m.timeout)
	if err != nil {
		m.logger.Error("stuck session scan failed", "error", err)
		return
	}
	for _, s := range sessions {
		m.metrics.ObserveStuckRetry()
		if err := m.engine.HandleStuckSession(ctx, s.ID, m.maxRetries); err != nil {
			m.logger.Error("stuck session handling failed", "error", err, "session_id", s.ID)
		}
	}
}
