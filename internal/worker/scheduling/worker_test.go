package schedulingworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
)

type fakeStuckStore struct {
	sessions []*conversation.Session
	err      error
	timeout  time.Duration
}

func (f *fakeStuckStore) FindStuck(_ context.Context, timeout time.Duration) ([]*conversation.Session, error) {
	f.timeout = timeout
	return f.sessions, f.err
}

type fakeStuckHandler struct {
	handled []uuid.UUID
	retries int
	err     error
}

func (f *fakeStuckHandler) HandleStuckSession(_ context.Context, id uuid.UUID, maxRetries int) error {
	f.handled = append(f.handled, id)
	f.retries = maxRetries
	return f.err
}

func TestStuckMonitorSweepHandlesEachSession(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store := &fakeStuckStore{sessions: []*conversation.Session{{ID: a}, {ID: b}}}
	handler := &fakeStuckHandler{}
	monitor := NewStuckMonitor(store, handler, nil, nil).WithTimeout(2 * time.Minute).WithMaxRetries(3)

	monitor.sweep(context.Background())

	if len(handler.handled) != 2 {
		t.Fatalf("expected 2 handled sessions, got %d", len(handler.handled))
	}
	if handler.retries != 3 {
		t.Fatalf("expected max retries 3, got %d", handler.retries)
	}
	if store.timeout != 2*time.Minute {
		t.Fatalf("expected timeout forwarded, got %s", store.timeout)
	}
}

func TestStuckMonitorSweepToleratesScanError(t *testing.T) {
	store := &fakeStuckStore{err: errors.New("db down")}
	handler := &fakeStuckHandler{}
	monitor := NewStuckMonitor(store, handler, nil, nil)

	monitor.sweep(context.Background())

	if len(handler.handled) != 0 {
		t.Fatalf("expected no handling on scan error")
	}
}

func TestStuckMonitorSweepToleratesHandlerError(t *testing.T) {
	store := &fakeStuckStore{sessions: []*conversation.Session{{ID: uuid.New()}, {ID: uuid.New()}}}
	handler := &fakeStuckHandler{err: errors.New("lock timeout")}
	monitor := NewStuckMonitor(store, handler, nil, nil)

	monitor.sweep(context.Background())

	if len(handler.handled) != 2 {
		t.Fatalf("expected all sessions attempted despite errors, got %d", len(handler.handled))
	}
}

func TestStuckMonitorRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	monitor := NewStuckMonitor(nil, nil, nil, nil).WithInterval(time.Millisecond)
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected run loop to stop on cancel")
	}
}

type fakeExpiryStore struct {
	expired int64
	err     error
	calls   int
}

func (f *fakeExpiryStore) ExpireOverdue(context.Context) (int64, error) {
	f.calls++
	return f.expired, f.err
}

func TestExpirySweeperSweep(t *testing.T) {
	store := &fakeExpiryStore{expired: 4}
	sweeper := NewExpirySweeper(store, nil, nil)

	sweeper.sweep(context.Background())

	if store.calls != 1 {
		t.Fatalf("expected one expire call, got %d", store.calls)
	}
}

func TestExpirySweeperToleratesError(t *testing.T) {
	sweeper := NewExpirySweeper(&fakeExpiryStore{err: errors.New("db down")}, nil, nil)
	sweeper.sweep(context.Background())
}

func TestExpirySweeperRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewExpirySweeper(&fakeExpiryStore{}, nil, nil).WithInterval(time.Millisecond)
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected run loop to stop on cancel")
	}
}

type fakeRetentionStore struct {
	days   int
	purged int64
	err    error
}

func (f *fakeRetentionStore) PurgeOlderThan(_ context.Context, retentionDays int) (int64, error) {
	f.days = retentionDays
	return f.purged, f.err
}

func TestRetentionSweeperForwardsWindow(t *testing.T) {
	store := &fakeRetentionStore{purged: 10}
	sweeper := NewRetentionSweeper(store, nil).WithRetentionDays(365)

	sweeper.sweep(context.Background())

	if store.days != 365 {
		t.Fatalf("expected retention window forwarded, got %d", store.days)
	}
}

func TestRetentionSweeperDefaultsToSevenYears(t *testing.T) {
	store := &fakeRetentionStore{}
	sweeper := NewRetentionSweeper(store, nil)

	sweeper.sweep(context.Background())

	if store.days != 2555 {
		t.Fatalf("expected 2555 day default, got %d", store.days)
	}
}

func TestRetentionSweeperToleratesError(t *testing.T) {
	sweeper := NewRetentionSweeper(&fakeRetentionStore{err: errors.New("db down")}, nil)
	sweeper.sweep(context.Background())
}
