package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/http/middleware"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

type fakeSessionStore struct {
	sessions map[uuid.UUID]*conversation.Session
	listed   []*conversation.Session
	filter   conversation.ListFilter
	purged   int
	byState  []conversation.StateCount
	stuck    int64
	rate     float64
	buckets  []conversation.TimeBucket
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*conversation.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, conversation.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessionStore) List(_ context.Context, filter conversation.ListFilter) ([]*conversation.Session, error) {
	f.filter = filter
	return f.listed, nil
}

func (f *fakeSessionStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.sessions[id]; !ok {
		return conversation.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessionStore) BulkDeleteTerminal(_ context.Context, olderThanDays int) (int64, error) {
	f.purged = olderThanDays
	return 3, nil
}

func (f *fakeSessionStore) CountByState(context.Context) ([]conversation.StateCount, error) {
	return f.byState, nil
}

func (f *fakeSessionStore) CountStuck(context.Context, time.Duration) (int64, error) {
	return f.stuck, nil
}

func (f *fakeSessionStore) SuccessRate(context.Context) (float64, error) {
	return f.rate, nil
}

func (f *fakeSessionStore) TimeSeries(_ context.Context, period string, _ time.Time) ([]conversation.TimeBucket, error) {
	if period != "hour" && period != "day" && period != "week" {
		return nil, errors.New("unsupported period")
	}
	return f.buckets, nil
}

func (f *fakeSessionStore) AvgStateDurations(context.Context) ([]conversation.StateDuration, error) {
	return nil, nil
}

type fakeAdminEngine struct {
	forcedTo  conversation.State
	retried   string
	manual    string
	forceErr  error
	retryErr  error
	manualErr error
}

func (f *fakeAdminEngine) ForceState(_ context.Context, _ uuid.UUID, to conversation.State) error {
	if f.forceErr != nil {
		return f.forceErr
	}
	f.forcedTo = to
	return nil
}

func (f *fakeAdminEngine) RetryStep(_ context.Context, _ uuid.UUID, step string) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = step
	return nil
}

func (f *fakeAdminEngine) SendManualSMS(_ context.Context, _ uuid.UUID, body string) error {
	if f.manualErr != nil {
		return f.manualErr
	}
	f.manual = body
	return nil
}

type fakeAuditReader struct {
	entries []audit.Entry
	filter  audit.Filter
}

func (f *fakeAuditReader) Query(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	f.filter = filter
	return f.entries, nil
}

func (f *fakeAuditReader) Volume(context.Context, time.Time, time.Time) ([]audit.VolumeBucket, error) {
	return []audit.VolumeBucket{{Direction: audit.DirectionOutbound, MessageType: audit.OutboundConsent, Count: 4}}, nil
}

func sampleSession(id uuid.UUID) *conversation.Session {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &conversation.Session{
		ID:             id,
		PhoneHash:      "hash-1",
		EncryptedPhone: "enc:+15551234567",
		State:          conversation.StateChoosingLocation,
		Data: conversation.OrderData{
			Order: order.Order{OrderID: "ord-1", PatientMRN: "MRN001^EPIC", Modality: order.ModalityCT},
		},
		StartedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type adminHarness struct {
	store  *fakeSessionStore
	engine *fakeAdminEngine
	audit  *fakeAuditReader
	h      *AdminHandler
}

func newAdminHarness() *adminHarness {
	store := &fakeSessionStore{sessions: map[uuid.UUID]*conversation.Session{}}
	engine := &fakeAdminEngine{}
	auditLog := &fakeAuditReader{}
	return &adminHarness{
		store:  store,
		engine: engine,
		audit:  auditLog,
		h:      NewAdminHandler(store, engine, auditLog, 5*time.Minute, nil),
	}
}

// newLoggedAdminHarness routes handler logs into a buffer so tests can assert
// on the operation trail.
func newLoggedAdminHarness(buf *bytes.Buffer) *adminHarness {
	store := &fakeSessionStore{sessions: map[uuid.UUID]*conversation.Session{}}
	engine := &fakeAdminEngine{}
	auditLog := &fakeAuditReader{}
	logger := &logging.Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil))}
	return &adminHarness{
		store:  store,
		engine: engine,
		audit:  auditLog,
		h:      NewAdminHandler(store, engine, auditLog, 5*time.Minute, logger),
	}
}

func asOperator(req *http.Request, subject string) *http.Request {
	claims := jwt.RegisteredClaims{Subject: subject}
	return req.WithContext(middleware.WithAdminClaims(req.Context(), claims))
}

func requestWithID(method, path string, id uuid.UUID, body any) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetSessionRedactsPhone(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()
	harness.store.sessions[id] = sampleSession(id)

	rec := httptest.NewRecorder()
	harness.h.GetSession(rec, requestWithID(http.MethodGet, "/admin/sessions/"+id.String(), id, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "+15551234567") || strings.Contains(body, "enc:") {
		t.Fatalf("response leaks phone material: %s", body)
	}
	if !strings.Contains(body, "hash-1") {
		t.Fatalf("expected phone hash in response, got %s", body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	harness := newAdminHarness()
	rec := httptest.NewRecorder()
	harness.h.GetSession(rec, requestWithID(http.MethodGet, "/admin/sessions/x", uuid.New(), nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestListSessionsFilter(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()
	harness.store.listed = []*conversation.Session{sampleSession(id)}

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions?state=CHOOSING_LOCATION&stuck=true&limit=10", nil)
	rec := httptest.NewRecorder()
	harness.h.ListSessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.store.filter.State != conversation.StateChoosingLocation {
		t.Fatalf("expected state filter, got %q", harness.store.filter.State)
	}
	if harness.store.filter.StuckThreshold != 5*time.Minute {
		t.Fatalf("expected stuck threshold, got %v", harness.store.filter.StuckThreshold)
	}
	if harness.store.filter.Limit != 10 {
		t.Fatalf("expected limit 10, got %d", harness.store.filter.Limit)
	}
}

func TestListSessionsBadTimestamp(t *testing.T) {
	harness := newAdminHarness()
	req := httptest.NewRequest(http.MethodGet, "/admin/sessions?created_after=yesterday", nil)
	rec := httptest.NewRecorder()
	harness.h.ListSessions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()
	harness.store.sessions[id] = sampleSession(id)

	rec := httptest.NewRecorder()
	harness.h.DeleteSession(rec, requestWithID(http.MethodDelete, "/admin/sessions/"+id.String(), id, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if _, ok := harness.store.sessions[id]; ok {
		t.Fatalf("expected session deleted")
	}
}

func TestForceStateValid(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.ForceState(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/state", id,
		map[string]string{"state": "CANCELLED"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.engine.forcedTo != conversation.StateCancelled {
		t.Fatalf("expected forced CANCELLED, got %q", harness.engine.forcedTo)
	}
}

func TestForceStateLogsActorAndReason(t *testing.T) {
	var buf bytes.Buffer
	harness := newLoggedAdminHarness(&buf)
	id := uuid.New()

	req := asOperator(requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/state", id,
		map[string]string{"state": "CANCELLED", "reason": "patient called to cancel"}), "ops@example.com")
	rec := httptest.NewRecorder()
	harness.h.ForceState(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	logged := buf.String()
	if !strings.Contains(logged, `"actor":"ops@example.com"`) {
		t.Fatalf("expected actor in log, got %s", logged)
	}
	if !strings.Contains(logged, `"reason":"patient called to cancel"`) {
		t.Fatalf("expected reason in log, got %s", logged)
	}
}

func TestDeleteSessionLogsActorAndReason(t *testing.T) {
	var buf bytes.Buffer
	harness := newLoggedAdminHarness(&buf)
	id := uuid.New()
	harness.store.sessions[id] = sampleSession(id)

	req := asOperator(requestWithID(http.MethodDelete, "/admin/sessions/"+id.String(), id,
		map[string]string{"reason": "duplicate row"}), "coordinator-1")
	rec := httptest.NewRecorder()
	harness.h.DeleteSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	logged := buf.String()
	if !strings.Contains(logged, `"actor":"coordinator-1"`) || !strings.Contains(logged, `"reason":"duplicate row"`) {
		t.Fatalf("expected actor and reason in log, got %s", logged)
	}
}

func TestPurgeSessionsLogsActorAndReason(t *testing.T) {
	var buf bytes.Buffer
	harness := newLoggedAdminHarness(&buf)

	body, _ := json.Marshal(map[string]any{"olderThanDays": 90, "reason": "annual retention run"})
	req := asOperator(httptest.NewRequest(http.MethodPost, "/admin/sessions/purge", bytes.NewReader(body)), "ops@example.com")
	rec := httptest.NewRecorder()
	harness.h.PurgeSessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	logged := buf.String()
	if !strings.Contains(logged, `"actor":"ops@example.com"`) || !strings.Contains(logged, `"reason":"annual retention run"`) {
		t.Fatalf("expected actor and reason in log, got %s", logged)
	}
}

func TestMutationWithoutClaimsLogsUnknownActor(t *testing.T) {
	var buf bytes.Buffer
	harness := newLoggedAdminHarness(&buf)
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.ForceState(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/state", id,
		map[string]string{"state": "CANCELLED"}))

	if !strings.Contains(buf.String(), `"actor":"unknown"`) {
		t.Fatalf("expected unknown actor in log, got %s", buf.String())
	}
}

func TestNewAdminHandlerDefaultStuckThreshold(t *testing.T) {
	h := NewAdminHandler(&fakeSessionStore{}, &fakeAdminEngine{}, &fakeAuditReader{}, 0, nil)
	if h.stuckThreshold != 4*time.Hour {
		t.Fatalf("expected 4h default stuck threshold, got %v", h.stuckThreshold)
	}
}

func TestForceStateInvalid(t *testing.T) {
	harness := newAdminHarness()
	harness.engine.forceErr = conversation.ErrInvalidForceState
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.ForceState(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/state", id,
		map[string]string{"state": "CONFIRMED"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestRetryStep(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.RetryStep(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/retry", id,
		map[string]string{"step": "location"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.engine.retried != "location" {
		t.Fatalf("expected location retry, got %q", harness.engine.retried)
	}
}

func TestRetryStepInvalid(t *testing.T) {
	harness := newAdminHarness()
	harness.engine.retryErr = conversation.ErrInvalidRetryStep
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.RetryStep(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/retry", id,
		map[string]string{"step": "bogus"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestSendManualSMS(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.SendManualSMS(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/sms", id,
		map[string]string{"body": "We are looking into your booking."}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.engine.manual == "" {
		t.Fatalf("expected manual sms forwarded")
	}
}

func TestSendManualSMSEmptyBody(t *testing.T) {
	harness := newAdminHarness()
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.SendManualSMS(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/sms", id,
		map[string]string{"body": ""}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestSendManualSMSTooLong(t *testing.T) {
	harness := newAdminHarness()
	harness.engine.manualErr = conversation.ErrManualSMSTooLong
	id := uuid.New()

	rec := httptest.NewRecorder()
	harness.h.SendManualSMS(rec, requestWithID(http.MethodPost, "/admin/sessions/"+id.String()+"/sms", id,
		map[string]string{"body": strings.Repeat("x", 321)}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestPurgeSessions(t *testing.T) {
	harness := newAdminHarness()

	body, _ := json.Marshal(map[string]int{"olderThanDays": 90})
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/purge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	harness.h.PurgeSessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.store.purged != 90 {
		t.Fatalf("expected purge cutoff 90, got %d", harness.store.purged)
	}
}

func TestPurgeSessionsRejectsZeroDays(t *testing.T) {
	harness := newAdminHarness()

	body, _ := json.Marshal(map[string]int{"olderThanDays": 0})
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/purge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	harness.h.PurgeSessions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestAnalyticsSummary(t *testing.T) {
	harness := newAdminHarness()
	harness.store.byState = []conversation.StateCount{{State: conversation.StateConfirmed, Count: 7}}
	harness.store.stuck = 2
	harness.store.rate = 0.7

	req := httptest.NewRequest(http.MethodGet, "/admin/analytics/summary", nil)
	rec := httptest.NewRecorder()
	harness.h.AnalyticsSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var payload struct {
		Stuck       int64   `json:"stuck"`
		SuccessRate float64 `json:"successRate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Stuck != 2 || payload.SuccessRate != 0.7 {
		t.Fatalf("unexpected summary: %+v", payload)
	}
}

func TestAnalyticsTimeSeriesDefaultsToDay(t *testing.T) {
	harness := newAdminHarness()
	harness.store.buckets = []conversation.TimeBucket{{Started: 5}}

	req := httptest.NewRequest(http.MethodGet, "/admin/analytics/timeseries", nil)
	rec := httptest.NewRecorder()
	harness.h.AnalyticsTimeSeries(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"period":"day"`) {
		t.Fatalf("expected day period, got %s", rec.Body.String())
	}
}

func TestAnalyticsTimeSeriesBadPeriod(t *testing.T) {
	harness := newAdminHarness()

	req := httptest.NewRequest(http.MethodGet, "/admin/analytics/timeseries?period=month", nil)
	rec := httptest.NewRecorder()
	harness.h.AnalyticsTimeSeries(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestQueryAuditFilter(t *testing.T) {
	harness := newAdminHarness()
	harness.audit.entries = []audit.Entry{{MessageType: audit.OutboundConsent}}

	req := httptest.NewRequest(http.MethodGet, "/admin/audit?phone_hash=hash-1&limit=25", nil)
	rec := httptest.NewRecorder()
	harness.h.QueryAudit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if harness.audit.filter.PhoneHash != "hash-1" || harness.audit.filter.Limit != 25 {
		t.Fatalf("unexpected filter: %+v", harness.audit.filter)
	}
}

func TestAuditVolume(t *testing.T) {
	harness := newAdminHarness()

	req := httptest.NewRequest(http.MethodGet, "/admin/audit/volume", nil)
	rec := httptest.NewRecorder()
	harness.h.AuditVolume(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OUTBOUND_CONSENT") {
		t.Fatalf("expected volume bucket in response, got %s", rec.Body.String())
	}
}
