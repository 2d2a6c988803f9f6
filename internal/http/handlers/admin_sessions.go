package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/http/middleware"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// sessionStore is the slice of the conversation store the admin API reads.
type sessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*conversation.Session, error)
	List(ctx context.Context, filter conversation.ListFilter) ([]*conversation.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	BulkDeleteTerminal(ctx context.Context, olderThanDays int) (int64, error)
	CountByState(ctx context.Context) ([]conversation.StateCount, error)
	CountStuck(ctx context.Context, threshold time.Duration) (int64, error)
	SuccessRate(ctx context.Context) (float64, error)
	TimeSeries(ctx context.Context, period string, since time.Time) ([]conversation.TimeBucket, error)
	AvgStateDurations(ctx context.Context) ([]conversation.StateDuration, error)
}

// adminEngine covers the operator interventions on a live session.
type adminEngine interface {
	ForceState(ctx context.Context, sessionID uuid.UUID, to conversation.State) error
	RetryStep(ctx context.Context, sessionID uuid.UUID, step string) error
	SendManualSMS(ctx context.Context, sessionID uuid.UUID, body string) error
}

// auditReader is the query side of the audit log.
type auditReader interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Volume(ctx context.Context, start, end time.Time) ([]audit.VolumeBucket, error)
}

// AdminHandler serves the coordinator/operator API.
type AdminHandler struct {
	sessions       sessionStore
	engine         adminEngine
	auditLog       auditReader
	stuckThreshold time.Duration
	logger         *logging.Logger
}

// NewAdminHandler wires the admin API. stuckThreshold is the idle cutoff for
// the analytics stuck-session count and the list endpoint's stuck filter; it
// is an operator-attention horizon, not the monitor's retry timeout.
func NewAdminHandler(sessions sessionStore, engine adminEngine, auditLog auditReader, stuckThreshold time.Duration, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 4 * time.Hour
	}
	return &AdminHandler{
		sessions:       sessions,
		engine:         engine,
		auditLog:       auditLog,
		stuckThreshold: stuckThreshold,
		logger:         logger,
	}
}

// sessionView is the session as the admin API exposes it. The encrypted phone
// never leaves the database; operators see the hash only.
type sessionView struct {
	ID                  uuid.UUID                       `json:"id"`
	PhoneHash           string                          `json:"phoneHash"`
	State               conversation.State              `json:"state"`
	OrderCount          int                             `json:"orderCount"`
	OrderIDs            []string                        `json:"orderIds"`
	Modality            string                          `json:"modality,omitempty"`
	SelectedLocationID  string                          `json:"selectedLocationId,omitempty"`
	SelectedSlotTime    *time.Time                      `json:"selectedSlotTime,omitempty"`
	CoordinatorReview   *conversation.CoordinatorReview `json:"coordinatorReview,omitempty"`
	Appointment         *conversation.Appointment       `json:"appointment,omitempty"`
	SlotRetryCount      int                             `json:"slotRetryCount"`
	SlotRequestSentAt   *time.Time                      `json:"slotRequestSentAt,omitempty"`
	SlotRequestFailedAt *time.Time                      `json:"slotRequestFailedAt,omitempty"`
	StartedAt           time.Time                       `json:"startedAt"`
	ExpiresAt           time.Time                       `json:"expiresAt"`
	CompletedAt         *time.Time                      `json:"completedAt,omitempty"`
	CreatedAt           time.Time                       `json:"createdAt"`
	UpdatedAt           time.Time                       `json:"updatedAt"`
	OrganizationID      string                          `json:"organizationId,omitempty"`
}

func viewOf(s *conversation.Session) sessionView {
	return sessionView{
		ID:                  s.ID,
		PhoneHash:           s.PhoneHash,
		State:               s.State,
		OrderCount:          s.Data.OrderCount(),
		OrderIDs:            s.Data.OrderIDs(),
		Modality:            string(s.Data.Order.Modality),
		SelectedLocationID:  s.SelectedLocationID,
		SelectedSlotTime:    s.SelectedSlotTime,
		CoordinatorReview:   s.Data.CoordinatorReview,
		Appointment:         s.Data.Appointment,
		SlotRetryCount:      s.SlotRetryCount,
		SlotRequestSentAt:   s.SlotRequestSentAt,
		SlotRequestFailedAt: s.SlotRequestFailedAt,
		StartedAt:           s.StartedAt,
		ExpiresAt:           s.ExpiresAt,
		CompletedAt:         s.CompletedAt,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		OrganizationID:      s.OrganizationID,
	}
}

// ListSessions returns sessions matching optional query filters.
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conversation.ListFilter{
		State:  conversation.State(q.Get("state")),
		Limit:  parseIntOr(q.Get("limit"), 50),
		Offset: parseIntOr(q.Get("offset"), 0),
	}
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_after must be RFC 3339")
			return
		}
		filter.CreatedAfter = t
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_before must be RFC 3339")
			return
		}
		filter.CreatedBefore = t
	}
	if q.Get("stuck") == "true" {
		filter.StuckThreshold = h.stuckThreshold
	}

	sessions, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

// GetSession returns one session by id.
func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.sessions.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("get session failed", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "lookup failed")
	default:
		writeJSON(w, http.StatusOK, viewOf(s))
	}
}

// DeleteSession removes one session row entirely. The body may carry an
// optional reason for the audit trail.
func (h *AdminHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	reason := optionalReason(r)
	err := h.sessions.Delete(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("delete session failed", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "delete failed")
	default:
		h.logger.Info("session deleted",
			"session_id", id, "actor", adminActor(r), "reason", reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// ForceState moves a session to CANCELLED or EXPIRED.
func (h *AdminHandler) ForceState(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		State  conversation.State `json:"state"`
		Reason string             `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := h.engine.ForceState(r.Context(), id, req.State)
	switch {
	case errors.Is(err, conversation.ErrInvalidForceState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("force state failed", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "state change failed")
	default:
		h.logger.Info("session state forced",
			"session_id", id, "state", req.State, "actor", adminActor(r), "reason", req.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": req.State})
	}
}

// RetryStep re-runs the location or timeslot step for a session.
func (h *AdminHandler) RetryStep(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Step   string `json:"step"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := h.engine.RetryStep(r.Context(), id, req.Step)
	switch {
	case errors.Is(err, conversation.ErrInvalidRetryStep):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("retry step failed", "error", err, "session_id", id, "step", req.Step)
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Info("session step retried",
			"session_id", id, "step", req.Step, "actor", adminActor(r), "reason", req.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "step": req.Step})
	}
}

// SendManualSMS relays an operator-composed message to the patient.
func (h *AdminHandler) SendManualSMS(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Body   string `json:"body"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	err := h.engine.SendManualSMS(r.Context(), id, req.Body)
	switch {
	case errors.Is(err, conversation.ErrManualSMSTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("manual sms failed", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "send failed")
	default:
		h.logger.Info("manual sms sent",
			"session_id", id, "length", len(req.Body), "actor", adminActor(r), "reason", req.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

// PurgeSessions bulk-deletes terminal sessions older than the given age.
func (h *AdminHandler) PurgeSessions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int    `json:"olderThanDays"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OlderThanDays < 1 {
		writeError(w, http.StatusBadRequest, "olderThanDays must be at least 1")
		return
	}
	deleted, err := h.sessions.BulkDeleteTerminal(r.Context(), req.OlderThanDays)
	if err != nil {
		h.logger.Error("bulk purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	h.logger.Info("terminal sessions purged",
		"older_than_days", req.OlderThanDays, "deleted", deleted,
		"actor", adminActor(r), "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// AnalyticsSummary aggregates the by-state counts, the stuck count and the
// overall confirmation rate.
func (h *AdminHandler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	byState, err := h.sessions.CountByState(ctx)
	if err != nil {
		h.logger.Error("count by state failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	stuck, err := h.sessions.CountStuck(ctx, h.stuckThreshold)
	if err != nil {
		h.logger.Error("count stuck failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	rate, err := h.sessions.SuccessRate(ctx)
	if err != nil {
		h.logger.Error("success rate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"byState":     byState,
		"stuck":       stuck,
		"successRate": rate,
	})
}

// AnalyticsTimeSeries buckets session starts by hour, day or week.
func (h *AdminHandler) AnalyticsTimeSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := q.Get("period")
	if period == "" {
		period = "day"
	}
	since := time.Now().AddDate(0, 0, -30)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	buckets, err := h.sessions.TimeSeries(r.Context(), period, since)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "buckets": buckets})
}

// AnalyticsStateDurations reports average dwell time per state.
func (h *AdminHandler) AnalyticsStateDurations(w http.ResponseWriter, r *http.Request) {
	durations, err := h.sessions.AvgStateDurations(r.Context())
	if err != nil {
		h.logger.Error("state durations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"durations": durations})
}

// QueryAudit returns audit log entries, newest first.
func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		PhoneHash: q.Get("phone_hash"),
		Limit:     parseIntOr(q.Get("limit"), 100),
		Offset:    parseIntOr(q.Get("offset"), 0),
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		filter.StartTime = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		filter.EndTime = t
	}
	entries, err := h.auditLog.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// AuditVolume aggregates message counts by direction and type in a window.
func (h *AdminHandler) AuditVolume(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := time.Now()
	start := end.AddDate(0, 0, -7)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = t
	}
	buckets, err := h.auditLog.Volume(r.Context(), start, end)
	if err != nil {
		h.logger.Error("audit volume failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// adminActor resolves the JWT subject of the request for operation logs.
func adminActor(r *http.Request) string {
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}

// optionalReason reads a {"reason": ...} body where the request has no other
// payload. A missing or malformed body is treated as no reason given.
func optionalReason(r *http.Request) string {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Reason
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
