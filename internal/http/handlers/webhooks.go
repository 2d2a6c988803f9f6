// Package handlers exposes the HTTP surface: integration-engine webhooks,
// the SMS provider callback, and the admin API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/observability/metrics"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/phone"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/tenancy"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// schedulingEngine is the slice of the conversation engine the webhook
// handler drives.
type schedulingEngine interface {
	IntakeOrder(ctx context.Context, o order.Order) error
	HandleInboundSMS(ctx context.Context, from, body string) error
	HandleScheduleResponse(ctx context.Context, resp conversation.ScheduleResponse) error
	HandleAppointmentNotification(ctx context.Context, n conversation.AppointmentNotification) error
}

// pinger is anything that can report database liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// WebhookHandler receives order intake and the asynchronous RIS callbacks.
type WebhookHandler struct {
	engine  schedulingEngine
	db      pinger
	logger  *logging.Logger
	metrics *metrics.SchedulingMetrics
}

// NewWebhookHandler wires the handler. db and m may be nil.
func NewWebhookHandler(engine schedulingEngine, db pinger, m *metrics.SchedulingMetrics, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{engine: engine, db: db, logger: logger, metrics: m}
}

// HandleOrderIntake accepts a new imaging order and starts (or extends) the
// patient's scheduling conversation.
func (h *WebhookHandler) HandleOrderIntake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency("order_intake", time.Since(start).Seconds()) }()

	var o order.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if o.OrderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}
	if !order.ValidModality(o.Modality) {
		writeError(w, http.StatusBadRequest, "unsupported modality")
		return
	}
	if _, err := phone.Normalize(o.PatientPhone); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient phone")
		return
	}

	ctx := r.Context()
	if orgID := r.Header.Get("X-Organization-Id"); orgID != "" {
		if o.OrganizationID == "" {
			o.OrganizationID = orgID
		}
		ctx = tenancy.WithOrgID(ctx, o.OrganizationID)
	}

	if err := h.engine.IntakeOrder(ctx, o); err != nil {
		h.logger.Error("order intake failed", "error", err, "order_id", o.OrderID)
		writeError(w, http.StatusInternalServerError, "intake failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "orderId": o.OrderID})
}

// HandleScheduleResponse receives the available-slot callback. Responses that
// match no session are acknowledged so the integration engine does not retry.
func (h *WebhookHandler) HandleScheduleResponse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency("schedule_response", time.Since(start).Seconds()) }()

	var resp conversation.ScheduleResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.engine.HandleScheduleResponse(r.Context(), resp)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, conversation.ErrNoSessionForWebhook):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		h.logger.Error("schedule response handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

// HandleAppointmentNotification receives the booking confirmation callback.
func (h *WebhookHandler) HandleAppointmentNotification(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency("appointment_notification", time.Since(start).Seconds()) }()

	var n conversation.AppointmentNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.engine.HandleAppointmentNotification(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, conversation.ErrNoSessionForWebhook):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		h.logger.Error("appointment notification handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

// HandleInboundSMS receives patient replies. Both the Twilio form encoding
// and a JSON body are accepted.
func (h *WebhookHandler) HandleInboundSMS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency("sms_inbound", time.Since(start).Seconds()) }()

	from, body := parseInboundSMS(r)
	if from == "" {
		writeError(w, http.StatusBadRequest, "missing sender")
		return
	}

	if err := h.engine.HandleInboundSMS(r.Context(), from, body); err != nil {
		h.logger.Error("inbound sms handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	// Empty 204 keeps Twilio from sending an auto-reply TwiML message.
	w.WriteHeader(http.StatusNoContent)
}

func parseInboundSMS(r *http.Request) (from, body string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			From string `json:"from"`
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			return payload.From, payload.Body
		}
		return "", ""
	}
	if err := r.ParseForm(); err != nil {
		return "", ""
	}
	from = r.PostFormValue("From")
	body = r.PostFormValue("Body")
	if from == "" {
		// Telnyx uses lowercase field names.
		from = r.PostFormValue("from")
		body = r.PostFormValue("text")
	}
	return from, body
}

// HealthCheck reports process and database liveness.
func (h *WebhookHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
