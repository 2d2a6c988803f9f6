// Package ris talks to the integration engine (IE) that fronts the radiology
// information system. Slot requests and bookings are fire-and-forget: the IE
// answers over HL7 and the results come back through inbound webhooks.
package ris

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

var risTracer = otel.Tracer("radscheduler.internal.ris")

// ErrUnavailable wraps transport failures after retries are exhausted.
var ErrUnavailable = errors.New("ris: integration engine unavailable")

// Slot is one offered appointment time.
type Slot struct {
	DateTime   time.Time `json:"dateTime"`
	Duration   int       `json:"duration"`
	ResourceID string    `json:"resourceId,omitempty"`
	SlotID     string    `json:"slotId,omitempty"`
	ID         string    `json:"id,omitempty"`
}

// Ref returns the best available identifier for the slot.
func (s Slot) Ref() string {
	if s.SlotID != "" {
		return s.SlotID
	}
	if s.ID != "" {
		return s.ID
	}
	return s.DateTime.Format(time.RFC3339)
}

// SlotRequest asks the IE to find open times for a set of co-ordered exams.
type SlotRequest struct {
	LocationID    string         `json:"locationId"`
	Modality      order.Modality `json:"modality"`
	StartDate     string         `json:"startDate"` // YYYY-MM-DD
	EndDate       string         `json:"endDate"`
	PatientMRN    string         `json:"patientMrn"`
	PatientDOB    string         `json:"patientDob,omitempty"`
	PatientGender string         `json:"patientGender,omitempty"`
	OrderIDs      []string       `json:"orderIds"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Duration      int            `json:"duration,omitempty"`
}

// SlotRequestAck is the immediate response to a slot request. The slots
// themselves arrive later on the schedule-response webhook.
type SlotRequestAck struct {
	MessageControlID string `json:"messageControlId"`
	Accepted         bool   `json:"accepted"`
}

// BookingRequest books one appointment covering every listed order.
type BookingRequest struct {
	OrderIDs        []string       `json:"orderIds"`
	PatientMRN      string         `json:"patientMrn"`
	PatientPhone    string         `json:"patientPhone"`
	Modality        order.Modality `json:"modality"`
	LocationID      string         `json:"locationId"`
	SlotID          string         `json:"slotId"`
	AppointmentTime time.Time      `json:"appointmentTime"`
	Duration        int            `json:"duration,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
}

// Client is the IE HTTP surface used by the conversation engine.
type Client interface {
	GetLocations(ctx context.Context, modality order.Modality) ([]order.Location, error)
	RequestSlots(ctx context.Context, req SlotRequest) (SlotRequestAck, error)
	BookAppointment(ctx context.Context, req BookingRequest) error
	CancelAppointment(ctx context.Context, appointmentID, reason string) error
	GetOrderDetails(ctx context.Context, orderID string) (*order.Order, error)
	HealthCheck(ctx context.Context) error
}

// HTTPClient implements Client against the IE REST endpoints with bounded
// exponential retry.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger

	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
}

// Option adjusts client construction.
type Option func(*HTTPClient)

// WithRetry overrides the retry schedule.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *HTTPClient) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// withSleep replaces the backoff sleep, for tests.
func withSleep(fn func(time.Duration)) Option {
	return func(c *HTTPClient) { c.sleep = fn }
}

// NewHTTPClient builds a client with sane defaults: 5s timeout, 3 attempts,
// backoff starting at 2s.
func NewHTTPClient(baseURL, apiKey string, logger *logging.Logger, opts ...Option) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// GetLocations fetches the IE's locations offering the modality.
func (c *HTTPClient) GetLocations(ctx context.Context, modality order.Modality) ([]order.Location, error) {
	endpoint := fmt.Sprintf("%s/locations?modality=%s", c.baseURL, url.QueryEscape(string(modality)))
	var out struct {
		Locations []order.Location `json:"locations"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Locations, nil
}

// RequestSlots submits an asynchronous slot search. The call returns as soon
// as the IE acknowledges the HL7 message.
func (c *HTTPClient) RequestSlots(ctx context.Context, req SlotRequest) (SlotRequestAck, error) {
	var ack SlotRequestAck
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/slot-request", req, &ack); err != nil {
		return SlotRequestAck{}, err
	}
	return ack, nil
}

// BookAppointment submits an asynchronous booking. Confirmation arrives on
// the appointment-notification webhook.
func (c *HTTPClient) BookAppointment(ctx context.Context, req BookingRequest) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/book-appointment", req, nil)
}

// CancelAppointment cancels synchronously.
func (c *HTTPClient) CancelAppointment(ctx context.Context, appointmentID, reason string) error {
	body := map[string]string{"appointmentId": appointmentID, "reason": reason}
	return c.do(ctx, http.MethodPost, c.baseURL+"/cancel-appointment", body, nil)
}

// GetOrderDetails fetches one order from the IE.
func (c *HTTPClient) GetOrderDetails(ctx context.Context, orderID string) (*order.Order, error) {
	var out order.Order
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthCheck pings the IE.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, span := risTracer.Start(ctx, "ris.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("radscheduler.ris.method", method),
		attribute.String("radscheduler.ris.endpoint", endpoint),
	)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ris: marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("ris: build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out != nil && len(respBody) > 0 {
					if err := json.Unmarshal(respBody, out); err != nil {
						return fmt.Errorf("ris: decode response: %w", err)
					}
				}
				return nil
			}
			lastErr = fmt.Errorf("ris: %s %s returned %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(respBody)))
			// 4xx (other than 429) won't get better on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				span.RecordError(lastErr)
				return lastErr
			}
		}

		if attempt < c.maxAttempts {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			c.logger.Warn("ris request failed, retrying", "error", lastErr, "attempt", attempt, "delay", delay.String())
			c.sleep(delay)
		}
	}

	span.RecordError(lastErr)
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
