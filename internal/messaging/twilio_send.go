package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

var twilioSendTracer = otel.Tracer("radscheduler.internal.messaging.twilio_send")

// TwilioSender posts SMS messages using Twilio's REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	resolver   *OrgSenderResolver
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioSender builds a sender with sane defaults. resolver may be nil; it
// overrides the From number per organization when set.
func NewTwilioSender(accountSID, authToken, defaultFrom string, resolver *OrgSenderResolver, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		resolver:   resolver,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ conversation.Messenger = (*TwilioSender)(nil)

// Send dispatches a single SMS, retrying transient failures.
func (s *TwilioSender) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.SendResult, error) {
	res := conversation.SendResult{Provider: SMSProviderTwilio}
	if s.accountSID == "" || s.authToken == "" {
		res.Status = "failed"
		res.ErrorCode = conversation.SendErrConfig
		return res, errors.New("messaging: twilio credentials missing")
	}
	if msg.To == "" {
		res.Status = "failed"
		res.ErrorCode = conversation.SendErrInvalidNumber
		return res, errors.New("messaging: to required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		res.Status = "failed"
		res.ErrorCode = conversation.SendErrUnknown
		return res, errors.New("messaging: body required")
	}
	from := resolveFrom(ctx, s.resolver, msg, s.from)
	if from == "" {
		res.Status = "failed"
		res.ErrorCode = conversation.SendErrConfig
		return res, errors.New("messaging: from required")
	}
	res.FromNumber = from

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("radscheduler.org_id", msg.OrganizationID),
		attribute.String("radscheduler.to", logging.RedactPhone(msg.To)),
	)

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", from)
	payload.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if len(body) > 0 {
					var parsed struct {
						SID    string `json:"sid"`
						Status string `json:"status"`
					}
					if err := json.Unmarshal(body, &parsed); err == nil {
						res.SID = parsed.SID
						res.Status = parsed.Status
					}
				}
				if res.Status == "" {
					res.Status = "queued"
				}
				s.logger.Info("twilio sms sent", "org_id", msg.OrganizationID, "to", logging.RedactPhone(msg.To))
				return res, nil
			}
			lastErr = fmt.Errorf("twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
			res.ErrorCode = classifyStatus(resp.StatusCode)
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	res.Status = "failed"
	if res.ErrorCode == "" {
		res.ErrorCode = conversation.SendErrUnreachable
	}
	if lastErr != nil {
		res.ErrorMessage = lastErr.Error()
	}
	return res, lastErr
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	body = bytesTrimSpace(body)
	if len(body) == 0 {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	// Fallback: return raw body (truncated by ReadAll limit).
	return fmt.Sprintf("status %d: %s", status, string(body))
}

func classifyStatus(status int) string {
	switch {
	case status == 429:
		return conversation.SendErrRateLimit
	case status == 400:
		return conversation.SendErrInvalidNumber
	case status >= 400 && status < 500:
		return conversation.SendErrUnknown
	default:
		return conversation.SendErrUnreachable
	}
}

func bytesTrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

// resolveFrom picks the sender number: explicit on the message, then the
// organization's configured number, then the provider default.
func resolveFrom(ctx context.Context, resolver *OrgSenderResolver, msg conversation.OutboundMessage, fallback string) string {
	if msg.From != "" {
		return msg.From
	}
	if resolver != nil && msg.OrganizationID != "" {
		if from := resolver.FromNumber(ctx, msg.OrganizationID); from != "" {
			return from
		}
	}
	return fallback
}
