package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

var telnyxSendTracer = otel.Tracer("radscheduler.internal.messaging.telnyx_send")

// TelnyxSender posts SMS messages using Telnyx's V2 API.
type TelnyxSender struct {
	apiKey             string
	messagingProfileID string
	from               string
	resolver           *OrgSenderResolver
	httpClient         *http.Client
	logger             *logging.Logger
}

// NewTelnyxSender builds a sender for Telnyx V2 API.
func NewTelnyxSender(apiKey, messagingProfileID, defaultFrom string, resolver *OrgSenderResolver, logger *logging.Logger) *TelnyxSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxSender{
		apiKey:             apiKey,
		messagingProfileID: messagingProfileID,
		from:               defaultFrom,
		resolver:           resolver,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ conversation.Messenger = (*TelnyxSender)(nil)

// Send dispatches a single SMS via Telnyx V2 API, retrying transient failures.
func (s *TelnyxSender) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.SendResult, error) {
	res := conversation.SendResult{Provider: SMSProviderTelnyx}
	if s.apiKey == "" {
		res.Status = "failed"
		res.ErrorCode = conversation.SendErrConfig
		return res, errors.New("messaging: telnyx api key missing")
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

	ctx, span := telnyxSendTracer.Start(ctx, "messaging.telnyx.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("radscheduler.org_id", msg.OrganizationID),
		attribute.String("radscheduler.to", logging.RedactPhone(msg.To)),
	)

	payload := map[string]interface{}{
		"from": from,
		"to":   msg.To,
		"text": msg.Body,
	}
	if s.messagingProfileID != "" {
		payload["messaging_profile_id"] = s.messagingProfileID
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			res.Status = "failed"
			return res, fmt.Errorf("messaging: failed to marshal telnyx payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.telnyx.com/v2/messages", bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if len(body) > 0 {
					var parsed struct {
						Data struct {
							ID     string `json:"id"`
							Status string `json:"status"`
						} `json:"data"`
					}
					if err := json.Unmarshal(body, &parsed); err == nil {
						res.SID = parsed.Data.ID
						res.Status = parsed.Data.Status
					}
				}
				if res.Status == "" {
					res.Status = "queued"
				}
				s.logger.Info("telnyx sms sent", "org_id", msg.OrganizationID, "to", logging.RedactPhone(msg.To))
				return res, nil
			}
			var errorBody map[string]interface{}
			if len(body) > 0 && json.Unmarshal(body, &errorBody) == nil {
				lastErr = fmt.Errorf("telnyx send failed: status %d, body: %v", resp.StatusCode, errorBody)
			} else {
				lastErr = fmt.Errorf("telnyx send failed: status %d", resp.StatusCode)
			}
			res.ErrorCode = classifyStatus(resp.StatusCode)
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
		s.logger.Error("failed to send telnyx sms", "error", lastErr, "org_id", msg.OrganizationID, "to", logging.RedactPhone(msg.To))
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
