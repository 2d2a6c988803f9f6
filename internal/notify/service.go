// Package notify alerts scheduling coordinators when a conversation needs a
// human: safety blocks, capability gaps, and slot-request timeouts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/orgsettings"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// reasonHeadlines maps escalation reason codes to coordinator-facing text.
var reasonHeadlines = map[string]string{
	"CONTRAST_ALLERGY_SEVERE": "Severe contrast allergy on file",
	"RENAL_FUNCTION_CRITICAL": "Critical renal function (eGFR below 30)",
	"NO_CAPABLE_LOCATIONS":    "No location has equipment for this exam",
	"SLOT_REQUEST_TIMEOUT":    "No slot response from the RIS after retries",
}

// Service sends coordinator escalation emails. The recipient comes from the
// organization's settings when configured, else the default address.
type Service struct {
	email            EmailSender
	settings         orgsettings.Source
	defaultRecipient string
	adminBaseURL     string
	logger           *logging.Logger
	now              func() time.Time
}

// NewService creates a notification service. settings may be nil.
func NewService(email EmailSender, settings orgsettings.Source, defaultRecipient, adminBaseURL string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:            email,
		settings:         settings,
		defaultRecipient: defaultRecipient,
		adminBaseURL:     adminBaseURL,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SessionEscalated emails the coordinator responsible for the organization.
func (s *Service) SessionEscalated(ctx context.Context, orgID, sessionID, reason, detail string) error {
	if s.email == nil {
		s.logger.Debug("notify: email sender not configured, skipping escalation", "session_id", sessionID)
		return nil
	}

	recipient := s.defaultRecipient
	if s.settings != nil && orgID != "" {
		set, err := s.settings.Get(ctx, orgID)
		if err != nil {
			if !errors.Is(err, orgsettings.ErrNotFound) {
				s.logger.Warn("notify: org settings lookup failed", "error", err, "org_id", orgID)
			}
		} else if set.CoordinatorEmail != "" {
			recipient = set.CoordinatorEmail
		}
	}
	if recipient == "" {
		s.logger.Warn("notify: no coordinator recipient configured", "org_id", orgID, "session_id", sessionID)
		return nil
	}

	headline := reasonHeadlines[reason]
	if headline == "" {
		headline = reason
	}

	subject := fmt.Sprintf("Scheduling review needed: %s", headline)
	body := fmt.Sprintf(`A patient scheduling conversation needs coordinator review.

Reason: %s (%s)
Session: %s
Detail: %s
Flagged: %s

Please review the session and contact the patient to schedule manually.`,
		headline, reason, sessionID, detail, s.now().Format("January 2, 2006 at 3:04 PM MST"))

	if s.adminBaseURL != "" {
		body += fmt.Sprintf("\n\nSession detail: %s/admin/sessions/%s", s.adminBaseURL, sessionID)
	}

	msg := EmailMessage{
		To:      recipient,
		Subject: subject,
		Body:    body,
	}
	if err := s.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: escalation email: %w", err)
	}
	s.logger.Info("coordinator escalation sent", "to", recipient, "session_id", sessionID, "reason", reason)
	return nil
}
