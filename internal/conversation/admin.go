package conversation

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
)

// manualSMSMaxLen caps operator-sent messages at two concatenated segments.
const manualSMSMaxLen = 320

var (
	// ErrInvalidForceState rejects force-transitions to anything but the two
	// admin-ownable terminal states.
	ErrInvalidForceState = errors.New("conversation: state can only be forced to CANCELLED or EXPIRED")
	// ErrInvalidRetryStep rejects unknown retry steps.
	ErrInvalidRetryStep = errors.New("conversation: retry step must be location or timeslots")
	// ErrManualSMSTooLong rejects oversized operator messages.
	ErrManualSMSTooLong = fmt.Errorf("conversation: manual sms exceeds %d characters", manualSMSMaxLen)
)

// Retry steps accepted by RetryStep.
const (
	RetryStepLocation  = "location"
	RetryStepTimeslots = "timeslots"
)

// ForceState moves a session to CANCELLED or EXPIRED on operator request.
// No SMS is sent; the operator has presumably already spoken to the patient.
func (e *Engine) ForceState(ctx context.Context, sessionID uuid.UUID, to State) error {
	if to != StateCancelled && to != StateExpired {
		return ErrInvalidForceState
	}
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context, s *Session) error {
		if s.State == to {
			return nil
		}
		e.transition(s, to)
		now := e.opts.Now()
		s.CompletedAt = &now
		s.SlotRequestSentAt = nil
		e.logger.Info("session state forced", "session_id", s.ID, "state", to)
		return nil
	})
}

// RetryStep re-runs one conversation step for a session an operator has
// unstuck, typically out of COORDINATOR_REVIEW. "location" re-evaluates
// safety and re-offers locations; "timeslots" re-issues the slot request for
// the already selected location.
func (e *Engine) RetryStep(ctx context.Context, sessionID uuid.UUID, step string) error {
	switch step {
	case RetryStepLocation, RetryStepTimeslots:
	default:
		return ErrInvalidRetryStep
	}
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context, s *Session) error {
		if s.State.Terminal() {
			return fmt.Errorf("conversation: cannot retry %s session", s.State)
		}
		e164, err := e.identity.Decrypt(s.EncryptedPhone)
		if err != nil {
			return e.failDecrypt(ctx, s, err)
		}

		switch step {
		case RetryStepLocation:
			e.transition(s, StateChoosingLocation)
			s.Data.CoordinatorReview = nil
			s.SelectedLocationID = ""
			s.Data.AvailableSlots = nil
			s.SlotRequestSentAt = nil
			s.SlotRequestFailedAt = nil
			s.SlotRetryCount = 0
			return e.promptLocations(ctx, s, e164)
		default:
			if s.SelectedLocationID == "" {
				return errors.New("conversation: no location selected to retry timeslots")
			}
			e.transition(s, StateChoosingTime)
			s.Data.AvailableSlots = nil
			now := e.opts.Now()
			s.SlotRequestSentAt = &now
			s.SlotRequestFailedAt = nil
			s.SlotRetryCount = 0
			if err := e.sendSlotRequest(ctx, s); err != nil {
				return fmt.Errorf("conversation: retry slot request: %w", err)
			}
			return nil
		}
	})
}

// SendManualSMS lets an operator message the patient within a session. The
// message is audited like any other outbound.
func (e *Engine) SendManualSMS(ctx context.Context, sessionID uuid.UUID, body string) error {
	if utf8.RuneCountInString(body) > manualSMSMaxLen {
		return ErrManualSMSTooLong
	}
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context, s *Session) error {
		e164, err := e.identity.Decrypt(s.EncryptedPhone)
		if err != nil {
			return e.failDecrypt(ctx, s, err)
		}
		e.sendSMS(ctx, s, e164, body, audit.OutboundManual)
		return nil
	})
}
