package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/consent"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/equipment"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/phone"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/procedure"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/ris"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/safety"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// ErrNoSessionForWebhook is returned when an inbound webhook cannot be
// matched to an active session. Handlers still acknowledge the webhook so
// the integration engine stops retrying.
var ErrNoSessionForWebhook = errors.New("conversation: no session matches webhook")

// SessionStore is the persistence surface the engine needs. *Store satisfies
// it; tests substitute an in-memory fake.
type SessionStore interface {
	Insert(ctx context.Context, s *Session) error
	GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*Session, error)
	ExpireOverduePhone(ctx context.Context, phoneHash string) (int64, error)
	FindByMRN(ctx context.Context, mrn string) (*Session, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*Session, error)
	WithSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, s *Session) error) error
}

// ConsentStore is the engine's view of the consent package.
type ConsentStore interface {
	HasConsent(ctx context.Context, phoneHash string) (bool, error)
	Grant(ctx context.Context, phoneHash string, method consent.Method) error
	Revoke(ctx context.Context, phoneHash, reason string) error
}

// Auditor appends interaction records best-effort.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// CapabilityFilter narrows candidate locations to those whose equipment can
// perform the order. CandidateLocations is the registry's own directory,
// offered when neither the order nor the RIS supplies candidates.
type CapabilityFilter interface {
	FilterLocations(ctx context.Context, candidates []order.Location, o order.Order) []equipment.CapableLocation
	CandidateLocations(ctx context.Context) ([]order.Location, error)
}

// PhoneIdentity is the engine's view of the phone package.
type PhoneIdentity interface {
	Hash(e164 string) string
	Encrypt(e164 string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// StopDetector recognizes STOP/HELP keywords before state dispatch.
type StopDetector interface {
	IsStop(body string) bool
	IsHelp(body string) bool
}

// Notifier alerts human coordinators. Calls are best-effort.
type Notifier interface {
	SessionEscalated(ctx context.Context, orgID, sessionID, reason, detail string) error
}

// Metrics is the subset of the scheduling metrics the engine drives. All
// methods must be nil-receiver safe.
type Metrics interface {
	ObserveTransition(from, to State)
	ObserveOutbound(messageType audit.MessageType, success bool)
	ObserveIntake(coalesced bool)
}

// Options tunes the engine.
type Options struct {
	SessionTTL     time.Duration
	SlotSearchDays int
	MaxChoices     int
	// Now is injectable for tests; defaults to time.Now in UTC.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.SlotSearchDays <= 0 {
		o.SlotSearchDays = 14
	}
	if o.MaxChoices <= 0 {
		o.MaxChoices = 5
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Engine drives the conversation state machine. It is stateless between
// calls: every mutation happens under the store's session lock, so the
// database row is the single source of truth.
type Engine struct {
	store    SessionStore
	consents ConsentStore
	auditor  Auditor
	filter   CapabilityFilter
	ris      ris.Client
	identity PhoneIdentity
	sender   Messenger
	stops    StopDetector
	notifier Notifier
	metrics  Metrics
	logger   *logging.Logger
	opts     Options
}

// NewEngine wires the engine. notifier and metrics may be nil.
func NewEngine(
	store SessionStore,
	consents ConsentStore,
	auditor Auditor,
	filter CapabilityFilter,
	risClient ris.Client,
	identity PhoneIdentity,
	sender Messenger,
	stops StopDetector,
	notifier Notifier,
	metrics Metrics,
	logger *logging.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:    store,
		consents: consents,
		auditor:  auditor,
		filter:   filter,
		ris:      risClient,
		identity: identity,
		sender:   sender,
		stops:    stops,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

var (
	yesPattern = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|y|ok|okay|sure|confirm|1)\b`)
	noPattern  = regexp.MustCompile(`(?i)^\s*(no|nope|n|decline|2)\b`)
)

// IntakeOrder is the entry point for the order-intake webhook. A second
// order for a phone with an active session is queued onto that session;
// otherwise a new session starts.
func (e *Engine) IntakeOrder(ctx context.Context, o order.Order) error {
	e164, err := phone.Normalize(o.PatientPhone)
	if err != nil {
		return fmt.Errorf("conversation: intake order %s: %w", o.OrderID, err)
	}
	hash := e.identity.Hash(e164)

	existing, err := e.store.GetActiveByPhoneHash(ctx, hash)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if existing != nil {
		e.observeIntake(true)
		return e.queueOrder(ctx, existing.ID, o)
	}

	// A session past its TTL that the sweeper has not flipped yet is invisible
	// to the active lookup but still holds the phone's live-session slot, so
	// the insert below would collide. Expire it inline.
	expired, err := e.store.ExpireOverduePhone(ctx, hash)
	if err != nil {
		return fmt.Errorf("conversation: intake order %s: %w", o.OrderID, err)
	}
	if expired > 0 {
		e.logger.Info("expired overdue session at intake",
			"order_id", o.OrderID, "phone", logging.RedactPhone(e164))
	}

	e.observeIntake(false)
	return e.startSession(ctx, e164, hash, o)
}

// queueOrder appends the order to an active session. Duplicate order ids are
// dropped so webhook redelivery stays idempotent. A session still waiting on
// consent gets a refreshed consent prompt reflecting the new order count.
func (e *Engine) queueOrder(ctx context.Context, sessionID uuid.UUID, o order.Order) error {
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context, s *Session) error {
		if s.Data.HasOrder(o.OrderID) {
			e.logger.Info("duplicate order ignored", "order_id", o.OrderID, "session_id", s.ID)
			return nil
		}
		o.PatientPhone = ""
		s.Data.PendingOrders = append(s.Data.PendingOrders, o)
		e.logger.Info("order queued onto session",
			"order_id", o.OrderID, "session_id", s.ID, "order_count", s.Data.OrderCount())

		if s.State == StateConsentPending {
			e164, err := e.identity.Decrypt(s.EncryptedPhone)
			if err != nil {
				return e.failDecrypt(ctx, s, err)
			}
			e.sendSMS(ctx, s, e164, consentPrompt(s.Data.OrderCount(), s.Data.Order.OrderingPractice), audit.OutboundConsent)
		}
		return nil
	})
}

// startSession creates a session and sends either the consent request or,
// for an already-consented phone, the first location prompt.
func (e *Engine) startSession(ctx context.Context, e164, hash string, o order.Order) error {
	encrypted, err := e.identity.Encrypt(e164)
	if err != nil {
		return fmt.Errorf("conversation: encrypt phone: %w", err)
	}

	now := e.opts.Now()
	// The stored order carries no plaintext phone; outbound sends decrypt the
	// session's encrypted copy instead.
	o.PatientPhone = ""
	s := &Session{
		PhoneHash:      hash,
		EncryptedPhone: encrypted,
		State:          StateConsentPending,
		Data:           OrderData{Order: o},
		ExpiresAt:      now.Add(e.opts.SessionTTL),
		StartedAt:      now,
		OrganizationID: o.OrganizationID,
	}

	consented, err := e.consents.HasConsent(ctx, hash)
	if err != nil {
		return fmt.Errorf("conversation: consent check: %w", err)
	}
	if consented {
		s.State = StateChoosingLocation
	}

	if err := e.store.Insert(ctx, s); err != nil {
		return err
	}
	e.logger.Info("session started",
		"session_id", s.ID, "state", s.State, "order_id", o.OrderID, "phone", logging.RedactPhone(e164))

	return e.store.WithSessionLock(ctx, s.ID, func(ctx context.Context, s *Session) error {
		if s.State == StateConsentPending {
			e.sendSMS(ctx, s, e164, consentPrompt(1, o.OrderingPractice), audit.OutboundConsent)
			return nil
		}
		return e.promptLocations(ctx, s, e164)
	})
}

// HandleInboundSMS dispatches one patient reply. STOP wins over everything;
// otherwise the active session's state decides the meaning of the message.
func (e *Engine) HandleInboundSMS(ctx context.Context, from, body string) error {
	e164, err := phone.Normalize(from)
	if err != nil {
		e.logger.Warn("inbound sms from invalid number", "error", err)
		return nil
	}
	hash := e.identity.Hash(e164)

	if e.stops != nil && e.stops.IsStop(body) {
		return e.handleStop(ctx, e164, hash)
	}
	if e.stops != nil && e.stops.IsHelp(body) {
		e.recordInbound(ctx, hash, "", audit.InboundUnknown)
		e.sendLooseSMS(ctx, hash, "", e164, helpReply(), audit.OutboundHelp)
		return nil
	}

	s, err := e.store.GetActiveByPhoneHash(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		e.recordInbound(ctx, hash, "", audit.InboundUnknown)
		e.sendLooseSMS(ctx, hash, "", e164, noActiveSessionReply(), audit.OutboundError)
		return nil
	}
	if err != nil {
		return err
	}

	return e.store.WithSessionLock(ctx, s.ID, func(ctx context.Context, s *Session) error {
		if !s.Active(e.opts.Now()) {
			return nil
		}
		switch s.State {
		case StateConsentPending:
			return e.handleConsentReply(ctx, s, e164, body)
		case StateChoosingLocation:
			return e.handleLocationReply(ctx, s, e164, body)
		case StateChoosingTime:
			return e.handleTimeReply(ctx, s, e164, body)
		default:
			e.recordInbound(ctx, hash, s.ID.String(), audit.InboundUnknown)
			e.sendSMS(ctx, s, e164, neutralReply(), audit.OutboundError)
			return nil
		}
	})
}

// handleStop revokes consent and cancels any active session. The opt-out
// confirmation is the one message still allowed after revocation.
func (e *Engine) handleStop(ctx context.Context, e164, hash string) error {
	e.recordInbound(ctx, hash, "", audit.InboundStop)
	if err := e.consents.Revoke(ctx, hash, "patient texted STOP"); err != nil {
		e.logger.Error("consent revoke failed", "error", err, "phone", logging.RedactPhone(e164))
	}

	s, err := e.store.GetActiveByPhoneHash(ctx, hash)
	if err == nil {
		lockErr := e.store.WithSessionLock(ctx, s.ID, func(ctx context.Context, s *Session) error {
			if !s.State.Terminal() {
				e.transition(s, StateCancelled)
				now := e.opts.Now()
				s.CompletedAt = &now
			}
			return nil
		})
		if lockErr != nil {
			return lockErr
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	e.sendLooseSMS(ctx, hash, "", e164, optOutConfirmation(), audit.OutboundOptOut)
	return nil
}

func (e *Engine) handleConsentReply(ctx context.Context, s *Session, e164, body string) error {
	switch {
	case yesPattern.MatchString(body):
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundConsentYes)
		if err := e.consents.Grant(ctx, s.PhoneHash, consent.MethodSMSReply); err != nil {
			return fmt.Errorf("conversation: record consent: %w", err)
		}
		e.transition(s, StateChoosingLocation)
		return e.promptLocations(ctx, s, e164)
	case noPattern.MatchString(body):
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundConsentNo)
		e.transition(s, StateCancelled)
		now := e.opts.Now()
		s.CompletedAt = &now
		// Closing leg of the consent-request exchange: one acknowledgment that
		// the decline was heard. The session is terminal after this, so the
		// phone receives nothing further until a new intake restarts consent.
		e.sendSMS(ctx, s, e164, consentDeclined(), audit.OutboundError)
		return nil
	default:
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundUnknown)
		e.sendSMS(ctx, s, e164, consentReprompt(), audit.OutboundConsent)
		return nil
	}
}

// promptLocations runs the safety gate, fetches and filters candidate
// locations, and offers up to MaxChoices of them. Called with the session
// locked and already in CHOOSING_LOCATION.
func (e *Engine) promptLocations(ctx context.Context, s *Session, e164 string) error {
	primary := s.Data.Order

	eval := safety.Evaluator{Today: e.opts.Now()}
	result := eval.Evaluate(primary)
	if !result.CanProceed {
		block := result.Blocks[0]
		e.sendSMS(ctx, s, e164, block.PatientMessage, audit.OutboundSafetyBlock)
		e.transition(s, StateCoordinatorReview)
		s.Data.CoordinatorReview = &CoordinatorReview{
			ReasonCode:     block.ReasonCode,
			PatientMessage: block.PatientMessage,
			Details:        block.Details,
			At:             e.opts.Now(),
		}
		e.escalate(ctx, s, block.ReasonCode, block.Details)
		return nil
	}

	if len(result.Warnings) > 0 {
		messages := make([]string, 0, len(result.Warnings))
		for _, w := range result.Warnings {
			messages = append(messages, w.PatientMessage)
		}
		e.sendSMS(ctx, s, e164, strings.Join(messages, "\n\n"), audit.OutboundSafetyBlock)
	}
	s.Data.MinScheduleDate = result.MinScheduleDate

	// Intake may carry pre-fetched candidates; those win over a live lookup.
	candidates := primary.AvailableLocations
	if len(candidates) == 0 {
		fetched, err := e.ris.GetLocations(ctx, primary.Modality)
		if err != nil {
			e.logger.Error("location fetch failed", "error", err, "session_id", s.ID)
		}
		candidates = fetched
	}
	if len(candidates) == 0 {
		fallback, err := e.filter.CandidateLocations(ctx)
		if err != nil {
			e.logger.Error("registry location fallback failed", "error", err, "session_id", s.ID)
		}
		candidates = fallback
	}
	if len(candidates) == 0 {
		e.sendSMS(ctx, s, e164, noLocationsApology(), audit.OutboundError)
		e.transition(s, StateCancelled)
		now := e.opts.Now()
		s.CompletedAt = &now
		return nil
	}

	capable := e.filter.FilterLocations(ctx, candidates, primary)
	if len(capable) == 0 {
		e.sendSMS(ctx, s, e164, coordinatorWillCall(), audit.OutboundError)
		e.transition(s, StateCoordinatorReview)
		s.Data.CoordinatorReview = &CoordinatorReview{
			ReasonCode: "NO_CAPABLE_LOCATIONS",
			At:         e.opts.Now(),
		}
		e.escalate(ctx, s, "NO_CAPABLE_LOCATIONS", primary.OrderDescription)
		return nil
	}

	if len(capable) > e.opts.MaxChoices {
		capable = capable[:e.opts.MaxChoices]
	}
	choices := make([]LocationChoice, 0, len(capable))
	for _, c := range capable {
		breakdown := procedure.Calculate(primary, c.Equipment)
		choices = append(choices, LocationChoice{
			ID:              c.ID,
			Name:            c.Name,
			Address:         c.Address,
			EquipmentLabel:  c.Equipment.Label(),
			DurationMinutes: breakdown.TotalMinutes,
		})
	}
	s.Data.AvailableLocations = choices

	orders := append([]order.Order{primary}, s.Data.PendingOrders...)
	e.sendSMS(ctx, s, e164, locationPrompt(orders, choices), audit.OutboundLocationList)
	return nil
}

func (e *Engine) handleLocationReply(ctx context.Context, s *Session, e164, body string) error {
	idx, ok := parseChoice(body, len(s.Data.AvailableLocations))
	if !ok {
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundUnknown)
		e.sendSMS(ctx, s, e164, locationReprompt(len(s.Data.AvailableLocations)), audit.OutboundError)
		return nil
	}
	choice := s.Data.AvailableLocations[idx]
	e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundLocationSelection)

	s.SelectedLocationID = choice.ID
	e.transition(s, StateChoosingTime)
	now := e.opts.Now()
	s.SlotRequestSentAt = &now
	s.SlotRetryCount = 0
	s.Data.AvailableSlots = nil

	if err := e.sendSlotRequest(ctx, s); err != nil {
		e.logger.Error("slot request failed", "error", err, "session_id", s.ID)
		// Let the patient pick again rather than abandoning the session.
		e.transition(s, StateChoosingLocation)
		s.SlotRequestSentAt = nil
		s.SelectedLocationID = ""
		e.sendSMS(ctx, s, e164, noSlotsAtLocation(), audit.OutboundError)
		return nil
	}
	e.sendSMS(ctx, s, e164, checkingTimes(choice.Name), audit.OutboundAck)
	return nil
}

// sendSlotRequest issues the asynchronous slot search for every order in the
// session. The window opens at the later of today and the safety-derived
// minimum date.
func (e *Engine) sendSlotRequest(ctx context.Context, s *Session) error {
	now := e.opts.Now()
	start := now
	if s.Data.MinScheduleDate != nil && s.Data.MinScheduleDate.After(start) {
		start = *s.Data.MinScheduleDate
	}
	end := start.AddDate(0, 0, e.opts.SlotSearchDays)

	primary := s.Data.Order
	ack, err := e.ris.RequestSlots(ctx, ris.SlotRequest{
		LocationID:    s.SelectedLocationID,
		Modality:      primary.Modality,
		StartDate:     start.Format("2006-01-02"),
		EndDate:       end.Format("2006-01-02"),
		PatientMRN:    order.BareMRN(primary.PatientMRN),
		PatientDOB:    primary.PatientDOB,
		PatientGender: primary.PatientGender,
		OrderIDs:      s.Data.OrderIDs(),
		CorrelationID: s.ID.String(),
	})
	if err != nil {
		return err
	}
	if ack.MessageControlID != "" {
		s.Data.CorrelationID = ack.MessageControlID
	} else {
		s.Data.CorrelationID = s.ID.String()
	}
	return nil
}

func (e *Engine) handleTimeReply(ctx context.Context, s *Session, e164, body string) error {
	if len(s.Data.AvailableSlots) == 0 {
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundUnknown)
		e.sendSMS(ctx, s, e164, slotsStillPending(), audit.OutboundAck)
		return nil
	}

	idx, ok := parseChoice(body, len(s.Data.AvailableSlots))
	if !ok {
		e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundUnknown)
		e.sendSMS(ctx, s, e164, slotReprompt(len(s.Data.AvailableSlots)), audit.OutboundError)
		return nil
	}
	slot := s.Data.AvailableSlots[idx]
	e.recordInbound(ctx, s.PhoneHash, s.ID.String(), audit.InboundTimeSelection)

	primary := s.Data.Order
	err := e.ris.BookAppointment(ctx, ris.BookingRequest{
		OrderIDs:        s.Data.OrderIDs(),
		PatientMRN:      order.BareMRN(primary.PatientMRN),
		PatientPhone:    e164,
		Modality:        primary.Modality,
		LocationID:      s.SelectedLocationID,
		SlotID:          slot.Ref(),
		AppointmentTime: slot.DateTime,
		Duration:        slot.Duration,
		CorrelationID:   s.Data.CorrelationID,
	})
	if err != nil {
		e.logger.Error("booking request failed", "error", err, "session_id", s.ID)
		e.sendSMS(ctx, s, e164, bookingFailedApology(), audit.OutboundError)
		e.transition(s, StateCancelled)
		now := e.opts.Now()
		s.CompletedAt = &now
		return nil
	}

	// Provisional: the appointment notification overwrites this with the
	// authoritative time.
	at := slot.DateTime
	s.SelectedSlotTime = &at
	e.sendSMS(ctx, s, e164, bookingAck(slot.DateTime), audit.OutboundAck)
	return nil
}

// ScheduleResponse is the engine-facing shape of the schedule-response
// webhook.
type ScheduleResponse struct {
	PatientMRN     string     `json:"patientMrn"`
	CorrelationID  string     `json:"correlationId,omitempty"`
	Success        bool       `json:"success"`
	ErrorReason    string     `json:"errorReason,omitempty"`
	AvailableSlots []ris.Slot `json:"availableSlots"`
}

// HandleScheduleResponse delivers slot results to the waiting session. An
// empty or failed result sends the patient back to location choice.
func (e *Engine) HandleScheduleResponse(ctx context.Context, resp ScheduleResponse) error {
	s, err := e.locateSession(ctx, resp.CorrelationID, resp.PatientMRN)
	if err != nil {
		return err
	}

	return e.store.WithSessionLock(ctx, s.ID, func(ctx context.Context, s *Session) error {
		if s.State != StateChoosingTime {
			e.logger.Warn("schedule response for session not awaiting slots",
				"session_id", s.ID, "state", s.State)
			return nil
		}
		e164, err := e.identity.Decrypt(s.EncryptedPhone)
		if err != nil {
			return e.failDecrypt(ctx, s, err)
		}

		s.SlotRequestSentAt = nil
		if !resp.Success || len(resp.AvailableSlots) == 0 {
			e.logger.Info("no slots returned",
				"session_id", s.ID, "reason", resp.ErrorReason)
			e.sendSMS(ctx, s, e164, noSlotsAtLocation(), audit.OutboundError)
			e.transition(s, StateChoosingLocation)
			s.SelectedLocationID = ""
			s.Data.AvailableSlots = nil
			return e.promptLocations(ctx, s, e164)
		}

		slots := resp.AvailableSlots
		if len(slots) > e.opts.MaxChoices {
			slots = slots[:e.opts.MaxChoices]
		}
		s.Data.AvailableSlots = slots

		locationName := s.SelectedLocationID
		for _, c := range s.Data.AvailableLocations {
			if c.ID == s.SelectedLocationID {
				locationName = c.Name
				break
			}
		}
		e.sendSMS(ctx, s, e164, slotPrompt(locationName, slots), audit.OutboundTimeSlots)
		return nil
	})
}

// AppointmentNotification is the engine-facing shape of the
// appointment-notification webhook.
type AppointmentNotification struct {
	PatientMRN       string            `json:"patientMrn"`
	AppointmentID    string            `json:"appointmentId"`
	ConfirmationCode string            `json:"confirmationCode"`
	LocationName     string            `json:"locationName"`
	StartTime        time.Time         `json:"startTime"`
	Duration         int               `json:"duration"`
	Procedures       []order.Procedure `json:"procedures,omitempty"`
}

// HandleAppointmentNotification finalizes the session and sends the
// confirmation SMS.
func (e *Engine) HandleAppointmentNotification(ctx context.Context, n AppointmentNotification) error {
	s, err := e.locateSession(ctx, "", n.PatientMRN)
	if err != nil {
		return err
	}

	return e.store.WithSessionLock(ctx, s.ID, func(ctx context.Context, s *Session) error {
		if s.State.Terminal() {
			e.logger.Info("appointment notification for finished session", "session_id", s.ID, "state", s.State)
			return nil
		}
		e164, err := e.identity.Decrypt(s.EncryptedPhone)
		if err != nil {
			return e.failDecrypt(ctx, s, err)
		}

		e.transition(s, StateConfirmed)
		now := e.opts.Now()
		s.CompletedAt = &now
		start := n.StartTime
		s.SelectedSlotTime = &start
		s.Data.Appointment = &Appointment{
			AppointmentID:    n.AppointmentID,
			ConfirmationCode: n.ConfirmationCode,
			LocationName:     n.LocationName,
			StartTime:        n.StartTime,
			Duration:         n.Duration,
			Procedures:       n.Procedures,
		}

		orders := append([]order.Order{s.Data.Order}, s.Data.PendingOrders...)
		e.sendSMS(ctx, s, e164, confirmationMessage(*s.Data.Appointment, orders), audit.OutboundConfirmation)
		return nil
	})
}

// HandleStuckSession is called by the monitor for one timed-out slot
// request: retry while budget remains, otherwise fail the session and tell
// the patient to call.
func (e *Engine) HandleStuckSession(ctx context.Context, sessionID uuid.UUID, maxRetries int) error {
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context, s *Session) error {
		// Re-check under the lock: the webhook may have landed meanwhile.
		if s.State != StateChoosingTime || s.SlotRequestSentAt == nil || s.SlotRequestFailedAt != nil {
			return nil
		}

		if s.SlotRetryCount < maxRetries {
			s.SlotRetryCount++
			now := e.opts.Now()
			s.SlotRequestSentAt = &now
			e.logger.Info("retrying slot request", "session_id", s.ID, "retry", s.SlotRetryCount)
			if err := e.sendSlotRequest(ctx, s); err != nil {
				e.logger.Error("slot request retry failed", "error", err, "session_id", s.ID)
			}
			return nil
		}

		now := e.opts.Now()
		s.SlotRequestFailedAt = &now
		s.SlotRequestSentAt = nil
		e.transition(s, StateCancelled)
		s.CompletedAt = &now

		e164, err := e.identity.Decrypt(s.EncryptedPhone)
		if err != nil {
			e.logger.Error("decrypt failed for stuck session", "error", err, "session_id", s.ID)
			return nil
		}
		e.sendSMS(ctx, s, e164, technicalIssue(), audit.OutboundError)
		e.escalate(ctx, s, "SLOT_REQUEST_TIMEOUT", "no schedule response after retries")
		return nil
	})
}

// locateSession resolves a webhook to its session, preferring the explicit
// correlation id over the MRN. Unmatched webhooks are acknowledged upstream;
// they never create sessions.
func (e *Engine) locateSession(ctx context.Context, correlationID, mrn string) (*Session, error) {
	if correlationID != "" {
		s, err := e.store.FindByCorrelationID(ctx, correlationID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	if mrn != "" {
		s, err := e.store.FindByMRN(ctx, order.BareMRN(mrn))
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	e.logger.Warn("webhook did not match any session",
		"correlation_id", correlationID, "mrn_present", mrn != "")
	return nil, ErrNoSessionForWebhook
}

// failDecrypt handles an undecryptable phone: the patient cannot be reached,
// so the session is over.
func (e *Engine) failDecrypt(ctx context.Context, s *Session, err error) error {
	e.logger.Error("phone decrypt failed, cancelling session", "error", err, "session_id", s.ID)
	now := e.opts.Now()
	s.SlotRequestFailedAt = &now
	e.transition(s, StateCancelled)
	s.CompletedAt = &now
	if e.auditor != nil {
		e.auditor.Record(ctx, audit.Entry{
			PhoneHash:    s.PhoneHash,
			MessageType:  audit.OutboundError,
			Direction:    audit.DirectionOutbound,
			SessionID:    s.ID.String(),
			Success:      false,
			ErrorMessage: "phone decrypt failed",
		})
	}
	return nil
}

func (e *Engine) transition(s *Session, to State) {
	from := s.State
	if from == to {
		return
	}
	s.State = to
	if e.metrics != nil {
		e.metrics.ObserveTransition(from, to)
	}
	e.logger.Info("session transition", "session_id", s.ID, "from", from, "to", to)
}

// sendSMS delivers and audits one outbound message tied to a session.
func (e *Engine) sendSMS(ctx context.Context, s *Session, e164, body string, msgType audit.MessageType) {
	e.sendLooseSMS(ctx, s.PhoneHash, s.ID.String(), e164, body, msgType, s.OrganizationID)
}

// sendLooseSMS delivers and audits a message that may not belong to a
// session (help replies, opt-out confirmations).
func (e *Engine) sendLooseSMS(ctx context.Context, phoneHash, sessionID, e164, body string, msgType audit.MessageType, orgID ...string) {
	msg := OutboundMessage{To: e164, Body: body}
	if len(orgID) > 0 {
		msg.OrganizationID = orgID[0]
	}
	result, err := e.sender.Send(ctx, msg)
	success := err == nil && !result.Failed()
	if e.metrics != nil {
		e.metrics.ObserveOutbound(msgType, success)
	}
	entry := audit.Entry{
		PhoneHash:    phoneHash,
		MessageType:  msgType,
		Direction:    audit.DirectionOutbound,
		SessionID:    sessionID,
		TransportSID: result.SID,
		Success:      success,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
		e.logger.Error("sms send failed", "error", err, "phone", logging.RedactPhone(e164), "message_type", msgType)
	} else if result.Failed() {
		entry.ErrorMessage = result.ErrorCode + ": " + result.ErrorMessage
		e.logger.Error("sms rejected by provider",
			"error_code", result.ErrorCode, "phone", logging.RedactPhone(e164), "message_type", msgType)
	}
	if e.auditor != nil {
		e.auditor.Record(ctx, entry)
	}
}

func (e *Engine) recordInbound(ctx context.Context, phoneHash, sessionID string, msgType audit.MessageType) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(ctx, audit.Entry{
		PhoneHash:   phoneHash,
		MessageType: msgType,
		Direction:   audit.DirectionInbound,
		SessionID:   sessionID,
		Success:     true,
	})
}

func (e *Engine) escalate(ctx context.Context, s *Session, reason, detail string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.SessionEscalated(ctx, s.OrganizationID, s.ID.String(), reason, detail); err != nil {
		e.logger.Error("coordinator notification failed", "error", err, "session_id", s.ID)
	}
}

func (e *Engine) observeIntake(coalesced bool) {
	if e.metrics != nil {
		e.metrics.ObserveIntake(coalesced)
	}
}

// parseChoice reads a 1-based menu selection. Anything non-numeric or out of
// range is rejected; the caller re-prompts without changing state.
func parseChoice(body string, n int) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || idx < 1 || idx > n {
		return 0, false
	}
	return idx - 1, true
}
