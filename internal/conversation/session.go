// Package conversation holds the durable patient scheduling dialogue and the
// state machine that drives it over SMS.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/ris"
)

// State is the conversation state machine position.
type State string

const (
	StateConsentPending    State = "CONSENT_PENDING"
	StateChoosingLocation  State = "CHOOSING_LOCATION"
	StateChoosingTime      State = "CHOOSING_TIME"
	StateConfirmed         State = "CONFIRMED"
	StateExpired           State = "EXPIRED"
	StateCancelled         State = "CANCELLED"
	StateCoordinatorReview State = "COORDINATOR_REVIEW"
)

// Terminal reports whether no further patient-driven transition is possible.
// COORDINATOR_REVIEW is recoverable by an admin and therefore not terminal.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// TerminalStates is the SQL-side list matching State.Terminal.
var TerminalStates = []string{string(StateConfirmed), string(StateExpired), string(StateCancelled)}

// LocationChoice is one numbered option offered to the patient.
type LocationChoice struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Address         string `json:"address,omitempty"`
	EquipmentLabel  string `json:"equipmentLabel,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

// CoordinatorReview records why a session was routed to a human.
type CoordinatorReview struct {
	ReasonCode     string    `json:"reasonCode"`
	PatientMessage string    `json:"patientMessage,omitempty"`
	Details        string    `json:"details,omitempty"`
	At             time.Time `json:"at"`
}

// Appointment is the confirmed booking as reported by the RIS.
type Appointment struct {
	AppointmentID    string            `json:"appointmentId"`
	ConfirmationCode string            `json:"confirmationCode"`
	LocationName     string            `json:"locationName"`
	StartTime        time.Time         `json:"startTime"`
	Duration         int               `json:"duration"`
	Procedures       []order.Procedure `json:"procedures,omitempty"`
}

// OrderData is the session's JSON document: the primary order plus everything
// the conversation accumulates on the way to a booking.
type OrderData struct {
	Order              order.Order        `json:"order"`
	PendingOrders      []order.Order      `json:"pendingOrders,omitempty"`
	AvailableLocations []LocationChoice   `json:"availableLocations,omitempty"`
	AvailableSlots     []ris.Slot         `json:"availableSlots,omitempty"`
	MinScheduleDate    *time.Time         `json:"minScheduleDate,omitempty"`
	CoordinatorReview  *CoordinatorReview `json:"coordinatorReview,omitempty"`
	Appointment        *Appointment       `json:"appointment,omitempty"`
	CorrelationID      string             `json:"correlationId,omitempty"`
}

// OrderIDs returns the primary order id plus every pending order id, in
// arrival order. Booking covers all of them.
func (d OrderData) OrderIDs() []string {
	ids := make([]string, 0, 1+len(d.PendingOrders))
	ids = append(ids, d.Order.OrderID)
	for _, o := range d.PendingOrders {
		ids = append(ids, o.OrderID)
	}
	return ids
}

// HasOrder reports whether the order id is already part of the session.
// Intake uses it to make duplicate webhook deliveries idempotent.
func (d OrderData) HasOrder(orderID string) bool {
	if d.Order.OrderID == orderID {
		return true
	}
	for _, o := range d.PendingOrders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

// OrderCount is the number of exams this session will book.
func (d OrderData) OrderCount() int {
	return 1 + len(d.PendingOrders)
}

// Session is one durable scheduling dialogue with a patient.
type Session struct {
	ID                  uuid.UUID
	PhoneHash           string
	EncryptedPhone      string
	State               State
	Data                OrderData
	SelectedLocationID  string
	SelectedSlotTime    *time.Time
	ExpiresAt           time.Time
	SlotRequestSentAt   *time.Time
	SlotRetryCount      int
	SlotRequestFailedAt *time.Time
	StartedAt           time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	OrganizationID      string
}

// Active reports whether the session still accepts patient input at the given
// instant. A session expiring exactly now is no longer active.
func (s *Session) Active(now time.Time) bool {
	return !s.State.Terminal() && s.ExpiresAt.After(now)
}
