package ris

import (
	"context"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

// MockClient returns deterministic fixtures for local development and demos.
// Slot and booking calls succeed immediately; the demo webhook driver is
// expected to deliver the matching webhooks.
type MockClient struct {
	// Requests records every slot request for inspection.
	Requests []SlotRequest
	// Bookings records every booking request.
	Bookings []BookingRequest
	// Cancellations records appointment ids passed to CancelAppointment.
	Cancellations []string
}

var _ Client = (*MockClient)(nil)

// FixtureLocations are the locations every modality reports in mock mode.
var FixtureLocations = []order.Location{
	{ID: "mock-loc-1", Name: "Main Campus Imaging", Address: "100 Hospital Dr", City: "Springfield", State: "IL"},
	{ID: "mock-loc-2", Name: "Northside Outpatient Center", Address: "220 Oak Ave", City: "Springfield", State: "IL"},
}

// GetLocations returns the fixture locations.
func (m *MockClient) GetLocations(_ context.Context, _ order.Modality) ([]order.Location, error) {
	out := make([]order.Location, len(FixtureLocations))
	copy(out, FixtureLocations)
	return out, nil
}

// RequestSlots acknowledges immediately with a synthetic control id.
func (m *MockClient) RequestSlots(_ context.Context, req SlotRequest) (SlotRequestAck, error) {
	m.Requests = append(m.Requests, req)
	return SlotRequestAck{MessageControlID: "MOCK-" + time.Now().UTC().Format("20060102150405"), Accepted: true}, nil
}

// BookAppointment records the booking.
func (m *MockClient) BookAppointment(_ context.Context, req BookingRequest) error {
	m.Bookings = append(m.Bookings, req)
	return nil
}

// CancelAppointment records the cancellation.
func (m *MockClient) CancelAppointment(_ context.Context, appointmentID, _ string) error {
	m.Cancellations = append(m.Cancellations, appointmentID)
	return nil
}

// GetOrderDetails returns a minimal synthetic order.
func (m *MockClient) GetOrderDetails(_ context.Context, orderID string) (*order.Order, error) {
	return &order.Order{
		OrderID:          orderID,
		Modality:         order.ModalityCT,
		OrderDescription: "CT Abdomen without contrast",
	}, nil
}

// HealthCheck always succeeds.
func (m *MockClient) HealthCheck(context.Context) error { return nil }

// FixtureSlots builds a deterministic slot list starting the next business
// morning, for demo webhook payloads.
func FixtureSlots(start time.Time, count, durationMinutes int) []Slot {
	day := start.Truncate(24 * time.Hour).Add(24 * time.Hour)
	slots := make([]Slot, 0, count)
	for i := 0; i < count; i++ {
		at := day.Add(time.Duration(9+i) * time.Hour)
		slots = append(slots, Slot{
			DateTime: at,
			Duration: durationMinutes,
			SlotID:   "mock-slot-" + at.Format("20060102T1504"),
		})
	}
	return slots
}
