package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/ris"
)

// Patient-facing copy lives here so the wording is reviewable in one place.

const slotTimeFormat = "Mon Jan 2 at 3:04 PM"

func consentPrompt(count int, practice string) string {
	noun := "imaging order"
	if count > 1 {
		noun = "imaging orders"
	}
	from := ""
	if practice != "" {
		from = " from " + practice
	}
	return fmt.Sprintf(
		"You have %d %s%s. Reply YES to schedule your appointment by text, or NO to decline. Reply STOP at any time to opt out.",
		count, noun, from)
}

func consentReprompt() string {
	return "Sorry, we didn't catch that. Reply YES to schedule your imaging appointment by text, or NO to decline."
}

func consentDeclined() string {
	return "Understood. We won't schedule by text. Please call your imaging provider to book your appointment."
}

func optOutConfirmation() string {
	return "You have been opted out of scheduling texts. Reply HELP for assistance or call your imaging provider to schedule."
}

func helpReply() string {
	return "This number schedules your imaging appointment by text. Reply STOP to opt out, or call your imaging provider for assistance."
}

func locationPrompt(orders []order.Order, choices []LocationChoice) string {
	var b strings.Builder
	if len(orders) == 1 {
		fmt.Fprintf(&b, "Let's schedule your %s.", orders[0].OrderDescription)
	} else {
		b.WriteString("Let's schedule your exams:")
		for _, o := range orders {
			b.WriteString("\n- " + o.OrderDescription)
		}
	}
	b.WriteString("\n\nReply with a number to pick a location:")
	for i, c := range choices {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c.Name)
		if c.Address != "" {
			b.WriteString(" - " + c.Address)
		}
		if c.EquipmentLabel != "" {
			fmt.Fprintf(&b, " (%s, about %d min)", c.EquipmentLabel, c.DurationMinutes)
		}
	}
	return b.String()
}

func locationReprompt(n int) string {
	return fmt.Sprintf("Please reply with a number between 1 and %d to pick a location.", n)
}

func noLocationsApology() string {
	return "We're sorry - no imaging locations are available for online scheduling right now. Please call your imaging provider to book your appointment."
}

func coordinatorWillCall() string {
	return "A scheduling coordinator will call you to book this exam. No further action is needed."
}

func checkingTimes(locationName string) string {
	return fmt.Sprintf("Got it - checking available times at %s. We'll text you shortly.", locationName)
}

func slotPrompt(locationName string, slots []ris.Slot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Available times at %s. Reply with a number:", locationName)
	for i, s := range slots {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s.DateTime.Format(slotTimeFormat))
	}
	return b.String()
}

func slotReprompt(n int) string {
	return fmt.Sprintf("Please reply with a number between 1 and %d to pick a time.", n)
}

func slotsStillPending() string {
	return "We're still checking available times - we'll text you the options shortly."
}

func noSlotsAtLocation() string {
	return "We're sorry - no open times were found at that location. Let's pick a different one."
}

func bookingAck(at time.Time) string {
	return fmt.Sprintf("Booking your appointment for %s - we'll text a confirmation shortly.", at.Format(slotTimeFormat))
}

func bookingFailedApology() string {
	return "We're sorry - we couldn't complete your booking. Please call your imaging provider to schedule."
}

func confirmationMessage(appt Appointment, orders []order.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your appointment is confirmed for %s at %s.",
		appt.StartTime.Format(slotTimeFormat), appt.LocationName)
	if len(orders) > 1 {
		b.WriteString("\nThis visit covers:")
		for _, o := range orders {
			b.WriteString("\n- " + o.OrderDescription)
		}
	} else if len(orders) == 1 {
		b.WriteString("\nExam: " + orders[0].OrderDescription)
	}
	if appt.ConfirmationCode != "" {
		fmt.Fprintf(&b, "\nConfirmation code: %s", appt.ConfirmationCode)
	}
	return b.String()
}

func technicalIssue() string {
	return "We're sorry - we ran into a technical issue finding appointment times. Please call your imaging provider to schedule."
}

func noActiveSessionReply() string {
	return "We don't have an active scheduling request for this number. If you're expecting one, please call your imaging provider."
}

func neutralReply() string {
	return "Thanks for your message. A scheduling coordinator will follow up if anything is needed."
}
