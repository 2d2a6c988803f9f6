// Package procedure computes the expected appointment duration for an order
// on a particular machine.
package procedure

import (
	"math"
	"strings"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/equipment"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

var baseMinutes = map[order.Modality]int{
	order.ModalityCT:     30,
	order.ModalityMRI:    45,
	order.ModalityMammo:  20,
	order.ModalityUS:     30,
	order.ModalityXRay:   15,
	order.ModalityFluoro: 30,
	order.ModalityPET:    60,
}

const defaultBaseMinutes = 30

// Breakdown explains a computed duration for logging and admin display.
type Breakdown struct {
	BaseMinutes       int      `json:"baseMinutes"`
	EquipmentModifier float64  `json:"equipmentModifier"`
	AddendaMinutes    int      `json:"addendaMinutes"`
	Addenda           []string `json:"addenda,omitempty"`
	TotalMinutes      int      `json:"totalMinutes"`
}

// BaseMinutes returns the default exam length for a modality, or the order's
// own estimate when it carries one.
func BaseMinutes(o order.Order) int {
	if o.EstimatedDuration > 0 {
		return o.EstimatedDuration
	}
	if base, ok := baseMinutes[o.Modality]; ok {
		return base
	}
	return defaultBaseMinutes
}

// equipmentModifier scales the base by machine speed. Faster scanners shorten
// the slot; a wide bore adds handling time on MRI.
func equipmentModifier(eq equipment.Equipment) float64 {
	modifier := 1.0
	switch eq.EquipmentType {
	case order.ModalityCT:
		switch {
		case eq.CTSliceCount >= 256:
			modifier = 0.75
		case eq.CTSliceCount >= 128:
			modifier = 0.80
		case eq.CTSliceCount >= 64:
			modifier = 0.85
		}
	case order.ModalityMRI:
		if eq.MRIFieldStrength >= 3.0 {
			modifier = 0.70
		}
		if eq.MRIWideBore {
			modifier *= 1.05
		}
	}
	return modifier
}

// Calculate returns the total slot length for the order on the given
// equipment, with the breakdown that produced it.
func Calculate(o order.Order, eq equipment.Equipment) Breakdown {
	base := BaseMinutes(o)
	modifier := equipmentModifier(eq)

	addenda := 0
	var notes []string
	add := func(minutes int, note string) {
		addenda += minutes
		notes = append(notes, note)
	}

	upper := strings.ToUpper(o.OrderDescription)
	ctx := o.PatientContext
	if ctx == nil {
		ctx = &order.PatientContext{}
	}

	if ctx.Claustrophobic || strings.Contains(upper, "CLAUSTROPHOB") {
		add(15, "claustrophobic")
	}
	if ctx.MobilityIssues || ctx.Wheelchair || ctx.Walker {
		add(10, "mobility")
	}
	if ctx.Bariatric || strings.Contains(upper, "BARIATRIC") {
		add(10, "bariatric")
	}
	if ctx.Pediatric {
		add(10, "pediatric")
	}
	if ctx.Elderly || ctx.Age >= 80 {
		add(5, "elderly")
	}
	if ctx.HearingImpaired {
		add(5, "hearing impaired")
	}
	if ctx.Interpreter || ctx.NonEnglish {
		add(5, "interpreter")
	}

	total := int(math.Round(float64(base)*modifier)) + addenda
	return Breakdown{
		BaseMinutes:       base,
		EquipmentModifier: modifier,
		AddendaMinutes:    addenda,
		Addenda:           notes,
		TotalMinutes:      total,
	}
}
