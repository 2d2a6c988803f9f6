// Package equipment maps order descriptions to equipment capability
// requirements and filters candidate locations against the registry.
package equipment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

// Requirements is the capability set an order demands from an equipment row.
// Boolean fields compose by conjunction; minimum fields by max-of-minimums.
type Requirements struct {
	CTHasContrastInjector bool
	CTHasCardiac          bool
	CTSliceCountMin       int
	CTDualEnergy          bool
	MRIHasCardiac         bool
	MRIFieldStrengthMin   float64
	MRIWideBore           bool
	Mammo3DTomo           bool
	MammoStereoBiopsy     bool
	BariatricTable        bool
}

// Empty reports whether no capability is required.
func (r Requirements) Empty() bool {
	return r == Requirements{}
}

func (r *Requirements) merge(other Requirements) {
	r.CTHasContrastInjector = r.CTHasContrastInjector || other.CTHasContrastInjector
	r.CTHasCardiac = r.CTHasCardiac || other.CTHasCardiac
	r.CTDualEnergy = r.CTDualEnergy || other.CTDualEnergy
	r.MRIHasCardiac = r.MRIHasCardiac || other.MRIHasCardiac
	r.MRIWideBore = r.MRIWideBore || other.MRIWideBore
	r.Mammo3DTomo = r.Mammo3DTomo || other.Mammo3DTomo
	r.MammoStereoBiopsy = r.MammoStereoBiopsy || other.MammoStereoBiopsy
	r.BariatricTable = r.BariatricTable || other.BariatricTable
	if other.CTSliceCountMin > r.CTSliceCountMin {
		r.CTSliceCountMin = other.CTSliceCountMin
	}
	if other.MRIFieldStrengthMin > r.MRIFieldStrengthMin {
		r.MRIFieldStrengthMin = other.MRIFieldStrengthMin
	}
}

// anyModality applies a rule regardless of the order's modality.
const anyModality = order.Modality("*")

type rule struct {
	pattern  *regexp.Regexp
	modality order.Modality
	req      Requirements
}

// The rule table is data: adding a capability rule means adding a row here.
var rules = []rule{
	{regexp.MustCompile(`WITH (IV )?CONTRAST|W/? ?CONTRAST|CONTRAST ENHANCED`), order.ModalityCT,
		Requirements{CTHasContrastInjector: true}},
	{regexp.MustCompile(`CARDIAC|CTA CORONARY|CORONARY CTA|CALCIUM SCORE`), order.ModalityCT,
		Requirements{CTHasCardiac: true, CTSliceCountMin: 64}},
	{regexp.MustCompile(`\bCTA\b|CT ANGIO|ANGIOGRAPHY`), order.ModalityCT,
		Requirements{CTHasContrastInjector: true, CTSliceCountMin: 64}},
	{regexp.MustCompile(`DUAL ENERGY|DECT`), order.ModalityCT,
		Requirements{CTDualEnergy: true}},
	{regexp.MustCompile(`CARDIAC MRI|MRI HEART|MRI CARDIAC|CMR`), order.ModalityMRI,
		Requirements{MRIHasCardiac: true}},
	{regexp.MustCompile(`3 ?T(ESLA)?|HIGH FIELD`), order.ModalityMRI,
		Requirements{MRIFieldStrengthMin: 3.0}},
	{regexp.MustCompile(`WIDE BORE|CLAUSTROPHOB|BARIATRIC`), order.ModalityMRI,
		Requirements{MRIWideBore: true}},
	{regexp.MustCompile(`3D|TOMO(SYNTHESIS)?|DBT`), order.ModalityMammo,
		Requirements{Mammo3DTomo: true}},
	{regexp.MustCompile(`STEREO(TACTIC)? BIOPSY`), order.ModalityMammo,
		Requirements{MammoStereoBiopsy: true}},
	{regexp.MustCompile(`BARIATRIC|WEIGHT > \d+|OVER \d+ (KG|LB)`), anyModality,
		Requirements{BariatricTable: true}},
}

// InferRequirements derives the composed requirement set for an order.
// An order matching no rule has no special requirements.
func InferRequirements(description string, modality order.Modality) Requirements {
	upper := strings.ToUpper(description)
	var req Requirements
	for _, r := range rules {
		if r.modality != anyModality && r.modality != modality {
			continue
		}
		if r.pattern.MatchString(upper) {
			req.merge(r.req)
		}
	}
	return req
}

// Equipment is one registry row describing a machine at a location.
type Equipment struct {
	LocationID           string
	EquipmentType        order.Modality
	CTSliceCount         int
	CTHasCardiac         bool
	CTHasContrastInjector bool
	CTDualEnergy         bool
	MRIFieldStrength     float64
	MRIWideBore          bool
	MRIHasCardiac        bool
	Mammo3DTomo          bool
	MammoStereoBiopsy    bool
	MaxPatientWeightKg   int
	HasBariatricTable    bool
	Active               bool
}

// Satisfies reports whether this equipment row meets every requirement.
func (e Equipment) Satisfies(req Requirements) bool {
	if req.CTHasContrastInjector && !e.CTHasContrastInjector {
		return false
	}
	if req.CTHasCardiac && !e.CTHasCardiac {
		return false
	}
	if req.CTDualEnergy && !e.CTDualEnergy {
		return false
	}
	if e.CTSliceCount < req.CTSliceCountMin {
		return false
	}
	if req.MRIHasCardiac && !e.MRIHasCardiac {
		return false
	}
	if req.MRIWideBore && !e.MRIWideBore {
		return false
	}
	if e.MRIFieldStrength < req.MRIFieldStrengthMin {
		return false
	}
	if req.Mammo3DTomo && !e.Mammo3DTomo {
		return false
	}
	if req.MammoStereoBiopsy && !e.MammoStereoBiopsy {
		return false
	}
	if req.BariatricTable && !e.HasBariatricTable {
		return false
	}
	return true
}

// Label renders a short patient-facing description of the machine.
func (e Equipment) Label() string {
	switch e.EquipmentType {
	case order.ModalityCT:
		label := fmt.Sprintf("%d-slice CT", e.CTSliceCount)
		if e.CTDualEnergy {
			label = "dual-energy " + label
		}
		return label
	case order.ModalityMRI:
		label := fmt.Sprintf("%.1fT MRI", e.MRIFieldStrength)
		if e.MRIWideBore {
			label = strings.Replace(label, "MRI", "wide-bore MRI", 1)
		}
		return label
	case order.ModalityMammo:
		if e.Mammo3DTomo {
			return "3D mammography"
		}
		return "mammography"
	default:
		return strings.ToLower(string(e.EquipmentType))
	}
}
