// Package order defines the inbound imaging order and its clinical context
// snapshot as delivered by the intake webhook.
package order

import "strings"

// Modality is the class of imaging exam.
type Modality string

const (
	ModalityCT     Modality = "CT"
	ModalityMRI    Modality = "MRI"
	ModalityMammo  Modality = "MAMMO"
	ModalityUS     Modality = "US"
	ModalityXRay   Modality = "XRAY"
	ModalityFluoro Modality = "FLUORO"
	ModalityPET    Modality = "PET"
)

// ValidModality reports whether m is one of the supported exam classes.
func ValidModality(m Modality) bool {
	switch m {
	case ModalityCT, ModalityMRI, ModalityMammo, ModalityUS, ModalityXRay, ModalityFluoro, ModalityPET:
		return true
	}
	return false
}

// Procedure is one ordered procedure line.
type Procedure struct {
	Description string `json:"description"`
	CPT         string `json:"cpt"`
	Duration    int    `json:"duration"`
}

// Allergy is one entry of the patient's allergy list.
type Allergy struct {
	Allergen string `json:"allergen"`
	Type     string `json:"type"`
	Severity string `json:"severity"` // SV, MO, MI
	Reaction string `json:"reaction"`
}

// Lab is one lab result. Value arrives as a string and is parsed on use.
type Lab struct {
	Name  string `json:"name"`
	Code  string `json:"code"` // LOINC
	Value string `json:"value"`
	Units string `json:"units"`
	Date  string `json:"date"` // YYYY-MM-DD
}

// PriorImaging is one prior exam entry.
type PriorImaging struct {
	Modality    string `json:"modality"`
	Date        string `json:"date"` // YYYY-MM-DD
	HadContrast bool   `json:"hadContrast"`
}

// PatientContext is the optional clinical snapshot attached to an order.
type PatientContext struct {
	Allergies    []Allergy      `json:"allergies,omitempty"`
	Labs         []Lab          `json:"labs,omitempty"`
	PriorImaging []PriorImaging `json:"priorImaging,omitempty"`

	Claustrophobic  bool `json:"claustrophobic,omitempty"`
	Bariatric       bool `json:"bariatric,omitempty"`
	Pediatric       bool `json:"pediatric,omitempty"`
	Elderly         bool `json:"elderly,omitempty"`
	Age             int  `json:"age,omitempty"`
	MobilityIssues  bool `json:"mobilityIssues,omitempty"`
	Wheelchair      bool `json:"wheelchair,omitempty"`
	Walker          bool `json:"walker,omitempty"`
	HearingImpaired bool `json:"hearingImpaired,omitempty"`
	Interpreter     bool `json:"interpreter,omitempty"`
	NonEnglish      bool `json:"nonEnglish,omitempty"`
}

// Location is a pre-fetched candidate location, optionally supplied on intake.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Order is an imaging order as received from intake.
type Order struct {
	OrderID            string          `json:"orderId"`
	OrderGroupID       string          `json:"orderGroupId,omitempty"`
	PatientMRN         string          `json:"patientMrn,omitempty"`
	PatientDOB         string          `json:"patientDob,omitempty"`
	PatientGender      string          `json:"patientGender,omitempty"`
	PatientPhone       string          `json:"patientPhone"`
	Modality           Modality        `json:"modality"`
	OrderDescription   string          `json:"orderDescription"`
	OrderingPractice   string          `json:"orderingPractice,omitempty"`
	Procedures         []Procedure     `json:"procedures,omitempty"`
	EstimatedDuration  int             `json:"estimatedDuration,omitempty"`
	PatientContext     *PatientContext `json:"patientContext,omitempty"`
	OrganizationID     string          `json:"organizationId,omitempty"`
	AvailableLocations []Location      `json:"availableLocations,omitempty"`
}

// BareMRN trims a composite identifier at the first HL7 component separator.
// Upstream systems sometimes send "MRN^assigning-authority" forms.
func BareMRN(mrn string) string {
	if idx := strings.Index(mrn, "^"); idx >= 0 {
		return mrn[:idx]
	}
	return mrn
}
