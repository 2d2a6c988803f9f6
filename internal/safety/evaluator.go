// Package safety evaluates an imaging order against the patient's clinical
// context and decides whether self-scheduling may proceed.
//
// The evaluator is pure: no I/O and no clock beyond the injected "today",
// so every decision is reproducible from its inputs.
package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

// Reason codes for warnings and blocks.
const (
	ReasonContrastAllergySevere = "CONTRAST_ALLERGY_SEVERE"
	ReasonContrastAllergy       = "CONTRAST_ALLERGY"
	ReasonRenalCritical         = "RENAL_FUNCTION_CRITICAL"
	ReasonRenalLow              = "RENAL_FUNCTION_LOW"
	ReasonLabsOutdated          = "LABS_OUTDATED"
	ReasonRecentContrast        = "RECENT_CONTRAST"
)

// LOINC code for eGFR.
const loincEGFR = "33914-3"

// Finding is a warning or block produced by one rule.
type Finding struct {
	ReasonCode      string     `json:"reasonCode"`
	PatientMessage  string     `json:"patientMessage"`
	Details         string     `json:"details,omitempty"`
	MinScheduleDate *time.Time `json:"minScheduleDate,omitempty"`
}

// Result is the evaluator output for one order.
type Result struct {
	Warnings        []Finding  `json:"warnings"`
	Blocks          []Finding  `json:"blocks"`
	CanProceed      bool       `json:"canProceed"`
	MinScheduleDate *time.Time `json:"minScheduleDate,omitempty"`
}

var contrastPositive = []*regexp.Regexp{
	regexp.MustCompile(`WITH (IV )?CONTRAST`),
	regexp.MustCompile(`W/? ?CONTRAST`),
	regexp.MustCompile(`CONTRAST ENHANCED`),
	regexp.MustCompile(`\bCTA\b`),
	regexp.MustCompile(`\bMRA\b`),
	regexp.MustCompile(`WITH GAD`),
	regexp.MustCompile(`\+ ?C\b`),
	regexp.MustCompile(`ANGIOGRAPH`),
}

var contrastNegative = []*regexp.Regexp{
	regexp.MustCompile(`WITHOUT CONTRAST`),
	regexp.MustCompile(`W/O CONTRAST`),
	regexp.MustCompile(`NON[ -]?CONTRAST`),
	regexp.MustCompile(`-C\b`),
	regexp.MustCompile(`W/O C\b`),
}

// RequiresContrast inspects the order description for contrast language.
// An explicit negative ("without contrast") wins over any positive match.
func RequiresContrast(description string) bool {
	upper := strings.ToUpper(description)
	for _, neg := range contrastNegative {
		if neg.MatchString(upper) {
			return false
		}
	}
	for _, pos := range contrastPositive {
		if pos.MatchString(upper) {
			return true
		}
	}
	return false
}

// Evaluator runs the clinical safety rules.
type Evaluator struct {
	// Today overrides the evaluation date. Zero means time.Now in UTC,
	// truncated to the day.
	Today time.Time
}

// Evaluate applies every rule to the order. Rules only fire when the order
// requires contrast; an order without contrast has nothing to check.
func (e Evaluator) Evaluate(o order.Order) Result {
	res := Result{Warnings: []Finding{}, Blocks: []Finding{}, CanProceed: true}

	if !RequiresContrast(o.OrderDescription) || o.PatientContext == nil {
		return res
	}

	today := e.Today
	if today.IsZero() {
		today = time.Now().UTC()
	}
	today = today.Truncate(24 * time.Hour)

	e.checkContrastAllergy(o.PatientContext, &res)
	e.checkRenalFunction(o.PatientContext, today, &res)
	e.checkRecentContrast(o.PatientContext, today, &res)

	res.CanProceed = len(res.Blocks) == 0
	for _, w := range res.Warnings {
		if w.MinScheduleDate != nil {
			res.MinScheduleDate = w.MinScheduleDate
			break
		}
	}
	return res
}

func (e Evaluator) checkContrastAllergy(ctx *order.PatientContext, res *Result) {
	for _, a := range ctx.Allergies {
		allergen := strings.ToLower(a.Allergen)
		isContrast := strings.EqualFold(a.Type, "MC") ||
			strings.Contains(allergen, "contrast") ||
			strings.Contains(allergen, "iodine") ||
			strings.Contains(allergen, "gadolinium")
		if !isContrast {
			continue
		}
		if strings.EqualFold(a.Severity, "SV") {
			res.Blocks = append(res.Blocks, Finding{
				ReasonCode: ReasonContrastAllergySevere,
				PatientMessage: "Our records show a severe contrast allergy. For your safety a scheduling " +
					"coordinator will call you to arrange this exam.",
				Details: fmt.Sprintf("allergen=%s reaction=%s", a.Allergen, a.Reaction),
			})
		} else {
			res.Warnings = append(res.Warnings, Finding{
				ReasonCode: ReasonContrastAllergy,
				PatientMessage: "Our records show a contrast allergy. Pre-medication may be required; " +
					"please mention this when you arrive.",
				Details: fmt.Sprintf("allergen=%s severity=%s", a.Allergen, a.Severity),
			})
		}
		return
	}
}

func (e Evaluator) checkRenalFunction(ctx *order.PatientContext, today time.Time, res *Result) {
	for _, lab := range ctx.Labs {
		name := strings.ToLower(lab.Name)
		if lab.Code != loincEGFR && !strings.Contains(name, "egfr") && !strings.Contains(name, "gfr") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(lab.Value), 64)
		if err != nil {
			continue
		}
		switch {
		case value < 30:
			res.Blocks = append(res.Blocks, Finding{
				ReasonCode: ReasonRenalCritical,
				PatientMessage: "A recent kidney function result requires review before a contrast exam. " +
					"A scheduling coordinator will call you.",
				Details: fmt.Sprintf("egfr=%s", lab.Value),
			})
		case value < 45:
			res.Warnings = append(res.Warnings, Finding{
				ReasonCode: ReasonRenalLow,
				PatientMessage: "Your kidney function result is slightly low. The imaging team will review " +
					"it before your contrast exam.",
				Details: fmt.Sprintf("egfr=%s", lab.Value),
			})
		}
		if d, err := time.Parse("2006-01-02", lab.Date); err == nil {
			if today.Sub(d) > 30*24*time.Hour {
				res.Warnings = append(res.Warnings, Finding{
					ReasonCode:     ReasonLabsOutdated,
					PatientMessage: "Your kidney function labs are more than 30 days old; updated labs may be requested.",
					Details:        fmt.Sprintf("lab_date=%s", lab.Date),
				})
			}
		}
		return
	}
}

func (e Evaluator) checkRecentContrast(ctx *order.PatientContext, today time.Time, res *Result) {
	for _, prior := range ctx.PriorImaging {
		if !prior.HadContrast {
			continue
		}
		d, err := time.Parse("2006-01-02", prior.Date)
		if err != nil {
			continue
		}
		daysSince := int(today.Sub(d).Hours() / 24)
		if daysSince < 0 || daysSince >= 7 {
			continue
		}
		minDate := today.AddDate(0, 0, 7-daysSince)
		res.Warnings = append(res.Warnings, Finding{
			ReasonCode: ReasonRecentContrast,
			PatientMessage: fmt.Sprintf("You received contrast %d day(s) ago. The earliest safe date for "+
				"another contrast exam is %s.", daysSince, minDate.Format("Monday, January 2")),
			Details:         fmt.Sprintf("prior_date=%s days_since=%d", prior.Date, daysSince),
			MinScheduleDate: &minDate,
		})
		return
	}
}
