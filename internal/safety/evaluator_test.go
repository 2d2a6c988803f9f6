package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

var today = time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

func TestRequiresContrast(t *testing.T) {
	positive := []string{
		"CT Abdomen with Contrast",
		"CT CHEST W/ CONTRAST",
		"CT chest w contrast",
		"Contrast Enhanced MRI Brain",
		"CTA Head and Neck",
		"MRA Circle of Willis",
		"MRI Brain with gad",
		"CT Abdomen + C",
		"Renal angiography",
	}
	for _, desc := range positive {
		assert.True(t, RequiresContrast(desc), desc)
	}

	negative := []string{
		"CT Abdomen without contrast",
		"CT Chest w/o contrast",
		"Non-contrast CT head",
		"NONCONTRAST MRI BRAIN",
		"CT HEAD -C",
		"MRI Lumbar Spine",
		"XR Chest 2 views",
	}
	for _, desc := range negative {
		assert.False(t, RequiresContrast(desc), desc)
	}
}

func TestSevereContrastAllergyBlocks(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CT Abdomen with Contrast",
		PatientContext: &order.PatientContext{
			Allergies: []order.Allergy{{
				Allergen: "Iodinated contrast", Type: "MC", Severity: "SV", Reaction: "Anaphylaxis",
			}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, ReasonContrastAllergySevere, res.Blocks[0].ReasonCode)
	assert.False(t, res.CanProceed)
	assert.Contains(t, res.Blocks[0].PatientMessage, "severe contrast allergy")
	assert.Contains(t, res.Blocks[0].PatientMessage, "coordinator")
}

func TestModerateAllergyWarns(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityMRI,
		OrderDescription: "MRI Brain with gad",
		PatientContext: &order.PatientContext{
			Allergies: []order.Allergy{{Allergen: "Gadolinium", Severity: "MO"}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	assert.True(t, res.CanProceed)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ReasonContrastAllergy, res.Warnings[0].ReasonCode)
	assert.Contains(t, res.Warnings[0].PatientMessage, "Pre-medication")
}

func TestRenalBoundaries(t *testing.T) {
	mk := func(value string) order.Order {
		return order.Order{
			Modality:         order.ModalityCT,
			OrderDescription: "CT Abdomen with Contrast",
			PatientContext: &order.PatientContext{
				Labs: []order.Lab{{Name: "eGFR", Code: "33914-3", Value: value, Date: today.Format("2006-01-02")}},
			},
		}
	}
	eval := Evaluator{Today: today}

	res := eval.Evaluate(mk("29.999"))
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, ReasonRenalCritical, res.Blocks[0].ReasonCode)

	res = eval.Evaluate(mk("30"))
	assert.Empty(t, res.Blocks)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ReasonRenalLow, res.Warnings[0].ReasonCode)

	res = eval.Evaluate(mk("44.999"))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ReasonRenalLow, res.Warnings[0].ReasonCode)

	res = eval.Evaluate(mk("45"))
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Blocks)
}

func TestRenalMatchByName(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CTA Chest",
		PatientContext: &order.PatientContext{
			Labs: []order.Lab{{Name: "GFR Estimated", Code: "other", Value: "25", Date: today.Format("2006-01-02")}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, ReasonRenalCritical, res.Blocks[0].ReasonCode)
}

func TestOutdatedLabsWarn(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CT Abdomen with Contrast",
		PatientContext: &order.PatientContext{
			Labs: []order.Lab{{Name: "eGFR", Value: "60", Date: today.AddDate(0, 0, -45).Format("2006-01-02")}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ReasonLabsOutdated, res.Warnings[0].ReasonCode)
}

func TestRecentContrastBoundary(t *testing.T) {
	mk := func(daysAgo int) order.Order {
		return order.Order{
			Modality:         order.ModalityCT,
			OrderDescription: "CT Abdomen with Contrast",
			PatientContext: &order.PatientContext{
				PriorImaging: []order.PriorImaging{{
					Modality: "CT", Date: today.AddDate(0, 0, -daysAgo).Format("2006-01-02"), HadContrast: true,
				}},
			},
		}
	}
	eval := Evaluator{Today: today}

	// Exactly 7 days ago does not warn.
	res := eval.Evaluate(mk(7))
	assert.Empty(t, res.Warnings)

	// 6 days ago warns with a one-day delay.
	res = eval.Evaluate(mk(6))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ReasonRecentContrast, res.Warnings[0].ReasonCode)
	require.NotNil(t, res.MinScheduleDate)
	assert.Equal(t, today.AddDate(0, 0, 1), *res.MinScheduleDate)

	// 4 days ago yields a three-day delay.
	res = eval.Evaluate(mk(4))
	require.NotNil(t, res.MinScheduleDate)
	assert.Equal(t, today.AddDate(0, 0, 3), *res.MinScheduleDate)
	assert.True(t, res.CanProceed)
}

func TestPriorImagingWithoutContrastIgnored(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CT Abdomen with Contrast",
		PatientContext: &order.PatientContext{
			PriorImaging: []order.PriorImaging{{Modality: "CT", Date: today.AddDate(0, 0, -2).Format("2006-01-02")}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	assert.Empty(t, res.Warnings)
}

func TestNoContrastNoRules(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CT Head without contrast",
		PatientContext: &order.PatientContext{
			Allergies: []order.Allergy{{Allergen: "Iodine", Severity: "SV"}},
			Labs:      []order.Lab{{Name: "eGFR", Value: "20", Date: today.Format("2006-01-02")}},
		},
	}
	res := Evaluator{Today: today}.Evaluate(o)
	assert.True(t, res.CanProceed)
	assert.Empty(t, res.Blocks)
	assert.Empty(t, res.Warnings)
}

func TestDeterministic(t *testing.T) {
	o := order.Order{
		Modality:         order.ModalityCT,
		OrderDescription: "CT Abdomen with Contrast",
		PatientContext: &order.PatientContext{
			PriorImaging: []order.PriorImaging{{Modality: "CT", Date: today.AddDate(0, 0, -4).Format("2006-01-02"), HadContrast: true}},
		},
	}
	eval := Evaluator{Today: today}
	first := eval.Evaluate(o)
	second := eval.Evaluate(o)
	assert.Equal(t, first, second)
}
