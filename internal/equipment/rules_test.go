package equipment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

func TestInferRequirementsCardiacCT(t *testing.T) {
	req := InferRequirements("Cardiac CT Calcium Score", order.ModalityCT)
	assert.True(t, req.CTHasCardiac)
	assert.Equal(t, 64, req.CTSliceCountMin)
}

func TestInferRequirementsCTAComposes(t *testing.T) {
	req := InferRequirements("CTA Coronary with contrast", order.ModalityCT)
	assert.True(t, req.CTHasContrastInjector)
	assert.True(t, req.CTHasCardiac)
	assert.Equal(t, 64, req.CTSliceCountMin)
}

func TestInferRequirementsClaustrophobicMRI(t *testing.T) {
	req := InferRequirements("MRI Lumbar Spine - patient very claustrophobic", order.ModalityMRI)
	assert.True(t, req.MRIWideBore)
	assert.Zero(t, req.MRIFieldStrengthMin)
}

func TestInferRequirementsModalityScoped(t *testing.T) {
	// CT rules must not fire for an MRI order.
	req := InferRequirements("MRI Brain with contrast", order.ModalityMRI)
	assert.False(t, req.CTHasContrastInjector)

	// Bariatric applies to every modality.
	req = InferRequirements("US Abdomen bariatric patient", order.ModalityUS)
	assert.True(t, req.BariatricTable)
}

func TestInferRequirementsUnmatched(t *testing.T) {
	req := InferRequirements("XR Chest 2 views", order.ModalityXRay)
	assert.True(t, req.Empty())
}

func TestSatisfiesSliceBoundary(t *testing.T) {
	req := Requirements{CTSliceCountMin: 64}
	assert.True(t, Equipment{CTSliceCount: 64}.Satisfies(req))
	assert.False(t, Equipment{CTSliceCount: 63}.Satisfies(req))
}

func TestSatisfiesFieldStrength(t *testing.T) {
	req := Requirements{MRIFieldStrengthMin: 3.0}
	assert.True(t, Equipment{MRIFieldStrength: 3.0}.Satisfies(req))
	assert.False(t, Equipment{MRIFieldStrength: 1.5}.Satisfies(req))
}

func TestSatisfiesWideBore(t *testing.T) {
	req := InferRequirements("MRI Lumbar Spine - patient very claustrophobic", order.ModalityMRI)
	threeTesla := Equipment{EquipmentType: order.ModalityMRI, MRIFieldStrength: 3.0}
	wideBore := Equipment{EquipmentType: order.ModalityMRI, MRIFieldStrength: 1.5, MRIWideBore: true}
	assert.False(t, threeTesla.Satisfies(req))
	assert.True(t, wideBore.Satisfies(req))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "64-slice CT", Equipment{EquipmentType: order.ModalityCT, CTSliceCount: 64}.Label())
	assert.Equal(t, "dual-energy 128-slice CT", Equipment{EquipmentType: order.ModalityCT, CTSliceCount: 128, CTDualEnergy: true}.Label())
	assert.Equal(t, "1.5T wide-bore MRI", Equipment{EquipmentType: order.ModalityMRI, MRIFieldStrength: 1.5, MRIWideBore: true}.Label())
	assert.Equal(t, "3D mammography", Equipment{EquipmentType: order.ModalityMammo, Mammo3DTomo: true}.Label())
	assert.Equal(t, "us", Equipment{EquipmentType: order.ModalityUS}.Label())
}
