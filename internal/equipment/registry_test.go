package equipment

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
)

var equipmentCols = []string{
	"location_id", "equipment_type", "ct_slice_count", "ct_has_cardiac", "ct_has_contrast_injector",
	"ct_dual_energy", "mri_field_strength", "mri_wide_bore", "mri_has_cardiac",
	"mammo_3d_tomo", "mammo_stereo_biopsy", "max_patient_weight_kg", "has_bariatric_table", "active",
}

func mriRow(rows *pgxmock.Rows, loc string, field float64, wideBore bool) *pgxmock.Rows {
	return rows.AddRow(loc, "MRI", 0, false, false, false, field, wideBore, false, false, false, 200, false, true)
}

func TestFilterLocationsWideBore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows(equipmentCols)
	rows = mriRow(rows, "loc-a", 3.0, false)
	rows = mriRow(rows, "loc-b", 1.5, true)
	mock.ExpectQuery("SELECT location_id, equipment_type").
		WithArgs("MRI").
		WillReturnRows(rows)

	reg := NewRegistry(mock, nil)
	candidates := []order.Location{
		{ID: "loc-a", Name: "Downtown Imaging"},
		{ID: "loc-b", Name: "Westside Imaging"},
	}
	o := order.Order{
		Modality:         order.ModalityMRI,
		OrderDescription: "MRI Lumbar Spine - patient very claustrophobic",
	}

	kept := reg.FilterLocations(context.Background(), candidates, o)
	require.Len(t, kept, 1)
	assert.Equal(t, "loc-b", kept[0].ID)
	assert.True(t, kept[0].Equipment.MRIWideBore)
}

func TestFilterLocationsFailsOpen(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT location_id, equipment_type").
		WithArgs("CT").
		WillReturnError(errors.New("registry down"))

	reg := NewRegistry(mock, nil)
	candidates := []order.Location{{ID: "loc-a"}, {ID: "loc-b"}}
	o := order.Order{Modality: order.ModalityCT, OrderDescription: "CTA Chest"}

	kept := reg.FilterLocations(context.Background(), candidates, o)
	assert.Len(t, kept, 2)
}

func TestFilterLocationsDropsUnregistered(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows(equipmentCols).
		AddRow("loc-a", "CT", 128, true, true, false, 0.0, false, false, false, false, 200, false, true)
	mock.ExpectQuery("SELECT location_id, equipment_type").
		WithArgs("CT").
		WillReturnRows(rows)

	reg := NewRegistry(mock, nil)
	candidates := []order.Location{{ID: "loc-a"}, {ID: "loc-unknown"}}
	o := order.Order{Modality: order.ModalityCT, OrderDescription: "Cardiac CT Calcium Score"}

	kept := reg.FilterLocations(context.Background(), candidates, o)
	require.Len(t, kept, 1)
	assert.Equal(t, "loc-a", kept[0].ID)
}

func TestHasCapableLocation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows(equipmentCols)
	rows = mriRow(rows, "loc-a", 1.5, false)
	mock.ExpectQuery("SELECT location_id, equipment_type").
		WithArgs("MRI").
		WillReturnRows(rows)

	reg := NewRegistry(mock, nil)
	ok, err := reg.HasCapableLocation(context.Background(), order.Order{
		Modality:         order.ModalityMRI,
		OrderDescription: "MRI Brain 3T high field",
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCandidateLocationsMapsRegistryRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"location_id", "name", "address", "city", "state", "phone", "timezone", "active"}).
		AddRow("loc-reg", "Registry Site", "9 Oak Ave", "Springfield", "IL", "+15550002222", "America/Chicago", true)
	mock.ExpectQuery("SELECT location_id, name").
		WillReturnRows(rows)

	reg := NewRegistry(mock, nil)
	out, err := reg.CandidateLocations(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "loc-reg", out[0].ID)
	assert.Equal(t, "Registry Site", out[0].Name)
}

func TestListLocationsOrderedByName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"location_id", "name", "address", "city", "state", "phone", "timezone", "active"}).
		AddRow("loc-a", "Downtown Imaging", "1 Main St", "Springfield", "IL", "+15550001111", "America/Chicago", true)
	mock.ExpectQuery("SELECT location_id, name").
		WillReturnRows(rows)

	reg := NewRegistry(mock, nil)
	locs, err := reg.ListLocations(context.Background())
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "Downtown Imaging", locs[0].Name)
}
