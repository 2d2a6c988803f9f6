package equipment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/order"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// PgxPool is the subset of pgxpool.Pool the registry uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Location is one imaging site from the registry.
type Location struct {
	LocationID string `json:"locationId"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	Phone      string `json:"phone"`
	Timezone   string `json:"timezone"`
	Active     bool   `json:"active"`
}

// CapableLocation is a candidate location that passed the capability filter,
// with the equipment row that satisfied it attached.
type CapableLocation struct {
	order.Location
	Equipment Equipment `json:"equipment"`
}

// Registry reads locations and equipment specs from Postgres.
type Registry struct {
	pool   PgxPool
	logger *logging.Logger
}

// NewRegistry builds a registry store.
func NewRegistry(pool PgxPool, logger *logging.Logger) *Registry {
	if pool == nil {
		panic("equipment: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{pool: pool, logger: logger}
}

// ListLocations returns active locations, ordered by name. This ordering is
// also the truncation order when a prompt lists more candidates than fit.
func (r *Registry) ListLocations(ctx context.Context) ([]Location, error) {
	query := `
		SELECT location_id, name, address, city, state, phone, timezone, active
		FROM scheduling_locations
		WHERE active
		ORDER BY name ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("equipment: list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.LocationID, &loc.Name, &loc.Address, &loc.City, &loc.State, &loc.Phone, &loc.Timezone, &loc.Active); err != nil {
			return nil, fmt.Errorf("equipment: scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// CandidateLocations returns the active registry locations in the shape the
// conversation flow consumes. It backs the location prompt when the order
// carries no pre-fetched candidates and the RIS lookup comes up empty.
func (r *Registry) CandidateLocations(ctx context.Context) ([]order.Location, error) {
	locs, err := r.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]order.Location, 0, len(locs))
	for _, l := range locs {
		out = append(out, order.Location{
			ID:      l.LocationID,
			Name:    l.Name,
			Address: l.Address,
			City:    l.City,
			State:   l.State,
			Phone:   l.Phone,
		})
	}
	return out, nil
}

// activeEquipment returns the active equipment rows of the modality, keyed by
// location id.
func (r *Registry) activeEquipment(ctx context.Context, modality order.Modality) (map[string]Equipment, error) {
	query := `
		SELECT location_id, equipment_type, ct_slice_count, ct_has_cardiac, ct_has_contrast_injector,
			ct_dual_energy, mri_field_strength, mri_wide_bore, mri_has_cardiac,
			mammo_3d_tomo, mammo_stereo_biopsy, max_patient_weight_kg, has_bariatric_table, active
		FROM scheduling_equipment
		WHERE equipment_type = $1 AND active
	`
	rows, err := r.pool.Query(ctx, query, string(modality))
	if err != nil {
		return nil, fmt.Errorf("equipment: query equipment: %w", err)
	}
	defer rows.Close()

	out := map[string]Equipment{}
	for rows.Next() {
		var eq Equipment
		var eqType string
		if err := rows.Scan(&eq.LocationID, &eqType, &eq.CTSliceCount, &eq.CTHasCardiac, &eq.CTHasContrastInjector,
			&eq.CTDualEnergy, &eq.MRIFieldStrength, &eq.MRIWideBore, &eq.MRIHasCardiac,
			&eq.Mammo3DTomo, &eq.MammoStereoBiopsy, &eq.MaxPatientWeightKg, &eq.HasBariatricTable, &eq.Active); err != nil {
			return nil, fmt.Errorf("equipment: scan equipment: %w", err)
		}
		eq.EquipmentType = order.Modality(eqType)
		out[eq.LocationID] = eq
	}
	return out, rows.Err()
}

// FilterLocations keeps candidates whose active equipment of the order's
// modality satisfies every inferred requirement. A registry failure fails
// open: patients can still pick a location, the coordinator backstops.
func (r *Registry) FilterLocations(ctx context.Context, candidates []order.Location, o order.Order) []CapableLocation {
	req := InferRequirements(o.OrderDescription, o.Modality)

	byLocation, err := r.activeEquipment(ctx, o.Modality)
	if err != nil {
		r.logger.Error("equipment lookup failed, failing open", "error", err, "modality", o.Modality)
		out := make([]CapableLocation, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, CapableLocation{Location: c})
		}
		return out
	}

	var out []CapableLocation
	for _, c := range candidates {
		eq, ok := byLocation[c.ID]
		if !ok {
			continue
		}
		if eq.Satisfies(req) {
			out = append(out, CapableLocation{Location: c, Equipment: eq})
		}
	}
	return out
}

// HasCapableLocation answers whether any registered location can perform the
// order.
func (r *Registry) HasCapableLocation(ctx context.Context, o order.Order) (bool, error) {
	req := InferRequirements(o.OrderDescription, o.Modality)
	byLocation, err := r.activeEquipment(ctx, o.Modality)
	if err != nil {
		return false, err
	}
	for _, eq := range byLocation {
		if eq.Satisfies(req) {
			return true, nil
		}
	}
	return false, nil
}
