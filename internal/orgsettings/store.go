// Package orgsettings stores per-organization scheduling settings: the SMS
// sender number, coordinator contact, and practice display name.
package orgsettings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when an organization has no settings row.
var ErrNotFound = errors.New("orgsettings: not found")

// Settings is one organization's configuration.
type Settings struct {
	OrganizationID   string    `json:"organizationId"`
	PracticeName     string    `json:"practiceName"`
	SMSFromNumber    string    `json:"smsFromNumber"`
	SMSProvider      string    `json:"smsProvider,omitempty"`
	CoordinatorEmail string    `json:"coordinatorEmail,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PgxPool is the subset of pgxpool.Pool the store uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes organization_settings rows.
type Store struct {
	pool PgxPool
}

// NewStore builds a settings store.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("orgsettings: pgx pool required")
	}
	return &Store{pool: pool}
}

// Get fetches one organization's settings.
func (s *Store) Get(ctx context.Context, orgID string) (*Settings, error) {
	query := `
		SELECT organization_id, practice_name, sms_from_number, sms_provider,
			   coordinator_email, timezone, active, updated_at
		FROM organization_settings
		WHERE organization_id = $1
	`
	var out Settings
	var provider, email, tz *string
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&out.OrganizationID, &out.PracticeName, &out.SMSFromNumber, &provider,
		&email, &tz, &out.Active, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orgsettings: get %s: %w", orgID, err)
	}
	if provider != nil {
		out.SMSProvider = *provider
	}
	if email != nil {
		out.CoordinatorEmail = *email
	}
	if tz != nil {
		out.Timezone = *tz
	}
	return &out, nil
}

// Upsert writes the settings row.
func (s *Store) Upsert(ctx context.Context, set Settings) error {
	query := `
		INSERT INTO organization_settings (
			organization_id, practice_name, sms_from_number, sms_provider,
			coordinator_email, timezone, active, updated_at
		) VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), $7, now())
		ON CONFLICT (organization_id) DO UPDATE SET
			practice_name = EXCLUDED.practice_name,
			sms_from_number = EXCLUDED.sms_from_number,
			sms_provider = EXCLUDED.sms_provider,
			coordinator_email = EXCLUDED.coordinator_email,
			timezone = EXCLUDED.timezone,
			active = EXCLUDED.active,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query,
		set.OrganizationID, set.PracticeName, set.SMSFromNumber, set.SMSProvider,
		set.CoordinatorEmail, set.Timezone, set.Active,
	); err != nil {
		return fmt.Errorf("orgsettings: upsert %s: %w", set.OrganizationID, err)
	}
	return nil
}
