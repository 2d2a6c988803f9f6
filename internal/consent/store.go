// Package consent tracks per-phone SMS opt-in state.
package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
)

// Method records how consent was obtained.
type Method string

const (
	MethodSMSReply     Method = "sms_reply"
	MethodWebForm      Method = "web_form"
	MethodVerbal       Method = "verbal"
	MethodInitialOrder Method = "initial_order"
)

// PgxPool is the subset of pgxpool.Pool the store uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Record is one consent row, keyed by phone hash.
type Record struct {
	PhoneHash        string
	ConsentGiven     bool
	ConsentTimestamp time.Time
	ConsentMethod    Method
	RevokedAt        *time.Time
	RevocationReason string
}

// Store persists consent records in Postgres.
type Store struct {
	pool  PgxPool
	audit auditor
}

// NewStore builds a consent store. The auditor may be nil in tests.
func NewStore(pool PgxPool, auditSvc auditor) *Store {
	if pool == nil {
		panic("consent: pgx pool required")
	}
	return &Store{pool: pool, audit: auditSvc}
}

// HasConsent reports whether the phone is currently opted in: a record exists
// with consent_given true and no revocation.
func (s *Store) HasConsent(ctx context.Context, phoneHash string) (bool, error) {
	query := `
		SELECT 1 FROM patient_sms_consents
		WHERE phone_hash = $1 AND consent_given = TRUE AND revoked_at IS NULL
	`
	var exists int
	if err := s.pool.QueryRow(ctx, query, phoneHash).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("consent: check failed: %w", err)
	}
	return true, nil
}

// Grant upserts an opt-in. A prior revocation is cleared.
func (s *Store) Grant(ctx context.Context, phoneHash string, method Method) error {
	query := `
		INSERT INTO patient_sms_consents (phone_hash, consent_given, consent_timestamp, consent_method)
		VALUES ($1, TRUE, now(), $2)
		ON CONFLICT (phone_hash) DO UPDATE
		SET consent_given = TRUE,
			consent_timestamp = now(),
			consent_method = EXCLUDED.consent_method,
			revoked_at = NULL,
			revocation_reason = NULL,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, phoneHash, string(method)); err != nil {
		return fmt.Errorf("consent: grant failed: %w", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, audit.Entry{
			PhoneHash:     phoneHash,
			MessageType:   audit.ConsentGranted,
			Direction:     audit.DirectionInbound,
			ConsentStatus: "granted",
			Success:       true,
		})
	}
	return nil
}

// Revoke marks the phone opted out. Revocation sticks until a later Grant.
// A phone with no record gets one so the opt-out is durable.
func (s *Store) Revoke(ctx context.Context, phoneHash, reason string) error {
	query := `
		INSERT INTO patient_sms_consents (phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason)
		VALUES ($1, FALSE, now(), $3, now(), $2)
		ON CONFLICT (phone_hash) DO UPDATE
		SET consent_given = FALSE,
			revoked_at = now(),
			revocation_reason = EXCLUDED.revocation_reason,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, phoneHash, reason, string(MethodSMSReply)); err != nil {
		return fmt.Errorf("consent: revoke failed: %w", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, audit.Entry{
			PhoneHash:     phoneHash,
			MessageType:   audit.ConsentRevoked,
			Direction:     audit.DirectionInbound,
			ConsentStatus: "revoked",
			Success:       true,
		})
	}
	return nil
}

// Get fetches the consent record, or nil when none exists.
func (s *Store) Get(ctx context.Context, phoneHash string) (*Record, error) {
	query := `
		SELECT phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, COALESCE(revocation_reason, '')
		FROM patient_sms_consents
		WHERE phone_hash = $1
	`
	var rec Record
	var method string
	if err := s.pool.QueryRow(ctx, query, phoneHash).Scan(
		&rec.PhoneHash, &rec.ConsentGiven, &rec.ConsentTimestamp, &method, &rec.RevokedAt, &rec.RevocationReason,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("consent: get failed: %w", err)
	}
	rec.ConsentMethod = Method(method)
	return &rec, nil
}
