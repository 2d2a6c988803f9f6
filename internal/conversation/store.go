package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSessionNotFound is returned when no session matches a lookup.
var ErrSessionNotFound = errors.New("conversation: session not found")

// PgxPool is the subset of pgxpool.Pool the store uses.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists sessions in the sms_conversations table. All state
// transitions go through WithSessionLock so that concurrent inbound SMS,
// monitor retries and sweepers serialize per session.
type Store struct {
	pool PgxPool
}

var _ SessionStore = (*Store)(nil)

// NewStore builds a session store.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &Store{pool: pool}
}

const sessionColumns = `
	id, phone_hash, encrypted_phone, state, order_data,
	selected_location_id, selected_slot_time, expires_at,
	slot_request_sent_at, slot_retry_count, slot_request_failed_at,
	started_at, completed_at, created_at, updated_at, organization_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var data []byte
	var locationID, orgID *string
	if err := row.Scan(
		&s.ID, &s.PhoneHash, &s.EncryptedPhone, &s.State, &data,
		&locationID, &s.SelectedSlotTime, &s.ExpiresAt,
		&s.SlotRequestSentAt, &s.SlotRetryCount, &s.SlotRequestFailedAt,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt, &orgID,
	); err != nil {
		return nil, err
	}
	if locationID != nil {
		s.SelectedLocationID = *locationID
	}
	if orgID != nil {
		s.OrganizationID = *orgID
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return nil, fmt.Errorf("conversation: decode order data: %w", err)
		}
	}
	return &s, nil
}

// Insert creates the session row.
func (st *Store) Insert(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("conversation: encode order data: %w", err)
	}
	query := `
		INSERT INTO sms_conversations (
			id, phone_hash, encrypted_phone, state, order_data,
			selected_location_id, selected_slot_time, expires_at,
			slot_request_sent_at, slot_retry_count, slot_request_failed_at,
			started_at, completed_at, organization_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''))
	`
	if _, err := st.pool.Exec(ctx, query,
		s.ID, s.PhoneHash, s.EncryptedPhone, string(s.State), data,
		nullIfEmpty(s.SelectedLocationID), s.SelectedSlotTime, s.ExpiresAt,
		s.SlotRequestSentAt, s.SlotRetryCount, s.SlotRequestFailedAt,
		s.StartedAt, s.CompletedAt, s.OrganizationID,
	); err != nil {
		return fmt.Errorf("conversation: insert session: %w", err)
	}
	return nil
}

// GetByID fetches one session.
func (st *Store) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sms_conversations WHERE id = $1`
	s, err := scanSession(st.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("conversation: get session: %w", err)
	}
	return s, nil
}

// GetActiveByPhoneHash returns the at-most-one active session for a phone.
func (st *Store) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sms_conversations
		WHERE phone_hash = $1
			AND state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`
	s, err := scanSession(st.pool.QueryRow(ctx, query, phoneHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("conversation: get active session: %w", err)
	}
	return s, nil
}

// FindByMRN locates an active session whose order data references the MRN.
// Composite identifiers of the form "MRN^authority" match on their prefix.
func (st *Store) FindByMRN(ctx context.Context, mrn string) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sms_conversations
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at > now()
			AND (
				order_data->'order'->>'patientMrn' = $1
				OR split_part(order_data->'order'->>'patientMrn', '^', 1) = $1
				OR order_data->>'patient_id' = $1
				OR order_data->'patient'->>'mrn' = $1
			)
		ORDER BY created_at DESC
		LIMIT 1
	`
	s, err := scanSession(st.pool.QueryRow(ctx, query, mrn))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("conversation: find by mrn: %w", err)
	}
	return s, nil
}

// FindByCorrelationID locates an active session by the id echoed back on the
// schedule-response webhook.
func (st *Store) FindByCorrelationID(ctx context.Context, correlationID string) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sms_conversations
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at > now()
			AND order_data->>'correlationId' = $1
		LIMIT 1
	`
	s, err := scanSession(st.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("conversation: find by correlation id: %w", err)
	}
	return s, nil
}

// FindStuck returns sessions waiting on a slot response past the timeout.
func (st *Store) FindStuck(ctx context.Context, timeout time.Duration) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sms_conversations
		WHERE state = 'CHOOSING_TIME'
			AND slot_request_sent_at IS NOT NULL
			AND slot_request_sent_at < now() - $1::interval
			AND slot_request_failed_at IS NULL
			AND expires_at > now()
		ORDER BY slot_request_sent_at ASC
	`
	rows, err := st.pool.Query(ctx, query, timeout.String())
	if err != nil {
		return nil, fmt.Errorf("conversation: find stuck: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan stuck session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// WithSessionLock runs fn against the session row under SELECT ... FOR UPDATE
// and writes the mutated session back in the same transaction. This is the
// per-session serialization point: two concurrent transitions on the same
// session cannot interleave.
func (st *Store) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, s *Session) error) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + sessionColumns + ` FROM sms_conversations WHERE id = $1 FOR UPDATE`
	s, err := scanSession(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("conversation: lock session: %w", err)
	}

	prevState := s.State
	if err := fn(ctx, s); err != nil {
		return err
	}

	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("conversation: encode order data: %w", err)
	}
	update := `
		UPDATE sms_conversations
		SET state = $2,
			order_data = $3,
			selected_location_id = $4,
			selected_slot_time = $5,
			expires_at = $6,
			slot_request_sent_at = $7,
			slot_retry_count = $8,
			slot_request_failed_at = $9,
			completed_at = $10,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update,
		s.ID, string(s.State), data,
		nullIfEmpty(s.SelectedLocationID), s.SelectedSlotTime, s.ExpiresAt,
		s.SlotRequestSentAt, s.SlotRetryCount, s.SlotRequestFailedAt,
		s.CompletedAt,
	); err != nil {
		return fmt.Errorf("conversation: update session: %w", err)
	}

	if s.State != prevState {
		transition := `
			INSERT INTO session_transitions (session_id, from_state, to_state)
			VALUES ($1, $2, $3)
		`
		if _, err := tx.Exec(ctx, transition, s.ID, string(prevState), string(s.State)); err != nil {
			return fmt.Errorf("conversation: record transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit: %w", err)
	}
	return nil
}

// ExpireOverdue marks every non-terminal session past its TTL as EXPIRED.
func (st *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	query := `
		UPDATE sms_conversations
		SET state = 'EXPIRED', updated_at = now()
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at <= now()
	`
	tag, err := st.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("conversation: expire overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireOverduePhone expires any overdue non-terminal session for one phone.
// Intake calls this before inserting a fresh session: an overdue row the
// sweeper has not reached yet still occupies the one-live-session-per-phone
// index slot even though active lookups no longer see it.
func (st *Store) ExpireOverduePhone(ctx context.Context, phoneHash string) (int64, error) {
	query := `
		UPDATE sms_conversations
		SET state = 'EXPIRED', updated_at = now()
		WHERE phone_hash = $1
			AND state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at <= now()
	`
	tag, err := st.pool.Exec(ctx, query, phoneHash)
	if err != nil {
		return 0, fmt.Errorf("conversation: expire overdue for phone: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes a session row.
func (st *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := st.pool.Exec(ctx, `DELETE FROM sms_conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("conversation: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// BulkDeleteTerminal removes terminal sessions older than the cutoff and
// returns the number deleted. Safe to re-run: already-deleted rows simply
// no longer match.
func (st *Store) BulkDeleteTerminal(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM sms_conversations
		WHERE state IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND updated_at < now() - ($1 || ' days')::interval
	`
	tag, err := st.pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("conversation: bulk delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFilter selects sessions for the admin list endpoint.
type ListFilter struct {
	State          State
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	StuckThreshold time.Duration // non-zero selects only stuck sessions
	Limit          int
	Offset         int
}

// List returns sessions matching the filter, newest first.
func (st *Store) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sms_conversations WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	if !filter.CreatedBefore.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.CreatedBefore)
		argIdx++
	}
	if filter.StuckThreshold > 0 {
		query += fmt.Sprintf(" AND state NOT IN ('CONFIRMED','EXPIRED','CANCELLED') AND expires_at > now() AND updated_at < now() - $%d::interval", argIdx)
		args = append(args, filter.StuckThreshold.String())
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
