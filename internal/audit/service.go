// Package audit provides the append-only record of every SMS interaction.
// Entries are keyed by phone hash and carry no PHI.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// MessageType identifies the interaction being audited.
type MessageType string

const (
	OutboundConsent          MessageType = "OUTBOUND_CONSENT"
	InboundConsentYes        MessageType = "INBOUND_CONSENT_YES"
	InboundConsentNo         MessageType = "INBOUND_CONSENT_NO"
	InboundStop              MessageType = "INBOUND_STOP"
	OutboundOrderList        MessageType = "OUTBOUND_ORDER_LIST"
	InboundOrderSelection    MessageType = "INBOUND_ORDER_SELECTION"
	OutboundLocationList     MessageType = "OUTBOUND_LOCATION_LIST"
	InboundLocationSelection MessageType = "INBOUND_LOCATION_SELECTION"
	OutboundTimeSlots        MessageType = "OUTBOUND_TIME_SLOTS"
	InboundTimeSelection     MessageType = "INBOUND_TIME_SELECTION"
	OutboundConfirmation     MessageType = "OUTBOUND_CONFIRMATION"
	OutboundError            MessageType = "OUTBOUND_ERROR"
	OutboundSafetyBlock      MessageType = "OUTBOUND_SAFETY_BLOCK"
	OutboundAck              MessageType = "OUTBOUND_ACK"
	OutboundHelp             MessageType = "OUTBOUND_HELP"
	OutboundOptOut           MessageType = "OUTBOUND_OPTOUT"
	OutboundManual           MessageType = "OUTBOUND_MANUAL"
	InboundUnknown           MessageType = "INBOUND_UNKNOWN"
	ConsentGranted           MessageType = "CONSENT_GRANTED"
	ConsentRevoked           MessageType = "CONSENT_REVOKED"
)

// Direction of the audited message.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            string      `json:"id"`
	PhoneHash     string      `json:"phone_hash"`
	MessageType   MessageType `json:"message_type"`
	Direction     string      `json:"direction"`
	ConsentStatus string      `json:"consent_status,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	TransportSID  string      `json:"transport_sid,omitempty"`
	Success       bool        `json:"success"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// VolumeBucket aggregates entry counts by direction and message type.
type VolumeBucket struct {
	Direction   string      `json:"direction"`
	MessageType MessageType `json:"message_type"`
	Count       int64       `json:"count"`
}

// Service handles audit logging.
type Service struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewService creates a new audit service.
func NewService(db *sql.DB, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{db: db, logger: logger}
}

// Append records an entry. Returns the insert error for callers that care.
func (s *Service) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sms_audit_log (
			id, phone_hash, message_type, direction, consent_status,
			session_id, transport_sid, success, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.PhoneHash,
		entry.MessageType,
		entry.Direction,
		nullString(entry.ConsentStatus),
		nullString(entry.SessionID),
		nullString(entry.TransportSID),
		entry.Success,
		nullString(entry.ErrorMessage),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append failed: %w", err)
	}
	return nil
}

// Record appends best-effort. An audit-plane failure must never block an SMS,
// so errors are logged and swallowed here.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if err := s.Append(ctx, entry); err != nil {
		s.logger.Error("audit write failed", "error", err, "message_type", entry.MessageType)
	}
}

// Filter selects entries to return from Query.
type Filter struct {
	PhoneHash string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Query retrieves entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT id, phone_hash, message_type, direction, consent_status,
			   session_id, transport_sid, success, error_message, created_at
		FROM sms_audit_log
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.PhoneHash != "" {
		query += fmt.Sprintf(" AND phone_hash = $%d", argIdx)
		args = append(args, filter.PhoneHash)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var consent, session, sid, errMsg sql.NullString
		if err := rows.Scan(
			&e.ID, &e.PhoneHash, &e.MessageType, &e.Direction, &consent,
			&session, &sid, &e.Success, &errMsg, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan failed: %w", err)
		}
		e.ConsentStatus = consent.String
		e.SessionID = session.String
		e.TransportSID = sid.String
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Volume aggregates counts by (direction, message_type) over a time window.
func (s *Service) Volume(ctx context.Context, start, end time.Time) ([]VolumeBucket, error) {
	query := `
		SELECT direction, message_type, COUNT(*)
		FROM sms_audit_log
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY direction, message_type
		ORDER BY direction, message_type
	`
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: volume query failed: %w", err)
	}
	defer rows.Close()

	var buckets []VolumeBucket
	for rows.Next() {
		var b VolumeBucket
		if err := rows.Scan(&b.Direction, &b.MessageType, &b.Count); err != nil {
			return nil, fmt.Errorf("audit: volume scan failed: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// PurgeOlderThan deletes entries past the retention horizon and returns the
// number removed.
func (s *Service) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sms_audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: purge rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
