package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sms_audit_log").
		WithArgs(sqlmock.AnyArg(), "hash-1", string(OutboundConsent), DirectionOutbound,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(db, nil)
	err = svc.Append(context.Background(), Entry{
		PhoneHash:   "hash-1",
		MessageType: OutboundConsent,
		Direction:   DirectionOutbound,
		Success:     true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSwallowsErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sms_audit_log").
		WillReturnError(errors.New("connection refused"))

	svc := NewService(db, nil)
	// Must not panic or propagate.
	svc.Record(context.Background(), Entry{
		PhoneHash:   "hash-1",
		MessageType: OutboundError,
		Direction:   DirectionOutbound,
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByPhoneHash(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "phone_hash", "message_type", "direction", "consent_status",
		"session_id", "transport_sid", "success", "error_message", "created_at",
	}).AddRow("id-1", "hash-1", string(InboundStop), DirectionInbound, "revoked",
		"sess-1", nil, true, nil, now)

	mock.ExpectQuery("SELECT id, phone_hash").
		WithArgs("hash-1").
		WillReturnRows(rows)

	svc := NewService(db, nil)
	entries, err := svc.Query(context.Background(), Filter{PhoneHash: "hash-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, InboundStop, entries[0].MessageType)
	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.Empty(t, entries[0].TransportSID)
}

func TestVolume(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"direction", "message_type", "count"}).
		AddRow(DirectionInbound, string(InboundConsentYes), 4).
		AddRow(DirectionOutbound, string(OutboundConsent), 7)
	mock.ExpectQuery("SELECT direction, message_type, COUNT").
		WillReturnRows(rows)

	svc := NewService(db, nil)
	buckets, err := svc.Volume(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.EqualValues(t, 4, buckets[0].Count)
}

func TestPurgeOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sms_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	svc := NewService(db, nil)
	n, err := svc.PurgeOlderThan(context.Background(), 2555)
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
}
