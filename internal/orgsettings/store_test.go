package orgsettings

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	now := time.Now().UTC()
	provider := "telnyx"

	mock.ExpectQuery("SELECT organization_id, practice_name").
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"organization_id", "practice_name", "sms_from_number", "sms_provider",
			"coordinator_email", "timezone", "active", "updated_at",
		}).AddRow("org-1", "Springfield Imaging", "+15559990000", &provider, nil, nil, true, now))

	set, err := store.Get(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Springfield Imaging", set.PracticeName)
	assert.Equal(t, "telnyx", set.SMSProvider)
	assert.Empty(t, set.CoordinatorEmail)
	assert.True(t, set.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectQuery("SELECT organization_id, practice_name").
		WithArgs("org-404").
		WillReturnRows(pgxmock.NewRows([]string{
			"organization_id", "practice_name", "sms_from_number", "sms_provider",
			"coordinator_email", "timezone", "active", "updated_at",
		}))

	_, err = store.Get(context.Background(), "org-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectExec("INSERT INTO organization_settings").
		WithArgs("org-1", "Springfield Imaging", "+15559990000", "telnyx", "coord@example.org", "America/Chicago", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), Settings{
		OrganizationID:   "org-1",
		PracticeName:     "Springfield Imaging",
		SMSFromNumber:    "+15559990000",
		SMSProvider:      "telnyx",
		CoordinatorEmail: "coord@example.org",
		Timezone:         "America/Chicago",
		Active:           true,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
