package postgres

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

// arrayConverter lets slice arguments reach the mock the way pgx accepts them.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if converted, err := driver.DefaultParameterConverter.ConvertValue(v); err == nil {
		return converted, nil
	}
	return v, nil
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

var meterRowColumns = []string{"serial", "meter_type", "state", "agent_id", "agent_name", "batch_id", "added_by", "added_at", "updated_at"}

func TestGetMeter(t *testing.T) {
	t.Run("returns meter with agent name", func(t *testing.T) {
		s, mock := newMockStore(t)
		now := time.Now().UTC()

		mock.ExpectQuery(`FROM meters m\s+LEFT JOIN agents a ON a.id = m.agent_id\s+WHERE m.serial = \$1`).
			WithArgs("SN-1").
			WillReturnRows(sqlmock.NewRows(meterRowColumns).
				AddRow("SN-1", "split", "with_agent", "agent-1", "Wanjiru Distributors", "", "admin", now, now))

		meter, err := s.GetMeter(context.Background(), "SN-1")
		require.NoError(t, err)
		assert.Equal(t, domain.MeterSplit, meter.Type)
		assert.Equal(t, domain.StateWithAgent, meter.State)
		assert.Equal(t, "Wanjiru Distributors", meter.AgentName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps missing row to not found", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectQuery(`FROM meters m`).
			WithArgs("SN-404").
			WillReturnRows(sqlmock.NewRows(meterRowColumns))

		_, err := s.GetMeter(context.Background(), "SN-404")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAddMetersRollsBackOnExistingSerial(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT serial FROM meters WHERE serial = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"serial"}).AddRow("SN-1"))
	mock.ExpectRollback()

	err := s.AddMeters(context.Background(), []domain.Meter{
		{Serial: "SN-1", Type: domain.MeterSplit, AddedBy: "admin"},
		{Serial: "SN-2", Type: domain.MeterSplit, AddedBy: "admin"},
	}, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Contains(t, err.Error(), "SN-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSaleReturnsExistingBatchForRepeatedKey(t *testing.T) {
	s, mock := newMockStore(t)
	soldAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM sale_batches WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sale-1"))
	mock.ExpectCommit()

	mock.ExpectQuery(`FROM sale_batches WHERE id = \$1`).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "idempotency_key", "sold_by", "agent_id", "recipient", "destination", "customer_type",
			"customer_county", "customer_contact", "meter_count", "total_cents", "sold_at",
		}).AddRow("sale-1", "key-1", "clerk", "", "Water Board", "Nakuru", "government", "Nakuru", "0700", 1, int64(250000), soldAt))
	mock.ExpectQuery(`FROM sale_items`).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "serial", "meter_type", "unit_price_cents", "returned"}).
			AddRow("sale-1", "SN-1", "split", int64(250000), false))
	mock.ExpectQuery(`FROM meter_replacements`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "batch_id", "old_serial", "new_serial", "reason", "replaced_by", "replaced_at"}))

	batch, duplicate, err := s.CreateSale(context.Background(), domain.SaleBatch{
		IdempotencyKey: "key-1",
		SoldBy:         "clerk",
		Items:          []domain.SaleItem{{Serial: "SN-1", UnitPriceCents: 250000}},
	})
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, "sale-1", batch.ID)
	require.Len(t, batch.Lines, 1)
	assert.Equal(t, 1, batch.Lines[0].Qty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAgentHoldingMetersConflicts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM agents WHERE id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("agent-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM meters WHERE agent_id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := s.DeleteAgent(context.Background(), "agent-1")
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Contains(t, err.Error(), "3 meters")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFaultyRejectsSoldMeter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM meters\s+WHERE serial = ANY\(\$1\)\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"serial", "meter_type", "state", "agent_id", "batch_id", "added_by", "added_at", "updated_at"}).
			AddRow("SN-1", "gas", "sold", "", "sale-1", "admin", now, now))
	mock.ExpectRollback()

	_, err := s.ReportFaulty(context.Background(), []string{"SN-1"}, "leaking", "clerk", now)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationReadUnknownID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM notifications WHERE id = \$1\)`).
		WithArgs("ntf-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.MarkNotificationRead(context.Background(), "admin", "ntf-missing", time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneNotificationsReportsDeletedRows(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM notifications WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	pruned, err := s.PruneNotifications(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 4, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMetersMatchesSerialPrefixLiterally(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`starts_with\(m.serial, \$4\)`).
		WithArgs("", "", "", "SN_1%", nil, 0).
		WillReturnRows(sqlmock.NewRows(meterRowColumns).
			AddRow("SN_1%A", "gas", "in_stock", "", "", "", "admin", now, now))

	meters, err := s.ListMeters(context.Background(), domain.MeterFilter{SerialPrefix: "sn_1%"})
	require.NoError(t, err)
	require.Len(t, meters, 1)
	assert.Equal(t, "SN_1%A", meters[0].Serial)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSerializationFailureMapsToConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM agents WHERE id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("agent-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM meters WHERE agent_id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`DELETE FROM agents WHERE id = \$1`).
		WithArgs("agent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	err := s.DeleteAgent(context.Background(), "agent-1")
	require.ErrorIs(t, err, store.ErrConflict)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignToAgentRejectsSoldMeter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT active FROM agents WHERE id = \$1 FOR SHARE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(true))
	mock.ExpectQuery(`FROM meters\s+WHERE serial = ANY\(\$1\)\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"serial", "meter_type", "state", "agent_id", "batch_id", "added_by", "added_at", "updated_at"}).
			AddRow("SN-1", "gas", "sold", "", "sale-1", "admin", now, now))
	mock.ExpectRollback()

	_, err := s.AssignToAgent(context.Background(), "agent-1", []string{"SN-1"}, "admin", "", now)
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}
