package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

// openIntegrationStore migrates and opens the database named by
// UMSPOS_TEST_DATABASE_URL, skipping the test when it is unset.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("UMSPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set UMSPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	migrator, err := NewMigrator(databaseURL, nil)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	s, err := New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMeterLifecycleAgainstPostgres(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	first := fmt.Sprintf("IT-%d-1", stamp)
	second := fmt.Sprintf("IT-%d-2", stamp)
	key := fmt.Sprintf("idem-it-%d", stamp)
	now := time.Now().UTC().Truncate(time.Microsecond)

	var batchID string
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fault_reports WHERE serial = ANY($1)`, []string{first, second})
		_, _ = s.db.ExecContext(ctx, `DELETE FROM meter_events WHERE serial = ANY($1)`, []string{first, second})
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_batches WHERE id = $1`, batchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM meters WHERE serial = ANY($1)`, []string{first, second})
	})

	require.NoError(t, s.AddMeters(ctx, []domain.Meter{
		{Serial: first, Type: domain.MeterWater, AddedBy: "it"},
		{Serial: second, Type: domain.MeterWater, AddedBy: "it"},
	}, now))

	batch, duplicate, err := s.CreateSale(ctx, domain.SaleBatch{
		IdempotencyKey: key,
		SoldBy:         "it",
		Recipient:      "Integration Utility",
		CustomerType:   "private",
		SoldAt:         now,
		Items:          []domain.SaleItem{{Serial: first, UnitPriceCents: 120000}},
	})
	require.NoError(t, err)
	require.False(t, duplicate)
	batchID = batch.ID

	again, duplicate, err := s.CreateSale(ctx, domain.SaleBatch{
		IdempotencyKey: key,
		SoldBy:         "it",
		Items:          []domain.SaleItem{{Serial: first, UnitPriceCents: 120000}},
	})
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, batch.ID, again.ID)

	_, report, err := s.ReplaceMeter(ctx, domain.MeterReplacement{
		BatchID:    batch.ID,
		OldSerial:  first,
		NewSerial:  second,
		Reason:     "no display",
		ReplacedBy: "it",
		ReplacedAt: now.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, first, report.Serial)

	oldMeter, err := s.GetMeter(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFaulty, oldMeter.State)

	resolved, err := s.ResolveFault(ctx, report.ID, domain.FaultStatusUnrepairable, "it", now)
	require.NoError(t, err)
	assert.Equal(t, domain.FaultStatusUnrepairable, resolved.Status)

	_, _, err = s.ReturnSold(ctx, batch.ID, []string{first}, domain.ReturnConditionGood, "gone", "it", now)
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	updated, _, err := s.ReturnSold(ctx, batch.ID, []string{second}, domain.ReturnConditionGood, "customer cancelled", "it", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, updated.MeterCount)
	assert.Equal(t, int64(0), updated.TotalCents)

	history, err := s.ListMeterEvents(ctx, second)
	require.NoError(t, err)
	kinds := make([]domain.EventKind, 0, len(history))
	for _, e := range history {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.EventKind{domain.EventAdded, domain.EventReplacementOut, domain.EventReturned}, kinds)
}

func TestReturnSerialReusedAsReplacementAgainstPostgres(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	first := fmt.Sprintf("IT-%d-A", stamp)
	second := fmt.Sprintf("IT-%d-B", stamp)
	now := time.Now().UTC().Truncate(time.Microsecond)

	var batchID string
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fault_reports WHERE serial = ANY($1)`, []string{first, second})
		_, _ = s.db.ExecContext(ctx, `DELETE FROM meter_events WHERE serial = ANY($1)`, []string{first, second})
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_batches WHERE id = $1`, batchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM meters WHERE serial = ANY($1)`, []string{first, second})
	})

	require.NoError(t, s.AddMeters(ctx, []domain.Meter{
		{Serial: first, Type: domain.MeterWater, AddedBy: "it"},
		{Serial: second, Type: domain.MeterWater, AddedBy: "it"},
	}, now))

	batch, _, err := s.CreateSale(ctx, domain.SaleBatch{
		IdempotencyKey: fmt.Sprintf("idem-reuse-%d", stamp),
		SoldBy:         "it",
		SoldAt:         now,
		Items: []domain.SaleItem{
			{Serial: first, UnitPriceCents: 120000},
			{Serial: second, UnitPriceCents: 120000},
		},
	})
	require.NoError(t, err)
	batchID = batch.ID

	_, _, err = s.ReturnSold(ctx, batch.ID, []string{second}, domain.ReturnConditionGood, "surplus", "it", now.Add(time.Second))
	require.NoError(t, err)

	_, _, err = s.ReplaceMeter(ctx, domain.MeterReplacement{
		BatchID:    batch.ID,
		OldSerial:  first,
		NewSerial:  second,
		Reason:     "no display",
		ReplacedBy: "it",
		ReplacedAt: now.Add(2 * time.Second),
	})
	require.NoError(t, err)

	updated, _, err := s.ReturnSold(ctx, batch.ID, []string{second}, domain.ReturnConditionGood, "customer cancelled", "it", now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, updated.MeterCount)

	meter, err := s.GetMeter(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInStock, meter.State)

	_, err = s.ReportFaulty(ctx, []string{first}, "double report", "it", now)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}
