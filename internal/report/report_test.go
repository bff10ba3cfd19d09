package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/domain"
)

func sampleBatches() []domain.SaleBatch {
	soldAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	first := domain.SaleBatch{
		ID:             "batch-1",
		SoldBy:         "clerk",
		Recipient:      "Nairobi Water",
		CustomerType:   "government",
		CustomerCounty: "Nairobi",
		SoldAt:         soldAt,
		Items: []domain.SaleItem{
			{Serial: "W-1", Type: domain.MeterWater, UnitPriceCents: 150000},
			{Serial: "W-2", Type: domain.MeterWater, UnitPriceCents: 150000, Returned: true},
			{Serial: "G-1", Type: domain.MeterGas, UnitPriceCents: 90000},
		},
	}
	second := domain.SaleBatch{
		ID:             "batch-2",
		SoldBy:         "admin",
		AgentID:        "agent-1",
		Recipient:      "Jane",
		CustomerType:   "individual",
		CustomerCounty: "Mombasa",
		SoldAt:         soldAt.Add(time.Hour),
		Items: []domain.SaleItem{
			{Serial: "S-1", Type: domain.MeterSmart, UnitPriceCents: 400000},
		},
	}
	first.Recompute()
	second.Recompute()
	return []domain.SaleBatch{first, second}
}

func TestSummaryFillsEveryState(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.FixedZone("EAT", 3*3600))
	summary := Summary(SummaryInput{
		Counts: []domain.StateCount{
			{State: domain.StateInStock, Type: domain.MeterWater, Count: 5},
			{State: domain.StateInStock, Type: domain.MeterGas, Count: 2},
			{State: domain.StateSold, Type: domain.MeterWater, Count: 1},
		},
		TotalRevenue: 640000,
		Agents: []domain.AgentSummary{
			{Agent: domain.Agent{ID: "a1", Active: true}},
			{Agent: domain.Agent{ID: "a2", Active: false}},
		},
		OpenFaults: 4,
		Now:        now,
	})

	assert.Equal(t, 7, summary.ByState[domain.StateInStock])
	assert.Equal(t, 0, summary.ByState[domain.StateScrapped])
	assert.Len(t, summary.ByState, len(domain.MeterStates))
	assert.Equal(t, 2, summary.ByStateAndType[domain.StateInStock][domain.MeterGas])
	assert.Equal(t, 1, summary.ActiveAgents)
	assert.Equal(t, 4, summary.OpenFaultReports)
	assert.Equal(t, time.UTC, summary.GeneratedAt.Location())
}

func TestSalesExcludesReturnedItems(t *testing.T) {
	r := Sales(sampleBatches(), "2026-05-01", "2026-05-31")

	assert.Equal(t, 2, r.Batches)
	assert.Equal(t, 3, r.MetersSold)
	assert.Equal(t, 1, r.MetersReturned)
	assert.Equal(t, int64(640000), r.RevenueCents)
	assert.Equal(t, int64(213333), r.AverageUnitCents)

	require.Len(t, r.ByType, 3)
	assert.Equal(t, "smart", r.ByType[0].Key)
	assert.Equal(t, domain.BreakdownRow{Key: "water", Batches: 1, Meters: 1, TotalCents: 150000}, r.ByType[1])
	assert.Equal(t, "individual", r.ByCustomerType[0].Key)
	assert.Equal(t, "admin", r.BySeller[0].Key)
}

func TestSalesEmpty(t *testing.T) {
	r := Sales(nil, "", "")
	assert.Zero(t, r.AverageUnitCents)
	assert.Empty(t, r.ByType)
}

func TestAgentsReport(t *testing.T) {
	agents := []domain.AgentSummary{
		{Agent: domain.Agent{ID: "agent-1", Name: "Kamau"}, TotalMeters: 3},
		{Agent: domain.Agent{ID: "agent-2", Name: "Achieng"}},
	}
	txs := []domain.AgentTransaction{
		{AgentID: "agent-1", Kind: domain.AgentTxAssign, Count: 6},
		{AgentID: "agent-1", Kind: domain.AgentTxReturn, Count: 2},
		{AgentID: "agent-1", Kind: domain.AgentTxSale, Count: 1},
		{AgentID: "agent-9", Kind: domain.AgentTxAssign, Count: 4},
	}

	r := Agents(agents, txs, sampleBatches(), "", "")
	require.Len(t, r.Agents, 2)
	assert.Equal(t, domain.AgentReportRow{
		AgentID:      "agent-1",
		AgentName:    "Kamau",
		InInventory:  3,
		Assigned:     6,
		Returned:     2,
		Sold:         1,
		RevenueCents: 400000,
	}, r.Agents[0])
	assert.Equal(t, "Achieng", r.Agents[1].AgentName)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "1234.56", FormatCents(123456))
	assert.Equal(t, "0.05", FormatCents(5))
	assert.Equal(t, "-2.00", FormatCents(-200))
}

func TestWriteSalesCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSalesCSV(&buf, sampleBatches()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "batch_id", records[0][0])
	assert.Equal(t, []string{"batch-1", "water", "1", "1500.00"}, []string{records[2][0], records[2][9], records[2][10], records[2][11]})
}

func TestWriteMetersCSV(t *testing.T) {
	soldAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, WriteMetersCSV(&buf, []domain.MeterExportRow{
		{Serial: "W-1", Type: domain.MeterWater, State: domain.StateSold, BatchID: "batch-1", Recipient: "Acme, Ltd", SoldAt: &soldAt},
		{Serial: "W-2", Type: domain.MeterWater, State: domain.StateInStock},
	}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Acme, Ltd", records[1][5])
	assert.Equal(t, "2026-05-04T10:00:00Z", records[1][7])
	assert.Equal(t, "", records[2][7])
}
