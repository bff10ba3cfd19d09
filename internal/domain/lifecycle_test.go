package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from MeterState
		to   MeterState
		want bool
	}{
		{StateInStock, StateWithAgent, true},
		{StateInStock, StateSold, true},
		{StateWithAgent, StateSold, true},
		{StateWithAgent, StateInStock, true},
		{StateSold, StateInStock, true},
		{StateSold, StateFaulty, true},
		{StateFaulty, StateInStock, true},
		{StateFaulty, StateScrapped, true},
		{StateSold, StateWithAgent, false},
		{StateScrapped, StateInStock, false},
		{StateFaulty, StateSold, false},
		{StateInStock, StateScrapped, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidateTransitionWrapsSentinel(t *testing.T) {
	err := ValidateTransition("SN-1", StateSold, StateWithAgent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Contains(t, err.Error(), "SN-1")
}

func TestParseMeterType(t *testing.T) {
	got, err := ParseMeterType(" Three Phase ")
	require.NoError(t, err)
	assert.Equal(t, MeterThreePhase, got)

	got, err = ParseMeterType("3 phase")
	require.NoError(t, err)
	assert.Equal(t, MeterThreePhase, got)

	_, err = ParseMeterType("nuclear")
	assert.Error(t, err)
}

func TestNormalizeSerialsReportsDuplicates(t *testing.T) {
	normalized, dupes := NormalizeSerials([]string{" sn-1", "SN-2", "sn-1 ", "", "sn-3"})
	assert.Equal(t, []string{"SN-1", "SN-2", "SN-3"}, normalized)
	assert.Equal(t, []string{"SN-1"}, dupes)
}

func TestSaleBatchRecomputeSkipsReturned(t *testing.T) {
	batch := SaleBatch{Items: []SaleItem{
		{Serial: "W-1", Type: MeterWater, UnitPriceCents: 1000},
		{Serial: "I-1", Type: MeterIntegrated, UnitPriceCents: 2500},
		{Serial: "W-2", Type: MeterWater, UnitPriceCents: 1200, Returned: true},
		{Serial: "W-3", Type: MeterWater, UnitPriceCents: 1100},
	}}
	batch.Recompute()

	assert.Equal(t, 3, batch.MeterCount)
	assert.Equal(t, int64(4600), batch.TotalCents)
	assert.Equal(t, []SaleLine{
		{Type: MeterIntegrated, Qty: 1, TotalCents: 2500},
		{Type: MeterWater, Qty: 2, TotalCents: 2100},
	}, batch.Lines)
	assert.True(t, batch.HasType(MeterWater))
	assert.False(t, batch.HasType(MeterGas))
	assert.Equal(t, map[MeterType]int{MeterWater: 3, MeterIntegrated: 1}, CountByType(batch.Items))
}
