// Package report aggregates sale batches, agents and meter counts into the
// dashboard and period reports.
package report

import (
	"cmp"
	"slices"
	"time"

	"umspos/backend/internal/domain"
)

type SummaryInput struct {
	Counts          []domain.StateCount
	TotalRevenue    int64
	TodayMetersSold int
	TodayRevenue    int64
	Agents          []domain.AgentSummary
	OpenFaults      int
	Now             time.Time
}

func Summary(in SummaryInput) domain.DashboardSummary {
	summary := domain.DashboardSummary{
		ByState:          make(map[domain.MeterState]int, len(domain.MeterStates)),
		ByStateAndType:   make(map[domain.MeterState]map[domain.MeterType]int, len(domain.MeterStates)),
		TotalRevenue:     in.TotalRevenue,
		TodayRevenue:     in.TodayRevenue,
		TodayMetersSold:  in.TodayMetersSold,
		OpenFaultReports: in.OpenFaults,
		GeneratedAt:      in.Now.UTC(),
	}
	for _, state := range domain.MeterStates {
		summary.ByState[state] = 0
		summary.ByStateAndType[state] = make(map[domain.MeterType]int)
	}
	for _, c := range in.Counts {
		summary.ByState[c.State] += c.Count
		if summary.ByStateAndType[c.State] == nil {
			summary.ByStateAndType[c.State] = make(map[domain.MeterType]int)
		}
		summary.ByStateAndType[c.State][c.Type] += c.Count
	}
	for _, a := range in.Agents {
		if a.Active {
			summary.ActiveAgents++
		}
	}
	return summary
}

type breakdown map[string]*domain.BreakdownRow

func (b breakdown) add(key string, batches int, meters int, cents int64) {
	if key == "" {
		key = "unspecified"
	}
	row, ok := b[key]
	if !ok {
		row = &domain.BreakdownRow{Key: key}
		b[key] = row
	}
	row.Batches += batches
	row.Meters += meters
	row.TotalCents += cents
}

// rows orders by revenue, highest first, then by key.
func (b breakdown) rows() []domain.BreakdownRow {
	out := make([]domain.BreakdownRow, 0, len(b))
	for _, row := range b {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(x, y domain.BreakdownRow) int {
		if c := cmp.Compare(y.TotalCents, x.TotalCents); c != 0 {
			return c
		}
		return cmp.Compare(x.Key, y.Key)
	})
	return out
}

// Sales builds the period report. Returned items are excluded from the
// totals and counted separately.
func Sales(batches []domain.SaleBatch, from string, to string) domain.SalesReport {
	byType, byCustomer, byCounty, bySeller := breakdown{}, breakdown{}, breakdown{}, breakdown{}
	report := domain.SalesReport{From: from, To: to}

	for _, b := range batches {
		report.Batches++
		report.MetersSold += b.MeterCount
		report.RevenueCents += b.TotalCents
		for _, item := range b.Items {
			if item.Returned {
				report.MetersReturned++
			}
		}
		for _, line := range b.Lines {
			byType.add(string(line.Type), 1, line.Qty, line.TotalCents)
		}
		byCustomer.add(b.CustomerType, 1, b.MeterCount, b.TotalCents)
		byCounty.add(b.CustomerCounty, 1, b.MeterCount, b.TotalCents)
		bySeller.add(b.SoldBy, 1, b.MeterCount, b.TotalCents)
	}
	if report.MetersSold > 0 {
		report.AverageUnitCents = report.RevenueCents / int64(report.MetersSold)
	}

	report.ByType = byType.rows()
	report.ByCustomerType = byCustomer.rows()
	report.ByCounty = byCounty.rows()
	report.BySeller = bySeller.rows()
	return report
}

// Agents reports per-agent activity in range. Sold counts come from the
// agent's batches so later returns are reflected.
func Agents(agents []domain.AgentSummary, txs []domain.AgentTransaction, batches []domain.SaleBatch, from string, to string) domain.AgentReport {
	rows := make([]domain.AgentReportRow, 0, len(agents))
	index := make(map[string]int, len(agents))
	for _, a := range agents {
		index[a.ID] = len(rows)
		rows = append(rows, domain.AgentReportRow{
			AgentID:     a.ID,
			AgentName:   a.Name,
			InInventory: a.TotalMeters,
		})
	}

	for _, tx := range txs {
		i, ok := index[tx.AgentID]
		if !ok {
			continue
		}
		switch tx.Kind {
		case domain.AgentTxAssign:
			rows[i].Assigned += tx.Count
		case domain.AgentTxReturn:
			rows[i].Returned += tx.Count
		}
	}
	for _, b := range batches {
		i, ok := index[b.AgentID]
		if !ok {
			continue
		}
		rows[i].Sold += b.MeterCount
		rows[i].RevenueCents += b.TotalCents
	}

	slices.SortFunc(rows, func(x, y domain.AgentReportRow) int {
		if c := cmp.Compare(y.RevenueCents, x.RevenueCents); c != 0 {
			return c
		}
		return cmp.Compare(x.AgentName, y.AgentName)
	})
	return domain.AgentReport{From: from, To: to, Agents: rows}
}
