package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"umspos/backend/internal/cache"
	"umspos/backend/internal/domain"
	"umspos/backend/internal/report"
	"umspos/backend/internal/store"
)

const dateLayout = "2006-01-02"

// Period is a UTC day range; To is exclusive.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) Labels() (string, string) {
	return p.From.Format(dateLayout), p.To.AddDate(0, 0, -1).Format(dateLayout)
}

// ParsePeriod reads inclusive YYYY-MM-DD bounds. Missing bounds default to
// the first day of the current month and today.
func ParsePeriod(from string, to string, now time.Time) (Period, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	p := Period{
		From: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		To:   today.AddDate(0, 0, 1),
	}

	if raw := strings.TrimSpace(from); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return Period{}, fmt.Errorf("%w: from must be YYYY-MM-DD", store.ErrInvalidRequest)
		}
		p.From = parsed
	}
	if raw := strings.TrimSpace(to); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return Period{}, fmt.Errorf("%w: to must be YYYY-MM-DD", store.ErrInvalidRequest)
		}
		p.To = parsed.AddDate(0, 0, 1)
	}
	if !p.From.Before(p.To) {
		return Period{}, fmt.Errorf("%w: from must not be after to", store.ErrInvalidRequest)
	}
	if p.To.Sub(p.From) > 366*24*time.Hour {
		return Period{}, fmt.Errorf("%w: period must not exceed one year", store.ErrInvalidRequest)
	}
	return p, nil
}

func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) DashboardSummary(ctx context.Context) (domain.DashboardSummary, error) {
	cached, ok, err := s.cache.Get(ctx, cache.DashboardKey)
	if err != nil {
		s.metrics.IncrExternalError("redis")
		s.logger.Warn("dashboard cache read failed", zap.Error(err))
	}
	if ok && cached != nil {
		s.metrics.IncrCacheHit("dashboard")
		return *cached, nil
	}
	s.metrics.IncrCacheMiss("dashboard")

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	counts, err := s.repo.CountMeters(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	_, totalRevenue, err := s.repo.SalesTotals(ctx, time.Time{}, time.Time{})
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	todayMeters, todayRevenue, err := s.repo.SalesTotals(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	openFaults, err := s.repo.CountFaultReports(ctx, domain.FaultStatusPending)
	if err != nil {
		return domain.DashboardSummary{}, err
	}

	summary := report.Summary(report.SummaryInput{
		Counts:          counts,
		TotalRevenue:    totalRevenue,
		TodayMetersSold: todayMeters,
		TodayRevenue:    todayRevenue,
		Agents:          agents,
		OpenFaults:      openFaults,
		Now:             now,
	})
	if err := s.cache.Set(ctx, cache.DashboardKey, &summary, s.opts.SummaryCacheTTL); err != nil {
		s.metrics.IncrExternalError("redis")
		s.logger.Warn("dashboard cache write failed", zap.Error(err))
	}
	return summary, nil
}

// SalesBatches returns every batch sold in the period, for reports and CSV.
func (s *Service) SalesBatches(ctx context.Context, p Period) ([]domain.SaleBatch, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleAccountant); err != nil {
		return nil, err
	}
	return s.repo.ListSaleBatches(ctx, domain.SaleFilter{From: p.From, To: p.To})
}

func (s *Service) SalesReport(ctx context.Context, p Period) (domain.SalesReport, error) {
	batches, err := s.SalesBatches(ctx, p)
	if err != nil {
		return domain.SalesReport{}, err
	}
	from, to := p.Labels()
	return report.Sales(batches, from, to), nil
}

func (s *Service) AgentReport(ctx context.Context, p Period) (domain.AgentReport, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleAccountant); err != nil {
		return domain.AgentReport{}, err
	}
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return domain.AgentReport{}, err
	}
	txs, err := s.repo.ListAgentTransactions(ctx, "", p.From, p.To, 0)
	if err != nil {
		return domain.AgentReport{}, err
	}
	batches, err := s.repo.ListSaleBatches(ctx, domain.SaleFilter{From: p.From, To: p.To})
	if err != nil {
		return domain.AgentReport{}, err
	}
	from, to := p.Labels()
	return report.Agents(agents, txs, batches, from, to), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, p Period, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, p.From, p.To, clampLimit(limit, 100, 1000))
}
