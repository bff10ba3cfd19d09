package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/events"
	"umspos/backend/internal/store"
)

func (s *Service) ReportFaulty(ctx context.Context, req domain.ReportFaultyRequest) (domain.ReportFaultyResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleUser)
	if err != nil {
		return domain.ReportFaultyResponse{}, err
	}
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validateRequest(req); err != nil {
		return domain.ReportFaultyResponse{}, err
	}
	serials, err := normalizeSerials(req.Serials)
	if err != nil {
		return domain.ReportFaultyResponse{}, err
	}

	now := s.now()
	reports, err := s.repo.ReportFaulty(ctx, serials, req.Description, actor.Username, now)
	if err != nil {
		return domain.ReportFaultyResponse{}, err
	}

	s.logAudit(ctx, "meter_faulty", "meter", strings.Join(serials, ","), "description="+req.Description)
	s.notify(ctx, domain.NotificationFaulty, "Faulty meters reported",
		fmt.Sprintf("%s reported %d faulty meters: %s", actor.Username, len(serials), req.Description),
		map[string]string{"count": strconv.Itoa(len(serials)), "serials": strings.Join(serials, ",")},
	)
	s.applied(ctx, events.Transition{
		Kind:    domain.EventReportedFaulty,
		To:      domain.StateFaulty,
		Serials: serials,
		Actor:   actor.Username,
		At:      now,
	})

	return domain.ReportFaultyResponse{Reports: reports}, nil
}

func (s *Service) ListFaultReports(ctx context.Context, status string, limit int) ([]domain.FaultReport, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.FaultStatusPending, domain.FaultStatusRepaired, domain.FaultStatusUnrepairable:
	default:
		return nil, fmt.Errorf("%w: unknown fault status %q", store.ErrInvalidRequest, status)
	}
	return s.repo.ListFaultReports(ctx, status, clampLimit(limit, 100, 1000))
}

func (s *Service) ResolveFault(ctx context.Context, id string, req domain.ResolveFaultRequest) (domain.FaultReport, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.FaultReport{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.FaultReport{}, err
	}

	now := s.now()
	resolved, err := s.repo.ResolveFault(ctx, id, req.Outcome, actor.Username, now)
	if err != nil {
		return domain.FaultReport{}, err
	}

	kind, to := domain.EventRepaired, domain.StateInStock
	if req.Outcome == domain.FaultStatusUnrepairable {
		kind, to = domain.EventScrapped, domain.StateScrapped
	}
	s.logAudit(ctx, "fault_resolve", "fault_report", id, fmt.Sprintf("serial=%s,outcome=%s", resolved.Serial, req.Outcome))
	s.notify(ctx, domain.NotificationFaultResolved, "Fault resolved",
		fmt.Sprintf("%s marked %s", resolved.Serial, req.Outcome),
		map[string]string{"report_id": id, "serial": resolved.Serial, "outcome": req.Outcome},
	)
	s.applied(ctx, events.Transition{
		Kind:    kind,
		To:      to,
		Serials: []string{resolved.Serial},
		Actor:   actor.Username,
		At:      now,
	})

	return *resolved, nil
}
