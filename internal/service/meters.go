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

func (s *Service) AddMeters(ctx context.Context, req domain.AddMetersRequest) (domain.AddMetersResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleUser)
	if err != nil {
		return domain.AddMetersResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.AddMetersResponse{}, err
	}
	meterType, err := domain.ParseMeterType(req.Type)
	if err != nil {
		return domain.AddMetersResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
	}
	serials, dupes := domain.NormalizeSerials(req.Serials)
	if len(dupes) > 0 {
		return domain.AddMetersResponse{}, fmt.Errorf("%w: serials repeated in request: %s", store.ErrConflict, strings.Join(dupes, ", "))
	}
	if len(serials) == 0 {
		return domain.AddMetersResponse{}, fmt.Errorf("%w: at least one serial is required", store.ErrInvalidRequest)
	}

	meters := make([]domain.Meter, 0, len(serials))
	for _, serial := range serials {
		meters = append(meters, domain.Meter{Serial: serial, Type: meterType, AddedBy: actor.Username})
	}
	now := s.now()
	if err := s.repo.AddMeters(ctx, meters, now); err != nil {
		return domain.AddMetersResponse{}, err
	}

	s.logAudit(ctx, "meters_add", "meter", string(meterType), fmt.Sprintf("count=%d", len(serials)))
	s.notify(ctx, domain.NotificationMetersAdded, "Meters added",
		fmt.Sprintf("%s added %d %s meters to stock", actor.Username, len(serials), meterType),
		map[string]string{"type": string(meterType), "count": strconv.Itoa(len(serials))},
	)
	s.applied(ctx, events.Transition{
		Kind:    domain.EventAdded,
		To:      domain.StateInStock,
		Serials: serials,
		Actor:   actor.Username,
		At:      now,
	})

	return domain.AddMetersResponse{Added: len(serials), Type: meterType}, nil
}

func (s *Service) ListMeters(ctx context.Context, filter domain.MeterFilter) ([]domain.Meter, error) {
	filter.SerialPrefix = domain.NormalizeSerial(filter.SerialPrefix)
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListMeters(ctx, filter)
}

// LookupMeter answers where a serial is and how it got there.
func (s *Service) LookupMeter(ctx context.Context, serial string) (domain.MeterLookupResponse, error) {
	serial = domain.NormalizeSerial(serial)
	if serial == "" {
		return domain.MeterLookupResponse{}, fmt.Errorf("%w: serial required", store.ErrInvalidRequest)
	}
	meter, err := s.repo.GetMeter(ctx, serial)
	if err != nil {
		return domain.MeterLookupResponse{}, err
	}
	history, err := s.repo.ListMeterEvents(ctx, serial)
	if err != nil {
		return domain.MeterLookupResponse{}, err
	}
	return domain.MeterLookupResponse{Meter: *meter, History: history}, nil
}

func (s *Service) RemoveMeter(ctx context.Context, serial string, req domain.RemoveMeterRequest) error {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return err
	}
	if err := s.validateRequest(req); err != nil {
		return err
	}
	serial = domain.NormalizeSerial(serial)
	now := s.now()
	if err := s.repo.RemoveMeter(ctx, serial, actor.Username, req.Reason, now); err != nil {
		return err
	}

	s.logAudit(ctx, "meter_remove", "meter", serial, "reason="+req.Reason)
	s.applied(ctx, events.Transition{
		Kind:    domain.EventRemoved,
		Serials: []string{serial},
		Actor:   actor.Username,
		At:      now,
	})
	return nil
}

func (s *Service) ExportMeters(ctx context.Context) ([]domain.MeterExportRow, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleAccountant); err != nil {
		return nil, err
	}
	return s.repo.ExportMeters(ctx)
}
