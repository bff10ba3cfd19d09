package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

func (s *Service) ListNotifications(ctx context.Context, unreadOnly bool, limit int) (domain.NotificationListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.NotificationListResponse{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	list, err := s.repo.ListNotifications(ctx, actor.Username, unreadOnly, clampLimit(limit, 50, 500))
	if err != nil {
		return domain.NotificationListResponse{}, err
	}
	unread, err := s.repo.CountUnreadNotifications(ctx, actor.Username)
	if err != nil {
		return domain.NotificationListResponse{}, err
	}
	return domain.NotificationListResponse{Notifications: list, Unread: unread}, nil
}

func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	return s.repo.CountUnreadNotifications(ctx, actor.Username)
}

func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	return s.repo.MarkNotificationRead(ctx, actor.Username, id, s.now())
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	return s.repo.MarkAllNotificationsRead(ctx, actor.Username, s.now())
}

// PruneNotifications drops notifications older than the retention window.
func (s *Service) PruneNotifications(ctx context.Context) (int, error) {
	return s.repo.PruneNotifications(ctx, s.now().Add(-s.opts.NotificationRetention))
}

// CheckLowStock refreshes the in-stock gauges and raises one notification
// listing every type below the threshold.
func (s *Service) CheckLowStock(ctx context.Context) error {
	counts, err := s.repo.CountMeters(ctx)
	if err != nil {
		return err
	}
	inStock := make(map[domain.MeterType]int, len(domain.MeterTypes))
	for _, c := range counts {
		if c.State == domain.StateInStock {
			inStock[c.Type] += c.Count
		}
	}

	var low []string
	metadata := map[string]string{"threshold": strconv.Itoa(s.opts.LowStockThreshold)}
	for _, meterType := range domain.MeterTypes {
		count := inStock[meterType]
		s.metrics.SetInStock(string(meterType), count)
		if s.opts.LowStockThreshold > 0 && count < s.opts.LowStockThreshold {
			low = append(low, fmt.Sprintf("%s (%d)", meterType, count))
			metadata[string(meterType)] = strconv.Itoa(count)
		}
	}
	if len(low) == 0 {
		return nil
	}

	s.logger.Info("low stock detected", zap.Strings("types", low))
	s.notify(ctx, domain.NotificationLowStock, "Low stock",
		fmt.Sprintf("Below %d in stock: %s", s.opts.LowStockThreshold, strings.Join(low, ", ")),
		metadata,
	)
	return nil
}
