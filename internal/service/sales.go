package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/events"
	"umspos/backend/internal/report"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

// SellMeters sells in-stock meters as one batch.
func (s *Service) SellMeters(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	return s.sell(ctx, "", req)
}

// RecordAgentSale sells meters currently held by the agent.
func (s *Service) RecordAgentSale(ctx context.Context, agentID string, req domain.SaleRequest) (domain.SaleResponse, error) {
	if agentID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: agent id required", store.ErrInvalidRequest)
	}
	return s.sell(ctx, agentID, req)
}

func (s *Service) sell(ctx context.Context, agentID string, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleUser)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	trimmed(&req.IdempotencyKey, &req.Recipient, &req.Destination, &req.CustomerCounty, &req.CustomerContact)
	if err := s.validateRequest(req); err != nil {
		return domain.SaleResponse{}, err
	}

	// A replayed key returns the original batch before any stock checks.
	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return replayedSale(actor, existing)
	}

	raw := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		raw = append(raw, item.Serial)
	}
	if _, err := normalizeSerials(raw); err != nil {
		return domain.SaleResponse{}, err
	}

	now := s.now()
	soldAt := now
	if req.SaleDate != nil && !req.SaleDate.IsZero() {
		soldAt = req.SaleDate.UTC()
		if soldAt.After(now) {
			return domain.SaleResponse{}, fmt.Errorf("%w: sale date is in the future", store.ErrInvalidRequest)
		}
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.SaleItem{
			Serial:         domain.NormalizeSerial(item.Serial),
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	batch, duplicate, err := s.repo.CreateSale(ctx, domain.SaleBatch{
		ID:              xid.New("sale"),
		IdempotencyKey:  req.IdempotencyKey,
		SoldBy:          actor.Username,
		AgentID:         agentID,
		Recipient:       req.Recipient,
		Destination:     req.Destination,
		CustomerType:    req.CustomerType,
		CustomerCounty:  req.CustomerCounty,
		CustomerContact: req.CustomerContact,
		SoldAt:          soldAt,
		Items:           items,
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if duplicate {
		return replayedSale(actor, batch)
	}

	kind := domain.EventSold
	title := "Meters sold"
	if agentID != "" {
		kind = domain.EventAgentSold
		title = "Agent sale recorded"
	}
	serials := make([]string, 0, len(batch.Items))
	for _, item := range batch.Items {
		serials = append(serials, item.Serial)
	}

	s.metrics.RecordSale(batch.MeterCount, batch.TotalCents)
	s.logAudit(ctx, "sale_create", "sale_batch", batch.ID,
		fmt.Sprintf("meters=%d,total=%d,agent=%s,recipient=%s", batch.MeterCount, batch.TotalCents, agentID, batch.Recipient))
	s.notify(ctx, domain.NotificationSale, title,
		fmt.Sprintf("%s sold %d meters to %s for %s", actor.Username, batch.MeterCount, batch.Recipient, report.FormatCents(batch.TotalCents)),
		map[string]string{"batch_id": batch.ID, "count": strconv.Itoa(batch.MeterCount), "agent_id": agentID},
	)
	s.applied(ctx, events.Transition{
		Kind:    kind,
		To:      domain.StateSold,
		Serials: serials,
		BatchID: batch.ID,
		AgentID: agentID,
		Actor:   actor.Username,
		At:      batch.SoldAt,
	})

	return domain.SaleResponse{Batch: *batch}, nil
}

// ListSaleBatches lists batches; the user role only sees its own sales.
func (s *Service) ListSaleBatches(ctx context.Context, filter domain.SaleFilter) (domain.SaleBatchListResponse, error) {
	actor := actorOrSystem(ctx)
	if actor.Role == domain.RoleUser {
		filter.SoldBy = actor.Username
	}
	filter.Limit = clampLimit(filter.Limit, 200, 2000)
	batches, err := s.repo.ListSaleBatches(ctx, filter)
	if err != nil {
		return domain.SaleBatchListResponse{}, err
	}
	return domain.SaleBatchListResponse{Batches: batches}, nil
}

// replayedSale answers a repeated idempotency key. Users only get their own
// batch back; a key reused across users is refused, not leaked.
func replayedSale(actor domain.Actor, batch *domain.SaleBatch) (domain.SaleResponse, error) {
	if actor.Role == domain.RoleUser && batch.SoldBy != actor.Username {
		return domain.SaleResponse{}, fmt.Errorf("%w: idempotency key belongs to another user's sale", store.ErrForbidden)
	}
	return domain.SaleResponse{Batch: *batch, Duplicate: true}, nil
}

// knownBatchID rejects ids that New could never have produced without a
// repository round trip.
func knownBatchID(id string) error {
	if !xid.Valid("sale", id) {
		return fmt.Errorf("sale batch %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Service) GetSaleBatch(ctx context.Context, id string) (domain.SaleBatch, error) {
	if err := knownBatchID(id); err != nil {
		return domain.SaleBatch{}, err
	}
	batch, err := s.repo.GetSaleBatch(ctx, id)
	if err != nil {
		return domain.SaleBatch{}, err
	}
	actor := actorOrSystem(ctx)
	if actor.Role == domain.RoleUser && batch.SoldBy != actor.Username {
		return domain.SaleBatch{}, fmt.Errorf("%w: batch %s was sold by another user", store.ErrForbidden, id)
	}
	return *batch, nil
}

func (s *Service) ReturnSoldMeters(ctx context.Context, batchID string, req domain.ReturnSoldRequest) (domain.ReturnSoldResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.ReturnSoldResponse{}, err
	}
	if err := knownBatchID(batchID); err != nil {
		return domain.ReturnSoldResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.ReturnSoldResponse{}, err
	}
	serials, err := normalizeSerials(req.Serials)
	if err != nil {
		return domain.ReturnSoldResponse{}, err
	}

	now := s.now()
	batch, reports, err := s.repo.ReturnSold(ctx, batchID, serials, req.Condition, req.Reason, actor.Username, now)
	if err != nil {
		return domain.ReturnSoldResponse{}, err
	}

	to := domain.StateInStock
	if req.Condition == domain.ReturnConditionFaulty {
		to = domain.StateFaulty
	}
	s.logAudit(ctx, "sale_return", "sale_batch", batchID,
		fmt.Sprintf("serials=%d,condition=%s,reason=%s", len(serials), req.Condition, req.Reason))
	s.notify(ctx, domain.NotificationSaleReturn, "Sold meters returned",
		fmt.Sprintf("%d meters returned from batch %s (%s)", len(serials), batchID, req.Condition),
		map[string]string{"batch_id": batchID, "count": strconv.Itoa(len(serials)), "condition": req.Condition},
	)
	if len(reports) > 0 {
		s.logger.Info("fault reports opened for returned meters", zap.String("batch_id", batchID), zap.Int("reports", len(reports)))
	}
	s.applied(ctx, events.Transition{
		Kind:    domain.EventReturned,
		To:      to,
		Serials: serials,
		BatchID: batchID,
		Actor:   actor.Username,
		At:      now,
	})

	return domain.ReturnSoldResponse{Batch: *batch, Returned: len(serials)}, nil
}

func (s *Service) ReplaceMeter(ctx context.Context, batchID string, req domain.ReplaceMeterRequest) (domain.ReplaceMeterResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.ReplaceMeterResponse{}, err
	}
	if err := knownBatchID(batchID); err != nil {
		return domain.ReplaceMeterResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.ReplaceMeterResponse{}, err
	}
	oldSerial := domain.NormalizeSerial(req.OldSerial)
	newSerial := domain.NormalizeSerial(req.NewSerial)
	if oldSerial == newSerial {
		return domain.ReplaceMeterResponse{}, fmt.Errorf("%w: a meter cannot replace itself", store.ErrInvalidRequest)
	}

	now := s.now()
	replacement, fault, err := s.repo.ReplaceMeter(ctx, domain.MeterReplacement{
		ID:         xid.New("rep"),
		BatchID:    batchID,
		OldSerial:  oldSerial,
		NewSerial:  newSerial,
		Reason:     req.Reason,
		ReplacedBy: actor.Username,
		ReplacedAt: now,
	})
	if err != nil {
		return domain.ReplaceMeterResponse{}, err
	}

	s.logAudit(ctx, "meter_replace", "sale_batch", batchID,
		fmt.Sprintf("old=%s,new=%s,reason=%s", oldSerial, newSerial, req.Reason))
	s.notify(ctx, domain.NotificationReplacement, "Meter replaced",
		fmt.Sprintf("%s replaced by %s in batch %s", oldSerial, newSerial, batchID),
		map[string]string{"batch_id": batchID, "old_serial": oldSerial, "new_serial": newSerial},
	)
	s.applied(ctx, events.Transition{Kind: domain.EventReplaced, To: domain.StateFaulty, Serials: []string{oldSerial}, BatchID: batchID, Actor: actor.Username, At: now})
	s.applied(ctx, events.Transition{Kind: domain.EventReplacementOut, To: domain.StateSold, Serials: []string{newSerial}, BatchID: batchID, Actor: actor.Username, At: now})

	return domain.ReplaceMeterResponse{Replacement: *replacement, FaultReport: *fault}, nil
}
