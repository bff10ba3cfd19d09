package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/events"
	"umspos/backend/internal/store"
)

func (s *Service) CreateAgent(ctx context.Context, req domain.AgentCreateRequest) (domain.Agent, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Agent{}, err
	}
	trimmed(&req.Name, &req.Phone, &req.Location, &req.County)
	if err := s.validateRequest(req); err != nil {
		return domain.Agent{}, err
	}

	created, err := s.repo.CreateAgent(ctx, domain.Agent{
		Name:      req.Name,
		Phone:     req.Phone,
		Location:  req.Location,
		County:    req.County,
		Active:    true,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Agent{}, err
	}

	s.logAudit(ctx, "agent_create", "agent", created.ID, fmt.Sprintf("name=%s,county=%s", created.Name, created.County))
	s.invalidateSummary(ctx)
	return *created, nil
}

func (s *Service) UpdateAgent(ctx context.Context, id string, req domain.AgentUpdateRequest) (domain.Agent, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Agent{}, err
	}
	trimmed(req.Name, req.Phone, req.Location, req.County)
	if err := s.validateRequest(req); err != nil {
		return domain.Agent{}, err
	}

	existing, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	updated := *existing
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Phone != nil {
		updated.Phone = *req.Phone
	}
	if req.Location != nil {
		updated.Location = *req.Location
	}
	if req.County != nil {
		updated.County = *req.County
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateAgent(ctx, updated)
	if err != nil {
		return domain.Agent{}, err
	}
	s.logAudit(ctx, "agent_update", "agent", id, fmt.Sprintf("name=%s,active=%t", saved.Name, saved.Active))
	s.invalidateSummary(ctx)
	return *saved, nil
}

func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteAgent(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "agent_delete", "agent", id, "")
	s.invalidateSummary(ctx)
	return nil
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.AgentSummary, error) {
	return s.repo.ListAgents(ctx)
}

// GetAgent returns the agent with the serials it currently holds.
func (s *Service) GetAgent(ctx context.Context, id string) (domain.AgentDetail, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return domain.AgentDetail{}, err
	}
	held, err := s.repo.ListMeters(ctx, domain.MeterFilter{State: domain.StateWithAgent, AgentID: id})
	if err != nil {
		return domain.AgentDetail{}, err
	}

	detail := domain.AgentDetail{
		AgentSummary: domain.AgentSummary{
			Agent:       *agent,
			TotalMeters: len(held),
			ByType:      make(map[domain.MeterType]int),
		},
		Serials: make([]string, 0, len(held)),
	}
	for _, m := range held {
		detail.ByType[m.Type]++
		detail.Serials = append(detail.Serials, m.Serial)
	}
	return detail, nil
}

func (s *Service) AssignMetersToAgent(ctx context.Context, agentID string, req domain.AgentMetersRequest) (domain.AgentTransferResponse, error) {
	return s.transfer(ctx, agentID, req, domain.AgentTxAssign)
}

func (s *Service) ReturnMetersFromAgent(ctx context.Context, agentID string, req domain.AgentMetersRequest) (domain.AgentTransferResponse, error) {
	return s.transfer(ctx, agentID, req, domain.AgentTxReturn)
}

func (s *Service) transfer(ctx context.Context, agentID string, req domain.AgentMetersRequest, kind string) (domain.AgentTransferResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleUser)
	if err != nil {
		return domain.AgentTransferResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.AgentTransferResponse{}, err
	}
	serials, err := normalizeSerials(req.Serials)
	if err != nil {
		return domain.AgentTransferResponse{}, err
	}

	now := s.now()
	move := s.repo.AssignToAgent
	event, to, notification, verb := domain.EventAssigned, domain.StateWithAgent, domain.NotificationAgentAssign, "assigned to"
	if kind == domain.AgentTxReturn {
		move = s.repo.ReturnFromAgent
		event, to, notification, verb = domain.EventAgentReturned, domain.StateInStock, domain.NotificationAgentReturn, "returned by"
	}

	tx, err := move(ctx, agentID, serials, actor.Username, req.Note, now)
	if err != nil {
		return domain.AgentTransferResponse{}, err
	}

	agentName := agentID
	if agent, err := s.repo.GetAgent(ctx, agentID); err == nil {
		agentName = agent.Name
	}
	s.logAudit(ctx, "agent_"+kind, "agent", agentID, fmt.Sprintf("count=%d,note=%s", tx.Count, req.Note))
	s.notify(ctx, notification, "Agent inventory updated",
		fmt.Sprintf("%d meters %s %s", tx.Count, verb, agentName),
		map[string]string{"agent_id": agentID, "count": strconv.Itoa(tx.Count), "transaction_id": tx.ID},
	)
	s.applied(ctx, events.Transition{
		Kind:    event,
		To:      to,
		Serials: serials,
		AgentID: agentID,
		Actor:   actor.Username,
		At:      now,
	})

	return domain.AgentTransferResponse{Transaction: *tx}, nil
}

func (s *Service) ListAgentTransactions(ctx context.Context, agentID string, from time.Time, to time.Time, limit int) ([]domain.AgentTransaction, error) {
	if agentID != "" {
		if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", store.ErrInvalidRequest)
	}
	return s.repo.ListAgentTransactions(ctx, agentID, from, to, clampLimit(limit, 200, 2000))
}
