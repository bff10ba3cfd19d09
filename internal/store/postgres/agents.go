package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

func (s *Store) CreateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	if agent.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if agent.ID == "" {
		agent.ID = xid.New("agent")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, phone, location, county, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, agent.ID, agent.Name, agent.Phone, agent.Location, agent.County, agent.Active, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := agent
	return &created, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, location, county, active, created_at
		FROM agents
		WHERE id = $1
	`, id).Scan(&agent.ID, &agent.Name, &agent.Phone, &agent.Location, &agent.County, &agent.Active, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	return &agent, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE agents
		SET name = $2, phone = $3, location = $4, county = $5, active = $6
		WHERE id = $1
		RETURNING created_at
	`, agent.ID, agent.Name, agent.Phone, agent.Location, agent.County, agent.Active).Scan(&agent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	updated := agent
	return &updated, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		var held int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM meters WHERE agent_id = $1`, id).Scan(&held); err != nil {
			return err
		}
		if held > 0 {
			return fmt.Errorf("%w: agent still holds %d meters", store.ErrConflict, held)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
		return err
	})
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.phone, a.location, a.county, a.active, a.created_at,
			m.meter_type, COUNT(m.serial)
		FROM agents a
		LEFT JOIN meters m ON m.agent_id = a.id AND m.state = 'with_agent'
		GROUP BY a.id, m.meter_type
		ORDER BY a.name, a.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.AgentSummary, 0, 16)
	index := make(map[string]int)
	for rows.Next() {
		var agent domain.Agent
		var meterType sql.NullString
		var count int
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Phone, &agent.Location, &agent.County, &agent.Active, &agent.CreatedAt, &meterType, &count); err != nil {
			return nil, err
		}
		i, ok := index[agent.ID]
		if !ok {
			agent.CreatedAt = agent.CreatedAt.UTC()
			summaries = append(summaries, domain.AgentSummary{Agent: agent, ByType: map[domain.MeterType]int{}})
			i = len(summaries) - 1
			index[agent.ID] = i
		}
		if meterType.Valid && count > 0 {
			summaries[i].ByType[domain.MeterType(meterType.String)] = count
			summaries[i].TotalMeters += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Store) AssignToAgent(ctx context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error) {
	return s.transferAgent(ctx, agentID, serials, actor, note, at, domain.AgentTxAssign)
}

func (s *Store) ReturnFromAgent(ctx context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error) {
	return s.transferAgent(ctx, agentID, serials, actor, note, at, domain.AgentTxReturn)
}

func (s *Store) transferAgent(ctx context.Context, agentID string, serials []string, actor string, note string, at time.Time, kind string) (*domain.AgentTransaction, error) {
	if len(serials) == 0 {
		return nil, store.ErrInvalidRequest
	}

	from, to, event := domain.StateInStock, domain.StateWithAgent, domain.EventAssigned
	holder := agentID
	if kind == domain.AgentTxReturn {
		from, to, event = domain.StateWithAgent, domain.StateInStock, domain.EventAgentReturned
		holder = ""
	}

	var result domain.AgentTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM agents WHERE id = $1 FOR SHARE`, agentID).Scan(&active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
			}
			return err
		}
		if kind == domain.AgentTxAssign && !active {
			return fmt.Errorf("%w: agent %s is inactive", store.ErrInvalidRequest, agentID)
		}

		meters, err := lockMeters(ctx, tx, serials)
		if err != nil {
			return err
		}
		moving := make([]domain.Meter, 0, len(serials))
		items := make([]domain.SaleItem, 0, len(serials))
		for _, serial := range serials {
			meter := meters[serial]
			if err := checkMove(meter, to); err != nil {
				return err
			}
			if meter.State != from {
				return fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, serial, meter.State, from)
			}
			if kind == domain.AgentTxReturn && meter.AgentID != agentID {
				return fmt.Errorf("%w: %s is not held by agent %s", store.ErrInvalidTransition, serial, agentID)
			}
			moving = append(moving, meter)
			items = append(items, domain.SaleItem{Serial: serial, Type: meter.Type})
		}

		if err := moveMeters(ctx, tx, serials, to, holder, "", at); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, transitionEvents(moving, event, to, agentID, "", actor, note, at)); err != nil {
			return err
		}

		result = domain.AgentTransaction{
			ID:        xid.New("atx"),
			AgentID:   agentID,
			Kind:      kind,
			Count:     len(items),
			ByType:    domain.CountByType(items),
			Actor:     actor,
			Note:      note,
			CreatedAt: at,
		}
		return insertAgentTransaction(ctx, tx, result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) ListAgentTransactions(ctx context.Context, agentID string, from time.Time, to time.Time, limit int) ([]domain.AgentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, count, by_type, batch_id, actor, note, created_at
		FROM agent_transactions
		WHERE ($1 = '' OR agent_id = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, agentID, nullTimeIfZero(from), nullTimeIfZero(to), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.AgentTransaction, 0, 32)
	for rows.Next() {
		var tx domain.AgentTransaction
		var byType []byte
		if err := rows.Scan(&tx.ID, &tx.AgentID, &tx.Kind, &tx.Count, &byType, &tx.BatchID, &tx.Actor, &tx.Note, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.ByType = map[domain.MeterType]int{}
		if len(byType) > 0 {
			if err := json.Unmarshal(byType, &tx.ByType); err != nil {
				return nil, err
			}
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}
