package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

const meterColumns = `
	m.serial, m.meter_type, m.state, COALESCE(m.agent_id,''), COALESCE(a.name,''),
	COALESCE(m.batch_id,''), m.added_by, m.added_at, m.updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeter(row rowScanner) (domain.Meter, error) {
	var m domain.Meter
	err := row.Scan(&m.Serial, &m.Type, &m.State, &m.AgentID, &m.AgentName, &m.BatchID, &m.AddedBy, &m.AddedAt, &m.UpdatedAt)
	m.AddedAt = m.AddedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, err
}

func (s *Store) AddMeters(ctx context.Context, meters []domain.Meter, at time.Time) error {
	if len(meters) == 0 {
		return store.ErrInvalidRequest
	}

	serials := make([]string, 0, len(meters))
	types := make([]string, 0, len(meters))
	addedBy := make([]string, 0, len(meters))
	for _, m := range meters {
		if m.Serial == "" || m.Type == "" {
			return store.ErrInvalidRequest
		}
		serials = append(serials, m.Serial)
		types = append(types, string(m.Type))
		addedBy = append(addedBy, m.AddedBy)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT serial FROM meters WHERE serial = ANY($1) ORDER BY serial`, serials)
		if err != nil {
			return err
		}
		var conflicts []string
		for rows.Next() {
			var serial string
			if err := rows.Scan(&serial); err != nil {
				rows.Close()
				return err
			}
			conflicts = append(conflicts, serial)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return fmt.Errorf("%w: serials already registered: %s", store.ErrConflict, strings.Join(conflicts, ", "))
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meters (serial, meter_type, state, added_by, added_at, updated_at)
			SELECT serial, meter_type, 'in_stock', added_by, $4, $4
			FROM unnest($1::text[], $2::text[], $3::text[]) AS t(serial, meter_type, added_by)
		`, serials, types, addedBy, at); err != nil {
			return err
		}

		events := make([]domain.MeterEvent, 0, len(meters))
		for _, m := range meters {
			events = append(events, domain.MeterEvent{
				Serial:    m.Serial,
				Kind:      domain.EventAdded,
				ToState:   domain.StateInStock,
				Actor:     m.AddedBy,
				CreatedAt: at,
			})
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: serials already registered", store.ErrConflict)
	}
	return err
}

func (s *Store) GetMeter(ctx context.Context, serial string) (*domain.Meter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+meterColumns+`
		FROM meters m
		LEFT JOIN agents a ON a.id = m.agent_id
		WHERE m.serial = $1
	`, serial)
	meter, err := scanMeter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &meter, nil
}

func (s *Store) ListMeters(ctx context.Context, filter domain.MeterFilter) ([]domain.Meter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meterColumns+`
		FROM meters m
		LEFT JOIN agents a ON a.id = m.agent_id
		WHERE ($1 = '' OR m.state = $1)
			AND ($2 = '' OR m.meter_type = $2)
			AND ($3 = '' OR m.agent_id = $3)
			AND ($4 = '' OR starts_with(m.serial, $4))
		ORDER BY m.serial
		LIMIT $5 OFFSET $6
	`, string(filter.State), string(filter.Type), filter.AgentID, domain.NormalizeSerial(filter.SerialPrefix), limitOrAll(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meters := make([]domain.Meter, 0, 64)
	for rows.Next() {
		meter, err := scanMeter(rows)
		if err != nil {
			return nil, err
		}
		meters = append(meters, meter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters, nil
}

func (s *Store) ListMeterEvents(ctx context.Context, serial string) ([]domain.MeterEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, kind, from_state, to_state, agent_id, batch_id, actor, note, created_at
		FROM meter_events
		WHERE serial = $1
		ORDER BY created_at, id
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.MeterEvent, 0, 8)
	for rows.Next() {
		var e domain.MeterEvent
		if err := rows.Scan(&e.ID, &e.Serial, &e.Kind, &e.FromState, &e.ToState, &e.AgentID, &e.BatchID, &e.Actor, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	return events, nil
}

func (s *Store) RemoveMeter(ctx context.Context, serial string, actor string, reason string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		meters, err := lockMeters(ctx, tx, []string{serial})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		meter := meters[serial]
		if !domain.CanRemove(meter.State) {
			return fmt.Errorf("%w: %s is %s, only in-stock meters can be removed", store.ErrInvalidTransition, serial, meter.State)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM meters WHERE serial = $1`, serial); err != nil {
			return err
		}
		return insertEvents(ctx, tx, []domain.MeterEvent{{
			Serial:    serial,
			Kind:      domain.EventRemoved,
			FromState: meter.State,
			Actor:     actor,
			Note:      reason,
			CreatedAt: at,
		}})
	})
}

func (s *Store) CountMeters(ctx context.Context) ([]domain.StateCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, meter_type, COUNT(*)
		FROM meters
		GROUP BY state, meter_type
		ORDER BY state, meter_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]domain.StateCount, 0, 32)
	for rows.Next() {
		var c domain.StateCount
		if err := rows.Scan(&c.State, &c.Type, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) ExportMeters(ctx context.Context) ([]domain.MeterExportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.serial, m.meter_type, m.state, COALESCE(a.name,''), COALESCE(m.batch_id,''),
			COALESCE(b.recipient,''), COALESCE(b.customer_type,''), b.sold_at, m.added_at
		FROM meters m
		LEFT JOIN agents a ON a.id = m.agent_id
		LEFT JOIN sale_batches b ON b.id = m.batch_id AND m.state = 'sold'
		ORDER BY m.serial
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.MeterExportRow, 0, 256)
	for rows.Next() {
		var row domain.MeterExportRow
		var soldAt sql.NullTime
		if err := rows.Scan(&row.Serial, &row.Type, &row.State, &row.AgentName, &row.BatchID, &row.Recipient, &row.CustomerType, &soldAt, &row.AddedAt); err != nil {
			return nil, err
		}
		if soldAt.Valid {
			at := soldAt.Time.UTC()
			row.SoldAt = &at
		}
		row.AddedAt = row.AddedAt.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
