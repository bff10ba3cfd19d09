package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

const batchColumns = `
	id, idempotency_key, sold_by, agent_id, recipient, destination, customer_type,
	customer_county, customer_contact, meter_count, total_cents, sold_at
`

func scanBatch(row rowScanner) (domain.SaleBatch, error) {
	var b domain.SaleBatch
	err := row.Scan(&b.ID, &b.IdempotencyKey, &b.SoldBy, &b.AgentID, &b.Recipient, &b.Destination, &b.CustomerType, &b.CustomerCounty, &b.CustomerContact, &b.MeterCount, &b.TotalCents, &b.SoldAt)
	b.SoldAt = b.SoldAt.UTC()
	return b, err
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.SaleBatch, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sale_batches WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetSaleBatch(ctx, id)
}

func (s *Store) CreateSale(ctx context.Context, batch domain.SaleBatch) (*domain.SaleBatch, bool, error) {
	if batch.IdempotencyKey == "" || len(batch.Items) == 0 {
		return nil, false, store.ErrInvalidRequest
	}
	if batch.ID == "" {
		batch.ID = xid.New("sale")
	}
	if batch.SoldAt.IsZero() {
		batch.SoldAt = time.Now().UTC()
	}

	serials := make([]string, 0, len(batch.Items))
	seen := make(map[string]bool, len(batch.Items))
	for _, item := range batch.Items {
		if item.Serial == "" || item.UnitPriceCents < 0 || seen[item.Serial] {
			return nil, false, store.ErrInvalidRequest
		}
		seen[item.Serial] = true
		serials = append(serials, item.Serial)
	}

	duplicateID := ""
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM sale_batches WHERE idempotency_key = $1`, batch.IdempotencyKey).Scan(&duplicateID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		source := domain.StateInStock
		if batch.AgentID != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, batch.AgentID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("agent %s: %w", batch.AgentID, store.ErrNotFound)
			}
			source = domain.StateWithAgent
		}

		meters, err := lockMeters(ctx, tx, serials)
		if err != nil {
			return err
		}
		ordered := make([]domain.Meter, 0, len(serials))
		for i, item := range batch.Items {
			meter := meters[item.Serial]
			if err := checkMove(meter, domain.StateSold); err != nil {
				return err
			}
			if meter.State != source {
				return fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, item.Serial, meter.State, source)
			}
			if source == domain.StateWithAgent && meter.AgentID != batch.AgentID {
				return fmt.Errorf("%w: %s is not held by agent %s", store.ErrInvalidTransition, item.Serial, batch.AgentID)
			}
			batch.Items[i].Type = meter.Type
			batch.Items[i].Returned = false
			ordered = append(ordered, meter)
		}
		batch.Recompute()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_batches (`+batchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, batch.ID, batch.IdempotencyKey, batch.SoldBy, batch.AgentID, batch.Recipient, batch.Destination, batch.CustomerType, batch.CustomerCounty, batch.CustomerContact, batch.MeterCount, batch.TotalCents, batch.SoldAt); err != nil {
			return err
		}
		if err := insertItems(ctx, tx, batch.ID, batch.Items); err != nil {
			return err
		}

		kind := domain.EventSold
		if source == domain.StateWithAgent {
			kind = domain.EventAgentSold
		}
		if err := moveMeters(ctx, tx, serials, domain.StateSold, "", batch.ID, batch.SoldAt); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, transitionEvents(ordered, kind, domain.StateSold, batch.AgentID, batch.ID, batch.SoldBy, "", batch.SoldAt)); err != nil {
			return err
		}

		if source == domain.StateWithAgent {
			return insertAgentTransaction(ctx, tx, domain.AgentTransaction{
				AgentID:   batch.AgentID,
				Kind:      domain.AgentTxSale,
				Count:     len(batch.Items),
				ByType:    domain.CountByType(batch.Items),
				BatchID:   batch.ID,
				Actor:     batch.SoldBy,
				CreatedAt: batch.SoldAt,
			})
		}
		return nil
	})
	if err != nil {
		// A concurrent sale with the same key either hits the unique index or
		// loses serialization; both resolve to the batch that committed.
		if isUniqueViolation(err) || isSerializationFailure(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, batch.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	if duplicateID != "" {
		existing, err := s.GetSaleBatch(ctx, duplicateID)
		return existing, true, err
	}
	created, err := s.GetSaleBatch(ctx, batch.ID)
	return created, false, err
}

func insertItems(ctx context.Context, q querier, batchID string, items []domain.SaleItem) error {
	positions := make([]int32, len(items))
	serials := make([]string, len(items))
	types := make([]string, len(items))
	prices := make([]int64, len(items))
	for i, item := range items {
		positions[i] = int32(i)
		serials[i] = item.Serial
		types[i] = string(item.Type)
		prices[i] = item.UnitPriceCents
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sale_items (batch_id, position, serial, meter_type, unit_price_cents)
		SELECT $1, position, serial, meter_type, price
		FROM unnest($2::int[], $3::text[], $4::text[], $5::bigint[]) AS t(position, serial, meter_type, price)
	`, batchID, positions, serials, types, prices)
	return err
}

func (s *Store) GetSaleBatch(ctx context.Context, id string) (*domain.SaleBatch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sale_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	batches := []domain.SaleBatch{batch}
	if err := loadBatchDetails(ctx, s.db, batches); err != nil {
		return nil, err
	}
	return &batches[0], nil
}

func (s *Store) ListSaleBatches(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM sale_batches b
		WHERE ($1::timestamptz IS NULL OR b.sold_at >= $1)
			AND ($2::timestamptz IS NULL OR b.sold_at < $2)
			AND ($3 = '' OR b.sold_by = $3)
			AND ($4 = '' OR b.agent_id = $4)
			AND ($5 = '' OR EXISTS (
				SELECT 1 FROM sale_items i
				WHERE i.batch_id = b.id AND i.meter_type = $5 AND NOT i.returned
			))
		ORDER BY b.sold_at DESC
		LIMIT $6
	`, nullTimeIfZero(filter.From), nullTimeIfZero(filter.To), filter.SoldBy, filter.AgentID, string(filter.Type), limitOrAll(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.SaleBatch, 0, 32)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadBatchDetails(ctx, s.db, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

// loadBatchDetails fills items, lines and replacements for every batch with
// one query per child table.
func loadBatchDetails(ctx context.Context, q querier, batches []domain.SaleBatch) error {
	if len(batches) == 0 {
		return nil
	}
	index := make(map[string]int, len(batches))
	ids := make([]string, 0, len(batches))
	for i, b := range batches {
		index[b.ID] = i
		ids = append(ids, b.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT batch_id, serial, meter_type, unit_price_cents, returned
		FROM sale_items
		WHERE batch_id = ANY($1)
		ORDER BY batch_id, position
	`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var batchID string
		var item domain.SaleItem
		if err := rows.Scan(&batchID, &item.Serial, &item.Type, &item.UnitPriceCents, &item.Returned); err != nil {
			rows.Close()
			return err
		}
		b := &batches[index[batchID]]
		b.Items = append(b.Items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT id, batch_id, old_serial, new_serial, reason, replaced_by, replaced_at
		FROM meter_replacements
		WHERE batch_id = ANY($1)
		ORDER BY replaced_at
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rep domain.MeterReplacement
		if err := rows.Scan(&rep.ID, &rep.BatchID, &rep.OldSerial, &rep.NewSerial, &rep.Reason, &rep.ReplacedBy, &rep.ReplacedAt); err != nil {
			return err
		}
		rep.ReplacedAt = rep.ReplacedAt.UTC()
		b := &batches[index[rep.BatchID]]
		b.Replacements = append(b.Replacements, rep)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range batches {
		batches[i].Recompute()
	}
	return nil
}

func (s *Store) SalesTotals(ctx context.Context, from time.Time, to time.Time) (int, int64, error) {
	var meters int
	var cents int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(meter_count),0), COALESCE(SUM(total_cents),0)
		FROM sale_batches
		WHERE ($1::timestamptz IS NULL OR sold_at >= $1)
			AND ($2::timestamptz IS NULL OR sold_at < $2)
	`, nullTimeIfZero(from), nullTimeIfZero(to)).Scan(&meters, &cents)
	return meters, cents, err
}

func (s *Store) ReturnSold(ctx context.Context, batchID string, serials []string, condition string, reason string, actor string, at time.Time) (*domain.SaleBatch, []domain.FaultReport, error) {
	if len(serials) == 0 {
		return nil, nil, store.ErrInvalidRequest
	}
	target := domain.StateInStock
	switch condition {
	case domain.ReturnConditionGood:
	case domain.ReturnConditionFaulty:
		target = domain.StateFaulty
	default:
		return nil, nil, store.ErrInvalidRequest
	}

	var reports []domain.FaultReport
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		batch, err := scanBatch(tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sale_batches WHERE id = $1 FOR UPDATE`, batchID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		batches := []domain.SaleBatch{batch}
		if err := loadBatchDetails(ctx, tx, batches); err != nil {
			return err
		}
		batch = batches[0]

		// A replacement can bring a returned serial back into the same batch,
		// so the active item wins over an earlier returned one.
		active := make(map[string]bool, len(batch.Items))
		returned := make(map[string]bool)
		for _, item := range batch.Items {
			if item.Returned {
				returned[item.Serial] = true
			} else {
				active[item.Serial] = true
			}
		}
		for _, serial := range serials {
			if active[serial] {
				continue
			}
			if returned[serial] {
				return fmt.Errorf("%w: %s was already returned", store.ErrInvalidTransition, serial)
			}
			return fmt.Errorf("%w: %s is not part of batch %s", store.ErrInvalidRequest, serial, batchID)
		}

		meters, err := lockMeters(ctx, tx, serials)
		if err != nil {
			return err
		}
		moving := make([]domain.Meter, 0, len(serials))
		for _, serial := range serials {
			meter := meters[serial]
			if meter.State != domain.StateSold || meter.BatchID != batchID {
				return fmt.Errorf("%w: %s is not sold in batch %s", store.ErrInvalidTransition, serial, batchID)
			}
			if err := checkMove(meter, target); err != nil {
				return err
			}
			moving = append(moving, meter)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sale_items SET returned = true
			WHERE batch_id = $1 AND serial = ANY($2) AND NOT returned
		`, batchID, serials); err != nil {
			return err
		}
		for i := range batch.Items {
			if !batch.Items[i].Returned && slices.Contains(serials, batch.Items[i].Serial) {
				batch.Items[i].Returned = true
			}
		}
		batch.Recompute()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sale_batches SET meter_count = $2, total_cents = $3 WHERE id = $1
		`, batchID, batch.MeterCount, batch.TotalCents); err != nil {
			return err
		}

		if err := moveMeters(ctx, tx, serials, target, "", "", at); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, transitionEvents(moving, domain.EventReturned, target, "", batchID, actor, reason, at)); err != nil {
			return err
		}

		if target == domain.StateFaulty {
			for _, meter := range moving {
				report := newFaultReport(meter, domain.StateSold, reason, actor, at)
				if err := insertFaultReport(ctx, tx, report); err != nil {
					return err
				}
				reports = append(reports, report)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	batch, err := s.GetSaleBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if reports == nil {
		reports = []domain.FaultReport{}
	}
	return batch, reports, nil
}

func (s *Store) ReplaceMeter(ctx context.Context, rep domain.MeterReplacement) (*domain.MeterReplacement, *domain.FaultReport, error) {
	if rep.BatchID == "" || rep.OldSerial == "" || rep.NewSerial == "" || rep.OldSerial == rep.NewSerial {
		return nil, nil, store.ErrInvalidRequest
	}
	if rep.ID == "" {
		rep.ID = xid.New("rep")
	}
	if rep.ReplacedAt.IsZero() {
		rep.ReplacedAt = time.Now().UTC()
	}

	var report domain.FaultReport
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sale_batches WHERE id = $1 FOR UPDATE`, rep.BatchID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		var position int
		err = tx.QueryRowContext(ctx, `
			SELECT position FROM sale_items
			WHERE batch_id = $1 AND serial = $2 AND NOT returned
		`, rep.BatchID, rep.OldSerial).Scan(&position)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s is not an active item of batch %s", store.ErrInvalidRequest, rep.OldSerial, rep.BatchID)
			}
			return err
		}

		meters, err := lockMeters(ctx, tx, []string{rep.OldSerial, rep.NewSerial})
		if err != nil {
			return err
		}
		oldMeter, newMeter := meters[rep.OldSerial], meters[rep.NewSerial]
		if oldMeter.State != domain.StateSold || oldMeter.BatchID != rep.BatchID {
			return fmt.Errorf("%w: %s is not sold in batch %s", store.ErrInvalidTransition, rep.OldSerial, rep.BatchID)
		}
		if newMeter.State != domain.StateInStock {
			return fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, rep.NewSerial, newMeter.State, domain.StateInStock)
		}
		if newMeter.Type != oldMeter.Type {
			return fmt.Errorf("%w: replacement must be a %s meter", store.ErrInvalidRequest, oldMeter.Type)
		}
		if err := checkMove(oldMeter, domain.StateFaulty); err != nil {
			return err
		}
		if err := checkMove(newMeter, domain.StateSold); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sale_items SET serial = $3 WHERE batch_id = $1 AND position = $2
		`, rep.BatchID, position, rep.NewSerial); err != nil {
			return err
		}
		if err := moveMeters(ctx, tx, []string{rep.OldSerial}, domain.StateFaulty, "", "", rep.ReplacedAt); err != nil {
			return err
		}
		if err := moveMeters(ctx, tx, []string{rep.NewSerial}, domain.StateSold, "", rep.BatchID, rep.ReplacedAt); err != nil {
			return err
		}

		events := transitionEvents([]domain.Meter{oldMeter}, domain.EventReplaced, domain.StateFaulty, "", rep.BatchID, rep.ReplacedBy, rep.Reason, rep.ReplacedAt)
		events = append(events, transitionEvents([]domain.Meter{newMeter}, domain.EventReplacementOut, domain.StateSold, "", rep.BatchID, rep.ReplacedBy, "replaces "+rep.OldSerial, rep.ReplacedAt)...)
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}

		report = newFaultReport(oldMeter, domain.StateSold, rep.Reason, rep.ReplacedBy, rep.ReplacedAt)
		if err := insertFaultReport(ctx, tx, report); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO meter_replacements (id, batch_id, old_serial, new_serial, reason, replaced_by, replaced_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, rep.ID, rep.BatchID, rep.OldSerial, rep.NewSerial, rep.Reason, rep.ReplacedBy, rep.ReplacedAt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	saved := rep
	return &saved, &report, nil
}

func insertAgentTransaction(ctx context.Context, q querier, tx domain.AgentTransaction) error {
	if tx.ID == "" {
		tx.ID = xid.New("atx")
	}
	byType, err := json.Marshal(tx.ByType)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO agent_transactions (id, agent_id, kind, count, by_type, batch_id, actor, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tx.ID, tx.AgentID, tx.Kind, tx.Count, byType, tx.BatchID, tx.Actor, tx.Note, tx.CreatedAt)
	return err
}
