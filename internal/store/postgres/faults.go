package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

func newFaultReport(meter domain.Meter, source domain.MeterState, description string, actor string, at time.Time) domain.FaultReport {
	return domain.FaultReport{
		ID:          xid.New("fault"),
		Serial:      meter.Serial,
		Type:        meter.Type,
		Source:      source,
		Description: description,
		Status:      domain.FaultStatusPending,
		ReportedBy:  actor,
		ReportedAt:  at,
	}
}

func insertFaultReport(ctx context.Context, q querier, report domain.FaultReport) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fault_reports (id, serial, meter_type, source, description, status, reported_by, reported_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, report.ID, report.Serial, string(report.Type), string(report.Source), report.Description, report.Status, report.ReportedBy, report.ReportedAt)
	return err
}

func scanFaultReport(row rowScanner) (domain.FaultReport, error) {
	var r domain.FaultReport
	var resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Serial, &r.Type, &r.Source, &r.Description, &r.Status, &r.ReportedBy, &r.ReportedAt, &resolvedBy, &resolvedAt); err != nil {
		return r, err
	}
	r.ReportedAt = r.ReportedAt.UTC()
	if resolvedBy.Valid {
		r.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		r.ResolvedAt = &at
	}
	return r, nil
}

func (s *Store) ReportFaulty(ctx context.Context, serials []string, description string, actor string, at time.Time) ([]domain.FaultReport, error) {
	if len(serials) == 0 {
		return nil, store.ErrInvalidRequest
	}

	reports := make([]domain.FaultReport, 0, len(serials))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		meters, err := lockMeters(ctx, tx, serials)
		if err != nil {
			return err
		}
		moving := make([]domain.Meter, 0, len(serials))
		for _, serial := range serials {
			meter := meters[serial]
			if err := checkMove(meter, domain.StateFaulty); err != nil {
				return err
			}
			if meter.State != domain.StateInStock && meter.State != domain.StateWithAgent {
				return fmt.Errorf("%w: %s is %s; sold meters are returned through their sale batch", store.ErrInvalidTransition, serial, meter.State)
			}
			moving = append(moving, meter)
		}

		if err := moveMeters(ctx, tx, serials, domain.StateFaulty, "", "", at); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, transitionEvents(moving, domain.EventReportedFaulty, domain.StateFaulty, "", "", actor, description, at)); err != nil {
			return err
		}
		for _, meter := range moving {
			report := newFaultReport(meter, meter.State, description, actor, at)
			if err := insertFaultReport(ctx, tx, report); err != nil {
				return err
			}
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Store) ListFaultReports(ctx context.Context, status string, limit int) ([]domain.FaultReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, meter_type, source, description, status, reported_by, reported_at, resolved_by, resolved_at
		FROM fault_reports
		WHERE ($1 = '' OR status = $1)
		ORDER BY reported_at DESC, id DESC
		LIMIT $2
	`, status, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]domain.FaultReport, 0, 32)
	for rows.Next() {
		report, err := scanFaultReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Store) CountFaultReports(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fault_reports WHERE ($1 = '' OR status = $1)`, status).Scan(&count)
	return count, err
}

func (s *Store) ResolveFault(ctx context.Context, id string, outcome string, actor string, at time.Time) (*domain.FaultReport, error) {
	target := domain.StateInStock
	event := domain.EventRepaired
	switch outcome {
	case domain.FaultStatusRepaired:
	case domain.FaultStatusUnrepairable:
		target, event = domain.StateScrapped, domain.EventScrapped
	default:
		return nil, store.ErrInvalidRequest
	}

	var resolved domain.FaultReport
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		report, err := scanFaultReport(tx.QueryRowContext(ctx, `
			SELECT id, serial, meter_type, source, description, status, reported_by, reported_at, resolved_by, resolved_at
			FROM fault_reports
			WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if report.Status != domain.FaultStatusPending {
			return fmt.Errorf("%w: fault report %s is already %s", store.ErrInvalidTransition, id, report.Status)
		}

		meters, err := lockMeters(ctx, tx, []string{report.Serial})
		if err != nil || meters[report.Serial].State != domain.StateFaulty {
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: meter %s is no longer faulty", store.ErrInvalidTransition, report.Serial)
		}

		meter := meters[report.Serial]
		if err := checkMove(meter, target); err != nil {
			return err
		}
		if err := moveMeters(ctx, tx, []string{report.Serial}, target, "", "", at); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, transitionEvents([]domain.Meter{meter}, event, target, "", "", actor, "fault "+id, at)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE fault_reports SET status = $2, resolved_by = $3, resolved_at = $4 WHERE id = $1
		`, id, outcome, actor, at); err != nil {
			return err
		}

		resolvedAt := at
		report.Status = outcome
		report.ResolvedBy = actor
		report.ResolvedAt = &resolvedAt
		resolved = report
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}
