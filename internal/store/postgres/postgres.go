package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a serializable transaction. Every multi-meter transition
// goes through here so the whole batch commits or none of it does. A
// serialization failure surfaces as ErrConflict; the caller may retry.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return conflictOnSerialization(err)
	}
	return conflictOnSerialization(tx.Commit())
}

func conflictOnSerialization(err error) error {
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: concurrent update, retry the request: %w", store.ErrConflict, err)
	}
	return err
}

// lockMeters loads and row-locks the given serials. A missing serial is
// reported as ErrNotFound naming it.
func lockMeters(ctx context.Context, q querier, serials []string) (map[string]domain.Meter, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT serial, meter_type, state, COALESCE(agent_id,''), COALESCE(batch_id,''), added_by, added_at, updated_at
		FROM meters
		WHERE serial = ANY($1)
		FOR UPDATE
	`, serials)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meters := make(map[string]domain.Meter, len(serials))
	for rows.Next() {
		var m domain.Meter
		if err := rows.Scan(&m.Serial, &m.Type, &m.State, &m.AgentID, &m.BatchID, &m.AddedBy, &m.AddedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		meters[m.Serial] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, serial := range serials {
		if _, ok := meters[serial]; !ok {
			return nil, fmt.Errorf("meter %s: %w", serial, store.ErrNotFound)
		}
	}
	return meters, nil
}

// checkMove validates a locked meter's next state against the lifecycle
// table before moveMeters touches any row.
func checkMove(meter domain.Meter, to domain.MeterState) error {
	if err := domain.ValidateTransition(meter.Serial, meter.State, to); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidTransition, err)
	}
	return nil
}

// moveMeters sets state, holder and batch for every serial in one statement.
func moveMeters(ctx context.Context, q querier, serials []string, to domain.MeterState, agentID string, batchID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE meters
		SET state = $2, agent_id = $3, batch_id = $4, updated_at = $5
		WHERE serial = ANY($1)
	`, serials, string(to), nullIfEmpty(agentID), nullIfEmpty(batchID), at)
	return err
}

func insertEvents(ctx context.Context, q querier, events []domain.MeterEvent) error {
	if len(events) == 0 {
		return nil
	}

	n := len(events)
	ids, serials, kinds := make([]string, n), make([]string, n), make([]string, n)
	froms, tos, agents := make([]string, n), make([]string, n), make([]string, n)
	batches, actors, notes := make([]string, n), make([]string, n), make([]string, n)
	times := make([]time.Time, n)
	for i, e := range events {
		if e.ID == "" {
			e.ID = xid.New("evt")
		}
		ids[i], serials[i], kinds[i] = e.ID, e.Serial, string(e.Kind)
		froms[i], tos[i], agents[i] = string(e.FromState), string(e.ToState), e.AgentID
		batches[i], actors[i], notes[i] = e.BatchID, e.Actor, e.Note
		times[i] = e.CreatedAt
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO meter_events (id, serial, kind, from_state, to_state, agent_id, batch_id, actor, note, created_at)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::text[], $9::text[], $10::timestamptz[]
		)
	`, ids, serials, kinds, froms, tos, agents, batches, actors, notes, times)
	return err
}

// transitionEvents builds one event per meter, recording each meter's
// current state as the source.
func transitionEvents(meters []domain.Meter, kind domain.EventKind, to domain.MeterState, agentID string, batchID string, actor string, note string, at time.Time) []domain.MeterEvent {
	events := make([]domain.MeterEvent, 0, len(meters))
	for _, m := range meters {
		holder := agentID
		if holder == "" {
			holder = m.AgentID
		}
		events = append(events, domain.MeterEvent{
			ID:        xid.New("evt"),
			Serial:    m.Serial,
			Kind:      kind,
			FromState: m.State,
			ToState:   to,
			AgentID:   holder,
			BatchID:   batchID,
			Actor:     actor,
			Note:      note,
			CreatedAt: at,
		})
	}
	return events
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullTimeIfZero(from), nullTimeIfZero(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, name, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.Email, user.Name, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, email, name, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Email, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, email, name, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Email, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.UserAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, name = $3, role = $4, active = $5
		WHERE username = $1
	`, user.Username, user.Email, user.Name, user.Role, user.Active)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return hasSQLState(err, "23505")
}

func isSerializationFailure(err error) bool {
	return hasSQLState(err, "40001")
}

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTimeIfZero(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

func limitOrAll(limit int) any {
	if limit < 1 {
		return nil
	}
	return limit
}
