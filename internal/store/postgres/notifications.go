package postgres

import (
	"context"
	"encoding/json"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == "" || n.Kind == "" {
		return store.ErrInvalidRequest
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	if n.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, title, message, metadata, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.Kind, n.Title, n.Message, metadata, n.CreatedBy, n.CreatedAt)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, username string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.kind, n.title, n.message, n.metadata, n.created_by, n.created_at, r.username IS NOT NULL
		FROM notifications n
		LEFT JOIN notification_reads r ON r.notification_id = n.id AND r.username = $1
		WHERE ($2 = false OR r.username IS NULL)
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT $3
	`, username, unreadOnly, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Notification, 0, 32)
	for rows.Next() {
		var n domain.Notification
		var metadata []byte
		if err := rows.Scan(&n.ID, &n.Kind, &n.Title, &n.Message, &metadata, &n.CreatedBy, &n.CreatedAt, &n.Read); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
				return nil, err
			}
		}
		n.CreatedAt = n.CreatedAt.UTC()
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, username string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notifications n
		WHERE NOT EXISTS (
			SELECT 1 FROM notification_reads r
			WHERE r.notification_id = n.id AND r.username = $1
		)
	`, username).Scan(&count)
	return count, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, username string, id string, at time.Time) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, username, read_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (notification_id, username) DO NOTHING
	`, id, username, at)
	return err
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, username string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, username, read_at)
		SELECT n.id, $1, $2
		FROM notifications n
		ON CONFLICT (notification_id, username) DO NOTHING
	`, username, at)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
