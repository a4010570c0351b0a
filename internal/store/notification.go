package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Claim records that a notification of kind is being sent for the license on
// day. It returns false when the key was already claimed.
func (s *NotificationStore) Claim(ctx context.Context, licenseID int64, kind, day string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sent_notifications (license_id, kind, day, sent_at) VALUES (?, ?, ?, ?)`,
		licenseID, kind, day, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return affected(result)
}

// Release drops a claim so the notification can be attempted again.
func (s *NotificationStore) Release(ctx context.Context, licenseID int64, kind, day string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_notifications WHERE license_id = ? AND kind = ? AND day = ?`,
		licenseID, kind, day,
	)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// Cleanup deletes sent_notifications older than the given time.
func (s *NotificationStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sent_notifications WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup sent notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
