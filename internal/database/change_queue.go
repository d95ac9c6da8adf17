package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

const changeColumns = `id, entity_type, remote_id, action, payload, status, created_at, processed_at, error_message`

// EnqueueChange appends a pending entry to the change queue.
func (db *DB) EnqueueChange(ctx context.Context, entry *models.ChangeQueueEntry) error {
	now := time.Now().UTC()
	query := `INSERT INTO change_queue (entity_type, remote_id, action, payload, status, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		entry.EntityType,
		entry.RemoteID,
		entry.Action,
		entry.Payload,
		models.StatusPending,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	entry.Status = models.StatusPending
	entry.CreatedAt = now
	return nil
}

// PendingChanges returns pending entries in creation order.
func (db *DB) PendingChanges(ctx context.Context) ([]models.ChangeQueueEntry, error) {
	query := `SELECT ` + changeColumns + ` FROM change_queue
              WHERE status = ? ORDER BY created_at ASC, id ASC`
	return db.queryChanges(ctx, query, models.StatusPending)
}

// FailedChanges returns failed entries, newest first.
func (db *DB) FailedChanges(ctx context.Context, limit int) ([]models.ChangeQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + changeColumns + ` FROM change_queue
              WHERE status = ? ORDER BY processed_at DESC, id DESC LIMIT ?`
	return db.queryChanges(ctx, query, models.StatusFailed, limit)
}

func (db *DB) GetChange(ctx context.Context, id int64) (*models.ChangeQueueEntry, error) {
	query := `SELECT ` + changeColumns + ` FROM change_queue WHERE id = ?`
	var e models.ChangeQueueEntry
	err := db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.EntityType, &e.RemoteID, &e.Action, &e.Payload, &e.Status, &e.CreatedAt, &e.ProcessedAt, &e.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change %d: %w", id, err)
	}
	return &e, nil
}

// MarkChangeProcessed moves a pending entry to completed or failed. An entry transitions once.
func (db *DB) MarkChangeProcessed(ctx context.Context, id int64, status, errMsg string) error {
	switch status {
	case models.StatusCompleted, models.StatusFailed:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}

	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}

	query := `UPDATE change_queue SET status = ?, error_message = ?, processed_at = ?
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, status, msg, time.Now().UTC(), id, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to update change status: %w", err)
	}
	return db.requireTransition(ctx, result, id, ErrAlreadyProcessed)
}

// RequeueChange returns a failed entry to pending. Operator-driven only.
func (db *DB) RequeueChange(ctx context.Context, id int64) error {
	query := `UPDATE change_queue SET status = ?, error_message = NULL, processed_at = NULL
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, models.StatusPending, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue change: %w", err)
	}
	return db.requireTransition(ctx, result, id, ErrNotFailed)
}

// CountChanges returns the number of entries in the given status.
func (db *DB) CountChanges(ctx context.Context, status string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_queue WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

func (db *DB) requireTransition(ctx context.Context, result sql.Result, id int64, conflict error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := db.GetChange(ctx, id); err != nil {
		return err
	}
	return conflict
}

func (db *DB) queryChanges(ctx context.Context, query string, args ...interface{}) ([]models.ChangeQueueEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change queue: %w", err)
	}
	defer rows.Close()

	var entries []models.ChangeQueueEntry
	for rows.Next() {
		var e models.ChangeQueueEntry
		err := rows.Scan(
			&e.ID, &e.EntityType, &e.RemoteID, &e.Action, &e.Payload, &e.Status, &e.CreatedAt, &e.ProcessedAt, &e.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
