package database

import (
	"context"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

func (db *DB) LogSync(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO sync_log (direction, entity_type, qb_id, bitrix_id, action, status, message, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		entry.Direction,
		entry.EntityType,
		entry.QBID,
		entry.BitrixID,
		entry.Action,
		entry.Status,
		entry.Message,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// RecentSyncLog returns the newest entries first.
func (db *DB) RecentSyncLog(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, direction, entity_type, COALESCE(qb_id, ''), COALESCE(bitrix_id, ''), action, status, COALESCE(message, ''), created_at
              FROM sync_log ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var out []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.Direction, &e.EntityType, &e.QBID, &e.BitrixID, &e.Action, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSyncsSince counts successful sync log rows written after since.
func (db *DB) CountSyncsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_log WHERE status = ? AND created_at >= ?`,
		models.StatusCompleted, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count syncs: %w", err)
	}
	return n, nil
}
