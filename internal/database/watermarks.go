package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

// Watermark returns the last sync time for an entity type and direction.
// ok is false when the entity has never been synced in that direction.
func (db *DB) Watermark(ctx context.Context, entityType, direction string) (at time.Time, ok bool, err error) {
	query := `SELECT last_synced_at FROM sync_state WHERE entity_type = ? AND direction = ?`
	err = db.QueryRowContext(ctx, query, entityType, direction).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark %s/%s: %w", entityType, direction, err)
	}
	return at, true, nil
}

// AdvanceWatermark moves the watermark forward to at. Older values are ignored so the
// watermark never goes backwards.
func (db *DB) AdvanceWatermark(ctx context.Context, entityType, direction string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_state WHERE entity_type = ? AND direction = ?`,
		entityType, direction,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_state (entity_type, direction, last_synced_at) VALUES (?, ?, ?)`,
			entityType, direction, at.UTC())
	case err != nil:
		return fmt.Errorf("failed to read watermark: %w", err)
	case at.After(current):
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_state SET last_synced_at = ? WHERE entity_type = ? AND direction = ?`,
			at.UTC(), entityType, direction)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to advance watermark %s/%s: %w", entityType, direction, err)
	}
	return tx.Commit()
}

func (db *DB) ListWatermarks(ctx context.Context) ([]models.SyncWatermark, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT entity_type, direction, last_synced_at FROM sync_state ORDER BY entity_type, direction`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []models.SyncWatermark
	for rows.Next() {
		var w models.SyncWatermark
		if err := rows.Scan(&w.EntityType, &w.Direction, &w.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
