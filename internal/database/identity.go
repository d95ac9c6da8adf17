package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

// UpsertMapping records the Bitrix24 id for a QuickBooks key. Applying the same mapping twice
// leaves one row; an empty edit sequence keeps the stored one.
func (db *DB) UpsertMapping(ctx context.Context, m models.IdentityMapping) error {
	if m.EntityType == "" || m.LocalKey == "" {
		return fmt.Errorf("mapping requires entity type and local key")
	}
	now := time.Now().UTC()
	query := `INSERT INTO id_mappings (entity_type, local_key, remote_id, edit_sequence, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?)
              ON CONFLICT(entity_type, local_key) DO UPDATE SET
                  remote_id = CASE WHEN excluded.remote_id != '' THEN excluded.remote_id ELSE id_mappings.remote_id END,
                  edit_sequence = CASE WHEN excluded.edit_sequence != '' THEN excluded.edit_sequence ELSE id_mappings.edit_sequence END,
                  updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, query, m.EntityType, m.LocalKey, m.RemoteID, m.EditSequence, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s/%s: %w", m.EntityType, m.LocalKey, err)
	}
	return nil
}

// MappingByLocal looks a mapping up by QuickBooks key.
func (db *DB) MappingByLocal(ctx context.Context, entityType, localKey string) (*models.IdentityMapping, error) {
	query := `SELECT id, entity_type, local_key, remote_id, edit_sequence, created_at, updated_at
              FROM id_mappings WHERE entity_type = ? AND local_key = ?`
	return db.scanMapping(db.QueryRowContext(ctx, query, entityType, localKey))
}

// MappingByRemote returns the most recently updated mapping for a Bitrix24 id.
func (db *DB) MappingByRemote(ctx context.Context, entityType, remoteID string) (*models.IdentityMapping, error) {
	query := `SELECT id, entity_type, local_key, remote_id, edit_sequence, created_at, updated_at
              FROM id_mappings WHERE entity_type = ? AND remote_id = ?
              ORDER BY updated_at DESC, id DESC LIMIT 1`
	return db.scanMapping(db.QueryRowContext(ctx, query, entityType, remoteID))
}

func (db *DB) CountMappings(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM id_mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

func (db *DB) scanMapping(row *sql.Row) (*models.IdentityMapping, error) {
	var m models.IdentityMapping
	err := row.Scan(&m.ID, &m.EntityType, &m.LocalKey, &m.RemoteID, &m.EditSequence, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	return &m, nil
}
