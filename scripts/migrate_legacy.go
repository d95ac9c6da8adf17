// Command migrate_legacy imports identity mappings, watermarks and pending changes
// from a first-generation bridge database (tables id_mappings, sync_state,
// bitrix_to_qb_queue) into the current schema.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
)

var legacyTimeLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseLegacyTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		legacyPath = flag.String("legacy", "./sync.db", "path to the legacy sqlite db")
		dbPath     = flag.String("db", "./data/qbbridge.db", "path to the qbbridge sqlite db")
		withQueue  = flag.Bool("queue", false, "also copy pending legacy queue entries")
	)
	flag.Parse()

	legacy, err := sql.Open("sqlite3", "file:"+*legacyPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open legacy db: %w", err)
	}
	defer legacy.Close()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	mappings, err := migrateMappings(ctx, legacy, db)
	if err != nil {
		return err
	}
	watermarks, err := migrateWatermarks(ctx, legacy, db)
	if err != nil {
		return err
	}
	queued := 0
	if *withQueue {
		if queued, err = migrateQueue(ctx, legacy, db); err != nil {
			return err
		}
	}

	fmt.Printf("done: mappings=%d watermarks=%d queued=%d\n", mappings, watermarks, queued)
	return nil
}

func migrateMappings(ctx context.Context, legacy *sql.DB, db *database.DB) (int, error) {
	rows, err := legacy.QueryContext(ctx, `SELECT entity_type, COALESCE(qb_list_id, ''), COALESCE(bitrix_id, '') FROM id_mappings`)
	if err != nil {
		return 0, fmt.Errorf("read id_mappings: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var m models.IdentityMapping
		if err := rows.Scan(&m.EntityType, &m.LocalKey, &m.RemoteID); err != nil {
			return n, fmt.Errorf("scan id_mappings: %w", err)
		}
		if m.LocalKey == "" || m.RemoteID == "" {
			continue
		}
		m.EntityType = models.NormalizeEntityType(m.EntityType)
		if err := db.UpsertMapping(ctx, m); err != nil {
			return n, fmt.Errorf("upsert %s %s: %w", m.EntityType, m.LocalKey, err)
		}
		n++
	}
	return n, rows.Err()
}

func migrateWatermarks(ctx context.Context, legacy *sql.DB, db *database.DB) (int, error) {
	rows, err := legacy.QueryContext(ctx,
		`SELECT entity_type, COALESCE(last_sync_qb_to_bitrix, ''), COALESCE(last_sync_bitrix_to_qb, '') FROM sync_state`)
	if err != nil {
		return 0, fmt.Errorf("read sync_state: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var entity, toBitrix, toQB string
		if err := rows.Scan(&entity, &toBitrix, &toQB); err != nil {
			return n, fmt.Errorf("scan sync_state: %w", err)
		}
		entity = models.NormalizeEntityType(entity)
		for direction, raw := range map[string]string{
			models.DirectionQBToBitrix: toBitrix,
			models.DirectionBitrixToQB: toQB,
		} {
			at, ok := parseLegacyTime(raw)
			if !ok {
				continue
			}
			// AdvanceWatermark never moves a watermark backwards.
			if err := db.AdvanceWatermark(ctx, entity, direction, at); err != nil {
				return n, fmt.Errorf("advance %s %s: %w", entity, direction, err)
			}
			n++
		}
	}
	return n, rows.Err()
}

func migrateQueue(ctx context.Context, legacy *sql.DB, db *database.DB) (int, error) {
	rows, err := legacy.QueryContext(ctx,
		`SELECT entity_type, bitrix_id, action, COALESCE(data, '') FROM bitrix_to_qb_queue WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("read bitrix_to_qb_queue: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var e models.ChangeQueueEntry
		if err := rows.Scan(&e.EntityType, &e.RemoteID, &e.Action, &e.Payload); err != nil {
			return n, fmt.Errorf("scan bitrix_to_qb_queue: %w", err)
		}
		if err := db.EnqueueChange(ctx, &e); err != nil {
			return n, fmt.Errorf("enqueue %s %s: %w", e.EntityType, e.RemoteID, err)
		}
		n++
	}
	return n, rows.Err()
}
