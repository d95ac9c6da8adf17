package database

import (
	"context"
	"testing"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := &models.SyncLogEntry{
		Direction: models.DirectionQBToBitrix, EntityType: models.EntityCustomers,
		QBID: "L1", BitrixID: "5", Action: "create", Status: models.StatusCompleted,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, db.LogSync(ctx, old))
	require.NoError(t, db.LogSync(ctx, &models.SyncLogEntry{
		Direction: models.DirectionQBToBitrix, EntityType: models.EntityItems,
		QBID: "I1", Action: "create", Status: models.StatusFailed, Message: "timeout",
	}))
	require.NoError(t, db.LogSync(ctx, &models.SyncLogEntry{
		Direction: models.DirectionBitrixToQB, EntityType: models.EntityCustomers,
		QBID: "L2", BitrixID: "6", Action: models.ActionAdd, Status: models.StatusCompleted,
	}))

	entries, err := db.RecentSyncLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "L2", entries[0].QBID)
	assert.Equal(t, "timeout", entries[1].Message)
	assert.Equal(t, "L1", entries[2].QBID)

	n, err := db.CountSyncsSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
