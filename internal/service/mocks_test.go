package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCRM struct {
	mock.Mock
	configured bool
}

func newMockCRM() *MockCRM {
	return &MockCRM{configured: true}
}

func (m *MockCRM) Configured() bool {
	return m.configured
}

func (m *MockCRM) Get(ctx context.Context, kind bitrix.EntityKind, id string) (bitrix.Fields, error) {
	args := m.Called(ctx, kind, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(bitrix.Fields), args.Error(1)
}

func (m *MockCRM) Find(ctx context.Context, kind bitrix.EntityKind, filter bitrix.Fields) ([]bitrix.Fields, error) {
	args := m.Called(ctx, kind, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bitrix.Fields), args.Error(1)
}

func (m *MockCRM) Create(ctx context.Context, kind bitrix.EntityKind, fields bitrix.Fields) (string, error) {
	args := m.Called(ctx, kind, fields)
	return args.String(0), args.Error(1)
}

func (m *MockCRM) Update(ctx context.Context, kind bitrix.EntityKind, id string, fields bitrix.Fields) error {
	return m.Called(ctx, kind, id, fields).Error(0)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueue(t *testing.T, db *database.DB, entityType, remoteID, action, payload string) int64 {
	t.Helper()
	entry := &models.ChangeQueueEntry{
		EntityType: entityType,
		RemoteID:   remoteID,
		Action:     action,
		Payload:    payload,
		Status:     models.StatusPending,
	}
	require.NoError(t, db.EnqueueChange(context.Background(), entry))
	return entry.ID
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
