package service

import (
	"context"
	"fmt"

	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
)

// SyncLogRecorder writes reconciliation events to the sync log table.
type SyncLogRecorder struct {
	repo   domain.SyncLogRepository
	logger *zerolog.Logger
}

func NewSyncLogRecorder(repo domain.SyncLogRepository, logger *zerolog.Logger) *SyncLogRecorder {
	return &SyncLogRecorder{repo: repo, logger: logger}
}

// Subscribe attaches the recorder to every outcome event.
func (r *SyncLogRecorder) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(r.Handle,
		events.EventRecordSynced,
		events.EventRecordFailed,
		events.EventChangeCompleted,
		events.EventChangeFailed,
	)
}

func (r *SyncLogRecorder) Handle(event *events.Event) error {
	p, err := event.Decode()
	if err != nil {
		return fmt.Errorf("failed to decode %s event: %w", event.Type, err)
	}
	entry := &models.SyncLogEntry{
		Direction:  p.Direction,
		EntityType: p.EntityType,
		QBID:       p.QBID,
		BitrixID:   p.BitrixID,
		Action:     p.Action,
		Status:     p.Status,
		Message:    p.Message,
		CreatedAt:  p.At,
	}
	if err := r.repo.LogSync(context.Background(), entry); err != nil {
		r.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to write sync log")
		return err
	}
	return nil
}
