package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
)

var ErrInvalidChange = errors.New("invalid change")

// ChangeIntake records Bitrix24-side changes in the change queue.
type ChangeIntake struct {
	changes domain.ChangeQueueRepository
	crm     domain.CRMClient
	events  domain.EventPublisher
	logger  *zerolog.Logger
}

func NewChangeIntake(changes domain.ChangeQueueRepository, crm domain.CRMClient, publisher domain.EventPublisher, logger *zerolog.Logger) *ChangeIntake {
	return &ChangeIntake{
		changes: changes,
		crm:     crm,
		events:  publisher,
		logger:  logger,
	}
}

// Enqueue stores a pending change. Payload is JSON-encoded unless it is already a string.
func (s *ChangeIntake) Enqueue(ctx context.Context, entityType, remoteID, action string, payload interface{}) (*models.ChangeQueueEntry, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("%w: entity type and remote id are required", ErrInvalidChange)
	}
	switch action {
	case models.ActionAdd, models.ActionUpdate, models.ActionDelete:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidChange, action)
	}

	var raw string
	switch p := payload.(type) {
	case nil:
	case string:
		raw = p
	case []byte:
		raw = string(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode change payload: %w", err)
		}
		raw = string(data)
	}

	entry := &models.ChangeQueueEntry{
		EntityType: entityType,
		RemoteID:   remoteID,
		Action:     action,
		Payload:    raw,
		Status:     models.StatusPending,
	}
	if err := s.changes.EnqueueChange(ctx, entry); err != nil {
		return nil, err
	}
	metrics.IncChange(models.StatusPending)

	s.logger.Info().
		Int64("change_queue_id", entry.ID).
		Str("entity_type", entityType).
		Str("bitrix_id", remoteID).
		Str("action", action).
		Msg("Change queued")
	if s.events != nil {
		_ = s.events.PublishJSON(events.EventChangeQueued, events.SyncEventPayload{
			Direction:     models.DirectionBitrixToQB,
			EntityType:    entityType,
			BitrixID:      remoteID,
			Action:        action,
			Status:        models.StatusPending,
			ChangeQueueID: entry.ID,
			At:            entry.CreatedAt,
		})
	}
	return entry, nil
}

type webhookTarget struct {
	kind   bitrix.EntityKind
	action string
}

// webhookEvents lists the Bitrix24 events that become customer changes.
var webhookEvents = map[string]webhookTarget{
	"ONCRMCONTACTADD":    {bitrix.KindContact, models.ActionAdd},
	"ONCRMCONTACTUPDATE": {bitrix.KindContact, models.ActionUpdate},
	"ONCRMCONTACTDELETE": {bitrix.KindContact, models.ActionDelete},
	"ONCRMCOMPANYADD":    {bitrix.KindCompany, models.ActionAdd},
	"ONCRMCOMPANYUPDATE": {bitrix.KindCompany, models.ActionUpdate},
	"ONCRMCOMPANYDELETE": {bitrix.KindCompany, models.ActionDelete},
}

// HandleEvent turns a Bitrix24 outbound webhook event into a change queue entry.
// Events without a QuickBooks counterpart return nil, nil.
func (s *ChangeIntake) HandleEvent(ctx context.Context, event, id string) (*models.ChangeQueueEntry, error) {
	event = strings.ToUpper(strings.TrimSpace(event))
	target, ok := webhookEvents[event]
	if !ok {
		s.logger.Info().Str("event", event).Str("id", id).Msg("Bitrix24 event ignored")
		return nil, nil
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %s without record id", ErrInvalidChange, event)
	}

	remoteID := id
	if target.kind == bitrix.KindCompany {
		remoteID = bitrix.CompanyRemoteID(id)
	}
	if target.action == models.ActionDelete {
		return s.Enqueue(ctx, "customer", remoteID, target.action, nil)
	}

	if s.crm == nil || !s.crm.Configured() {
		return nil, bitrix.ErrNotConfigured
	}
	record, err := s.crm.Get(ctx, target.kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", target.kind, id, err)
	}
	fields := bitrix.ContactToCustomerFields(record)
	if target.kind == bitrix.KindCompany {
		fields = bitrix.CompanyToCustomerFields(record)
	}
	return s.Enqueue(ctx, "customer", remoteID, target.action, fields)
}
