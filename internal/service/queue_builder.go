package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"

	"github.com/rs/zerolog"
)

// RequestQueueBuilder composes the request list of a new session: the host probe,
// every pending change in FIFO order, then one query per tracked entity.
type RequestQueueBuilder struct {
	changes    domain.ChangeQueueRepository
	identities domain.IdentityRepository
	watermarks domain.WatermarkRepository
	qb         *qbxml.Builder
	entities   []string
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewRequestQueueBuilder(
	changes domain.ChangeQueueRepository,
	identities domain.IdentityRepository,
	watermarks domain.WatermarkRepository,
	qb *qbxml.Builder,
	entities []string,
	logger *zerolog.Logger,
) *RequestQueueBuilder {
	if len(entities) == 0 {
		entities = models.DefaultEntities
	}
	return &RequestQueueBuilder{
		changes:    changes,
		identities: identities,
		watermarks: watermarks,
		qb:         qb,
		entities:   entities,
		logger:     logger,
		now:        time.Now,
	}
}

// Build reads the change queue and watermarks; it writes nothing. Entries that cannot
// be turned into a request are returned in Rejected, adds for records QuickBooks already
// has in Settled.
func (b *RequestQueueBuilder) Build(ctx context.Context) (*models.BuiltQueue, error) {
	queuedAt := b.now().UTC()
	out := &models.BuiltQueue{}

	add := func(kind models.QueueKind, direction string, cmd qbxml.Command, meta *models.QueueMeta) {
		id := strconv.Itoa(len(out.Items) + 1)
		if meta != nil {
			meta.QueuedAt = queuedAt
		}
		out.Items = append(out.Items, models.QueueItem{
			Kind:      kind,
			RequestID: id,
			Payload:   b.qb.Build(cmd.WithRequestID(id)),
			Direction: direction,
			Meta:      meta,
		})
	}

	add(models.QueueKindProbe, models.DirectionQBToBitrix, qbxml.HostQuery(), nil)

	pending, err := b.changes.PendingChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}
	for _, entry := range pending {
		settled, err := b.alreadyPresent(ctx, entry)
		if err != nil {
			return nil, err
		}
		if settled != "" {
			out.Settled = append(out.Settled, models.ResolvedChange{ChangeQueueID: entry.ID, Reason: settled})
			continue
		}

		cmd, reason, err := b.changeCommand(ctx, entry)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			out.Rejected = append(out.Rejected, models.ResolvedChange{ChangeQueueID: entry.ID, Reason: reason})
			continue
		}
		add(models.QueueKindChange, models.DirectionBitrixToQB, cmd, &models.QueueMeta{
			ChangeQueueID: entry.ID,
			RemoteID:      entry.RemoteID,
			EntityType:    models.NormalizeEntityType(entry.EntityType),
			Action:        entry.Action,
		})
	}

	for _, entity := range b.entities {
		since, ok, err := b.watermarks.Watermark(ctx, entity, models.DirectionQBToBitrix)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s watermark: %w", entity, err)
		}
		cmd, err := qbxml.EntityQuery(entity, since)
		if err != nil {
			return nil, err
		}
		add(models.QueueKindQuery, models.DirectionQBToBitrix, cmd, &models.QueueMeta{
			EntityType:  entity,
			Action:      "query",
			Incremental: ok,
		})
	}

	b.logger.Debug().
		Int("requests", len(out.Items)).
		Int("changes", len(pending)).
		Int("rejected", len(out.Rejected)).
		Int("settled", len(out.Settled)).
		Msg("Request queue built")
	return out, nil
}

// alreadyPresent reports why an add needs no request: the remote record is mapped to a
// QuickBooks record, typically because the reconciler created it and Bitrix24 echoed the add.
func (b *RequestQueueBuilder) alreadyPresent(ctx context.Context, entry models.ChangeQueueEntry) (string, error) {
	if entry.Action != models.ActionAdd {
		return "", nil
	}
	entity := models.NormalizeEntityType(entry.EntityType)
	m, err := b.mapping(ctx, entity, entry.RemoteID)
	if err != nil || m == nil {
		return "", err
	}
	return fmt.Sprintf("%s %s already in QuickBooks as %s", entity, entry.RemoteID, m.LocalKey), nil
}

// changeCommand turns one pending entry into a qbXML command. A non-empty reason means
// the entry can never be sent as it stands.
func (b *RequestQueueBuilder) changeCommand(ctx context.Context, entry models.ChangeQueueEntry) (qbxml.Command, string, error) {
	entity := models.NormalizeEntityType(entry.EntityType)

	switch {
	case entity == models.EntityCustomers && entry.Action == models.ActionAdd:
		var f qbxml.CustomerFields
		if reason := decodePayload(entry.Payload, &f); reason != "" {
			return qbxml.Command{}, reason, nil
		}
		if f.Name == "" {
			return qbxml.Command{}, "customer payload has no name", nil
		}
		return qbxml.CustomerAdd(f), "", nil

	case entity == models.EntityCustomers && entry.Action == models.ActionUpdate:
		var f qbxml.CustomerFields
		if reason := decodePayload(entry.Payload, &f); reason != "" {
			return qbxml.Command{}, reason, nil
		}
		if f.Name == "" {
			return qbxml.Command{}, "customer payload has no name", nil
		}
		m, err := b.mapping(ctx, entity, entry.RemoteID)
		if err != nil {
			return qbxml.Command{}, "", err
		}
		if m == nil {
			// Never reached QuickBooks; create it instead.
			return qbxml.CustomerAdd(f), "", nil
		}
		if m.EditSequence == "" {
			return qbxml.Command{}, fmt.Sprintf("no EditSequence known for customer %s", m.LocalKey), nil
		}
		return qbxml.CustomerMod(m.LocalKey, m.EditSequence, f), "", nil

	case entity == models.EntityCustomers && entry.Action == models.ActionDelete:
		m, err := b.mapping(ctx, entity, entry.RemoteID)
		if err != nil {
			return qbxml.Command{}, "", err
		}
		if m == nil {
			return qbxml.Command{}, fmt.Sprintf("no QuickBooks customer mapped to %s", entry.RemoteID), nil
		}
		return qbxml.ListDel("Customer", m.LocalKey), "", nil

	case entity == models.EntityVendors && entry.Action == models.ActionAdd:
		var f qbxml.VendorFields
		if reason := decodePayload(entry.Payload, &f); reason != "" {
			return qbxml.Command{}, reason, nil
		}
		if f.Name == "" {
			return qbxml.Command{}, "vendor payload has no name", nil
		}
		return qbxml.VendorAdd(f), "", nil

	case entity == models.EntityItems && entry.Action == models.ActionAdd:
		var f qbxml.ItemServiceFields
		if reason := decodePayload(entry.Payload, &f); reason != "" {
			return qbxml.Command{}, reason, nil
		}
		if f.Name == "" {
			return qbxml.Command{}, "item payload has no name", nil
		}
		return qbxml.ItemServiceAdd(f), "", nil
	}

	return qbxml.Command{}, fmt.Sprintf("unsupported change %s/%s", entry.EntityType, entry.Action), nil
}

func (b *RequestQueueBuilder) mapping(ctx context.Context, entity, remoteID string) (*models.IdentityMapping, error) {
	m, err := b.identities.MappingByRemote(ctx, entity, remoteID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s mapping for %s: %w", entity, remoteID, err)
	}
	return m, nil
}

func decodePayload(payload string, out interface{}) string {
	if payload == "" {
		return "empty payload"
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return "undecodable payload: " + err.Error()
	}
	return ""
}
