package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"

	"github.com/rs/zerolog"
)

// errNoCounterpart marks records (accounts, classes) that have no Bitrix24 entity.
var errNoCounterpart = errors.New("no Bitrix24 counterpart")

// Reconciler applies parsed qbXML responses to the change queue, the identity and
// watermark stores and Bitrix24.
type Reconciler struct {
	changes    domain.ChangeQueueRepository
	identities domain.IdentityRepository
	watermarks domain.WatermarkRepository
	crm        domain.CRMClient
	events     domain.EventPublisher
	currency   string
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewReconciler(
	changes domain.ChangeQueueRepository,
	identities domain.IdentityRepository,
	watermarks domain.WatermarkRepository,
	crm domain.CRMClient,
	publisher domain.EventPublisher,
	currency string,
	logger *zerolog.Logger,
) *Reconciler {
	if currency == "" {
		currency = "USD"
	}
	return &Reconciler{
		changes:    changes,
		identities: identities,
		watermarks: watermarks,
		crm:        crm,
		events:     publisher,
		currency:   currency,
		logger:     logger,
		now:        time.Now,
	}
}

// Route parses response and applies it according to the kind of request that produced it.
func (r *Reconciler) Route(ctx context.Context, item models.QueueItem, response string) error {
	resp := qbxml.Parse(response)
	outcome := "ok"
	if !resp.Success && !resp.NoMatch() {
		outcome = "failed"
	}
	metrics.IncResponse(string(item.Kind), outcome)

	switch item.Kind {
	case models.QueueKindProbe:
		r.handleProbe(resp)
		return nil
	case models.QueueKindChange:
		return r.handleChange(ctx, item, resp)
	case models.QueueKindQuery:
		return r.handleQuery(ctx, item, resp)
	}
	return fmt.Errorf("unknown queue item kind %q", item.Kind)
}

func (r *Reconciler) handleProbe(resp *qbxml.Response) {
	if !resp.Success {
		r.logger.Warn().Str("status", resp.StatusMessage).Msg("Host query failed")
		return
	}
	for _, rec := range resp.Records {
		if host, ok := rec.(qbxml.Host); ok {
			r.logger.Info().
				Str("product", host.ProductName).
				Str("version", host.MajorVersion+"."+host.MinorVersion).
				Strs("qbxml_versions", host.SupportedQBXMLVersions).
				Msg("Connected to QuickBooks")
		}
	}
}

func (r *Reconciler) handleChange(ctx context.Context, item models.QueueItem, resp *qbxml.Response) error {
	meta := item.Meta
	if meta == nil || meta.ChangeQueueID == 0 {
		return fmt.Errorf("change request %s has no change queue id", item.RequestID)
	}

	if !resp.Success {
		return r.failChange(ctx, meta, "", resp.StatusMessage)
	}
	if len(resp.Records) == 0 {
		return r.failChange(ctx, meta, "", "No data returned")
	}
	rec := resp.Records[0]
	localKey := rec.LocalKey()
	if localKey == "" {
		return r.failChange(ctx, meta, "", "response carries no ListID or TxnID")
	}

	if meta.Action != models.ActionDelete {
		err := r.identities.UpsertMapping(ctx, models.IdentityMapping{
			EntityType:   meta.EntityType,
			LocalKey:     localKey,
			RemoteID:     meta.RemoteID,
			EditSequence: rec.Revision(),
		})
		if err != nil {
			return r.failChange(ctx, meta, localKey, err.Error())
		}
	}

	if err := r.changes.MarkChangeProcessed(ctx, meta.ChangeQueueID, models.StatusCompleted, ""); err != nil {
		if errors.Is(err, database.ErrAlreadyProcessed) {
			r.logger.Warn().Int64("change_queue_id", meta.ChangeQueueID).Msg("Change already processed")
			return nil
		}
		return fmt.Errorf("failed to complete change %d: %w", meta.ChangeQueueID, err)
	}
	metrics.IncChange(models.StatusCompleted)

	r.logger.Info().
		Int64("change_queue_id", meta.ChangeQueueID).
		Str("entity_type", meta.EntityType).
		Str("qb_id", localKey).
		Str("bitrix_id", meta.RemoteID).
		Str("action", meta.Action).
		Msg("Change applied in QuickBooks")
	r.publish(events.EventChangeCompleted, events.SyncEventPayload{
		Direction:     models.DirectionBitrixToQB,
		EntityType:    meta.EntityType,
		QBID:          localKey,
		BitrixID:      meta.RemoteID,
		Action:        meta.Action,
		Status:        models.StatusCompleted,
		ChangeQueueID: meta.ChangeQueueID,
	})
	return nil
}

func (r *Reconciler) failChange(ctx context.Context, meta *models.QueueMeta, localKey, reason string) error {
	r.logger.Error().
		Int64("change_queue_id", meta.ChangeQueueID).
		Str("entity_type", meta.EntityType).
		Str("qb_id", localKey).
		Str("bitrix_id", meta.RemoteID).
		Str("action", meta.Action).
		Str("reason", reason).
		Msg("Change failed in QuickBooks")

	err := r.changes.MarkChangeProcessed(ctx, meta.ChangeQueueID, models.StatusFailed, reason)
	if errors.Is(err, database.ErrAlreadyProcessed) {
		r.logger.Warn().Int64("change_queue_id", meta.ChangeQueueID).Msg("Change already processed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark change %d failed: %w", meta.ChangeQueueID, err)
	}
	metrics.IncChange(models.StatusFailed)
	r.publish(events.EventChangeFailed, events.SyncEventPayload{
		Direction:     models.DirectionBitrixToQB,
		EntityType:    meta.EntityType,
		QBID:          localKey,
		BitrixID:      meta.RemoteID,
		Action:        meta.Action,
		Status:        models.StatusFailed,
		Message:       reason,
		ChangeQueueID: meta.ChangeQueueID,
	})
	return nil
}

func (r *Reconciler) handleQuery(ctx context.Context, item models.QueueItem, resp *qbxml.Response) error {
	meta := item.Meta
	if meta == nil || meta.EntityType == "" {
		return fmt.Errorf("query request %s has no entity type", item.RequestID)
	}
	entity := meta.EntityType

	if !resp.Success && !resp.NoMatch() {
		r.logger.Error().Str("entity_type", entity).Str("status", resp.StatusMessage).Msg("Query failed")
		return nil
	}
	if r.crm == nil || !r.crm.Configured() {
		r.logger.Warn().Str("entity_type", entity).Int("records", len(resp.Records)).
			Msg("Bitrix24 not configured, skipping sync")
		return nil
	}

	synced, failed, skipped := 0, 0, 0
	for _, rec := range resp.Records {
		remoteID, action, err := r.syncRecord(ctx, entity, rec)
		switch {
		case errors.Is(err, errNoCounterpart):
			skipped++
		case err != nil:
			failed++
			metrics.IncRecord(entity, "failed")
			r.logger.Error().Err(err).
				Str("entity_type", entity).
				Str("qb_id", rec.LocalKey()).
				Str("bitrix_id", remoteID).
				Str("action", action).
				Msg("Failed to sync record to Bitrix24")
			r.publish(events.EventRecordFailed, events.SyncEventPayload{
				Direction:  models.DirectionQBToBitrix,
				EntityType: entity,
				QBID:       rec.LocalKey(),
				BitrixID:   remoteID,
				Action:     action,
				Status:     models.StatusFailed,
				Message:    err.Error(),
			})
		default:
			synced++
			metrics.IncRecord(entity, "ok")
			r.publish(events.EventRecordSynced, events.SyncEventPayload{
				Direction:  models.DirectionQBToBitrix,
				EntityType: entity,
				QBID:       rec.LocalKey(),
				BitrixID:   remoteID,
				Action:     action,
				Status:     models.StatusCompleted,
			})
		}
	}

	// Window start of this session: records changed while it ran are fetched again next time.
	at := meta.QueuedAt
	if at.IsZero() {
		at = r.now()
	}
	if err := r.watermarks.AdvanceWatermark(ctx, entity, models.DirectionQBToBitrix, at); err != nil {
		return fmt.Errorf("failed to advance %s watermark: %w", entity, err)
	}

	r.logger.Info().
		Str("entity_type", entity).
		Int("synced", synced).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("Query processed")
	return nil
}

// syncRecord pushes one record to Bitrix24 and refreshes its identity mapping.
// It returns the remote id and the action attempted.
func (r *Reconciler) syncRecord(ctx context.Context, entity string, rec qbxml.Record) (string, string, error) {
	localKey := rec.LocalKey()
	if localKey == "" {
		return "", "", errNoCounterpart
	}
	existing, err := r.lookup(ctx, entity, localKey)
	if err != nil {
		return "", "", err
	}

	var remoteID, action string
	switch v := rec.(type) {
	case qbxml.Customer:
		remoteID, action, err = r.syncCustomer(ctx, v, existing)
	case qbxml.Vendor:
		remoteID, action, err = r.upsert(ctx, bitrix.KindCompany, bitrix.VendorToCompany(v), existing, bitrix.CompanyRemoteID)
	case qbxml.Item:
		remoteID, action, err = r.syncItem(ctx, v, existing)
	case qbxml.Invoice:
		deal := bitrix.InvoiceToDeal(v, r.currency)
		r.linkCustomer(ctx, deal, v.CustomerRef)
		remoteID, action, err = r.upsert(ctx, bitrix.KindDeal, deal, existing, nil)
	case qbxml.Estimate:
		deal := bitrix.EstimateToDeal(v, r.currency)
		r.linkCustomer(ctx, deal, v.CustomerRef)
		remoteID, action, err = r.upsert(ctx, bitrix.KindDeal, deal, existing, nil)
	default:
		return "", "", errNoCounterpart
	}
	if err != nil {
		return remoteID, action, err
	}

	err = r.identities.UpsertMapping(ctx, models.IdentityMapping{
		EntityType:   entity,
		LocalKey:     localKey,
		RemoteID:     remoteID,
		EditSequence: rec.Revision(),
	})
	return remoteID, action, err
}

func (r *Reconciler) lookup(ctx context.Context, entity, localKey string) (*models.IdentityMapping, error) {
	m, err := r.identities.MappingByLocal(ctx, entity, localKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// upsert updates the mapped record or creates a new one. remoteID converts a new
// Bitrix24 id into the stored form; nil stores it as is.
func (r *Reconciler) upsert(ctx context.Context, kind bitrix.EntityKind, fields bitrix.Fields, existing *models.IdentityMapping, remoteID func(string) string) (string, string, error) {
	if existing != nil && existing.RemoteID != "" {
		_, id := bitrix.SplitRemoteID(existing.RemoteID)
		return existing.RemoteID, models.ActionUpdate, r.crm.Update(ctx, kind, id, fields)
	}
	id, err := r.crm.Create(ctx, kind, fields)
	if err != nil {
		return "", models.ActionAdd, err
	}
	if remoteID != nil {
		id = remoteID(id)
	}
	return id, models.ActionAdd, nil
}

// syncCustomer keeps an already mapped customer on the entity it was mapped to;
// new customers with a company name become companies.
func (r *Reconciler) syncCustomer(ctx context.Context, c qbxml.Customer, existing *models.IdentityMapping) (string, string, error) {
	kind := bitrix.KindContact
	if existing != nil && existing.RemoteID != "" {
		kind, _ = bitrix.SplitRemoteID(existing.RemoteID)
	} else if c.CompanyName != "" {
		kind = bitrix.KindCompany
	}
	if kind == bitrix.KindCompany {
		return r.upsert(ctx, kind, bitrix.CustomerToCompany(c), existing, bitrix.CompanyRemoteID)
	}
	return r.upsert(ctx, kind, bitrix.CustomerToContact(c), existing, nil)
}

// syncItem reuses a catalog product already carrying the item's XML_ID.
func (r *Reconciler) syncItem(ctx context.Context, it qbxml.Item, existing *models.IdentityMapping) (string, string, error) {
	fields := bitrix.ItemToProduct(it, r.currency)
	if existing == nil || existing.RemoteID == "" {
		found, err := r.crm.Find(ctx, bitrix.KindProduct, bitrix.Fields{"XML_ID": bitrix.ProductXMLID(it.ListID)})
		if err != nil {
			return "", models.ActionAdd, err
		}
		if len(found) > 0 {
			existing = &models.IdentityMapping{RemoteID: found[0].String("ID")}
		}
	}
	return r.upsert(ctx, bitrix.KindProduct, fields, existing, nil)
}

func (r *Reconciler) linkCustomer(ctx context.Context, deal bitrix.Fields, ref *qbxml.Ref) {
	if ref == nil || ref.ListID == "" {
		return
	}
	m, err := r.lookup(ctx, models.EntityCustomers, ref.ListID)
	if err != nil {
		r.logger.Warn().Err(err).Str("customer", ref.ListID).Msg("Failed to resolve deal customer")
		return
	}
	if m != nil {
		bitrix.LinkCustomer(deal, m.RemoteID)
	}
}

func (r *Reconciler) publish(eventType string, payload events.SyncEventPayload) {
	if r.events == nil {
		return
	}
	payload.At = r.now().UTC()
	if err := r.events.PublishJSON(eventType, payload); err != nil {
		r.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
