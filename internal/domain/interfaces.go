package domain

import (
	"context"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SessionRepository stores Web Connector sessions by ticket.
// Get returns nil, nil for an unknown ticket.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, ticket string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, ticket string) error
	Count(ctx context.Context) (int, error)
}

type ChangeQueueRepository interface {
	EnqueueChange(ctx context.Context, entry *models.ChangeQueueEntry) error
	PendingChanges(ctx context.Context) ([]models.ChangeQueueEntry, error)
	GetChange(ctx context.Context, id int64) (*models.ChangeQueueEntry, error)
	MarkChangeProcessed(ctx context.Context, id int64, status, errMsg string) error
	RequeueChange(ctx context.Context, id int64) error
	FailedChanges(ctx context.Context, limit int) ([]models.ChangeQueueEntry, error)
	CountChanges(ctx context.Context, status string) (int, error)
}

type IdentityRepository interface {
	UpsertMapping(ctx context.Context, m models.IdentityMapping) error
	MappingByLocal(ctx context.Context, entityType, localKey string) (*models.IdentityMapping, error)
	MappingByRemote(ctx context.Context, entityType, remoteID string) (*models.IdentityMapping, error)
	CountMappings(ctx context.Context) (int, error)
}

type WatermarkRepository interface {
	Watermark(ctx context.Context, entityType, direction string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, entityType, direction string, at time.Time) error
}

type SyncLogRepository interface {
	LogSync(ctx context.Context, entry *models.SyncLogEntry) error
	RecentSyncLog(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
	CountSyncsSince(ctx context.Context, since time.Time) (int, error)
}

// CRMClient is the Bitrix24 adapter used by the reconciler and the webhook intake.
type CRMClient interface {
	Configured() bool
	Get(ctx context.Context, kind bitrix.EntityKind, id string) (bitrix.Fields, error)
	Find(ctx context.Context, kind bitrix.EntityKind, filter bitrix.Fields) ([]bitrix.Fields, error)
	Create(ctx context.Context, kind bitrix.EntityKind, fields bitrix.Fields) (string, error)
	Update(ctx context.Context, kind bitrix.EntityKind, id string, fields bitrix.Fields) error
}

// ChangeNotifier records CRM-side changes for delivery to QuickBooks.
type ChangeNotifier interface {
	Enqueue(ctx context.Context, entityType, remoteID, action string, payload interface{}) (*models.ChangeQueueEntry, error)
}

type QueueBuilder interface {
	Build(ctx context.Context) (*models.BuiltQueue, error)
}

// ResponseRouter applies one qbXML response to the durable stores and the CRM.
type ResponseRouter interface {
	Route(ctx context.Context, item models.QueueItem, response string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
