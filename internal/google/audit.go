package google

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const auditQueueSize = 256

var auditHeader = []interface{}{"Time", "Direction", "Entity", "QB ID", "Bitrix ID", "Action", "Status", "Message"}

// AuditSheet mirrors sync outcomes into a Google Sheet. Rows are appended by a
// single background worker so event publishers never wait on the Sheets API.
type AuditSheet struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string
	queue         chan models.SyncLogEntry
	logger        *zerolog.Logger
}

func NewAuditSheet(ctx context.Context, cfg config.GoogleConfig, logger *zerolog.Logger) (*AuditSheet, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwt, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newAuditSheet(srv, cfg.AuditSpreadsheetID, cfg.AuditSheet, logger), nil
}

func newAuditSheet(srv *sheets.Service, spreadsheetID, sheet string, logger *zerolog.Logger) *AuditSheet {
	if sheet == "" {
		sheet = "SyncLog"
	}
	return &AuditSheet{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheet:         sheet,
		queue:         make(chan models.SyncLogEntry, auditQueueSize),
		logger:        logger,
	}
}

// TestConnection проверяет доступ к таблице и пишет заголовок, если лист пуст
func (a *AuditSheet) TestConnection(ctx context.Context) error {
	resp, err := a.service.Spreadsheets.Values.Get(a.spreadsheetID, a.sheet+"!A1:H1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}
	_, err = a.service.Spreadsheets.Values.Update(a.spreadsheetID, a.sheet+"!A1:H1", &sheets.ValueRange{
		Values: [][]interface{}{auditHeader},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Append writes audit rows below the existing data.
func (a *AuditSheet) Append(ctx context.Context, entries ...models.SyncLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		values = append(values, []interface{}{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Direction,
			e.EntityType,
			e.QBID,
			e.BitrixID,
			e.Action,
			e.Status,
			e.Message,
		})
	}
	_, err := a.service.Spreadsheets.Values.Append(a.spreadsheetID, a.sheet+"!A:H", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append audit rows: %w", err)
	}
	return nil
}

// Subscribe mirrors every outcome event into the sheet.
func (a *AuditSheet) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(a.Handle,
		events.EventRecordSynced,
		events.EventRecordFailed,
		events.EventChangeCompleted,
		events.EventChangeFailed,
	)
}

// Handle queues the event; a full queue drops it.
func (a *AuditSheet) Handle(event *events.Event) error {
	p, err := event.Decode()
	if err != nil {
		return err
	}
	entry := models.SyncLogEntry{
		Direction:  p.Direction,
		EntityType: p.EntityType,
		QBID:       p.QBID,
		BitrixID:   p.BitrixID,
		Action:     p.Action,
		Status:     p.Status,
		Message:    p.Message,
		CreatedAt:  p.At,
	}
	select {
	case a.queue <- entry:
	default:
		a.logger.Warn().Str("event", event.Type).Msg("Audit queue full, dropping row")
	}
	return nil
}

// Start drains the queue until ctx is done, batching rows that are already waiting.
func (a *AuditSheet) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-a.queue:
			batch := []models.SyncLogEntry{first}
		drain:
			for len(batch) < 50 {
				select {
				case e := <-a.queue:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := a.Append(callCtx, batch...); err != nil {
				a.logger.Error().Err(err).Int("rows", len(batch)).Msg("Failed to mirror sync log")
			}
			cancel()
		}
	}
}
