package notify

import (
	"fmt"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier alerts operators when a change queue entry fails, since failed
// entries stay failed until someone requeues them.
type TelegramNotifier struct {
	sender  domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegramNotifier(cfg config.TelegramConfig, logger *zerolog.Logger) (*TelegramNotifier, error) {
	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewNotifier(botAPI, cfg.ChatIDs, logger), nil
}

func NewNotifier(sender domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatIDs: chatIDs, logger: logger}
}

func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventChangeFailed, n.Handle)
}

func (n *TelegramNotifier) Handle(event *events.Event) error {
	p, err := event.Decode()
	if err != nil {
		return err
	}
	text := FormatChangeFailure(p)

	var failed []string
	for _, chatID := range n.chatIDs {
		if _, err := n.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send telegram alert")
			failed = append(failed, fmt.Sprint(chatID))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("telegram alert not delivered to %s", strings.Join(failed, ", "))
	}
	return nil
}

// FormatChangeFailure renders the operator message for a failed change.
func FormatChangeFailure(p events.SyncEventPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ Change #%d failed\n", p.ChangeQueueID)
	fmt.Fprintf(&sb, "%s %s (Bitrix24 %s)\n", p.Action, p.EntityType, p.BitrixID)
	if p.QBID != "" {
		fmt.Fprintf(&sb, "QuickBooks: %s\n", p.QBID)
	}
	if p.Message != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", p.Message)
	}
	fmt.Fprintf(&sb, "Requeue with: qbbridge requeue %d", p.ChangeQueueID)
	return sb.String()
}
