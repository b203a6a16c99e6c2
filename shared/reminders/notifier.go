package reminders

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"spacebook/internal/model"
)

// MessageSender is the subset of the Telegram bot API used for delivery.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers reminders as Telegram messages.
type TelegramNotifier struct {
	bot   MessageSender
	chats ChatResolver
}

func NewTelegramNotifier(bot MessageSender, chats ChatResolver) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chats: chats}
}

// SendReminder implements Notifier.
func (n *TelegramNotifier) SendReminder(ctx context.Context, r *Reminder) error {
	chatID, err := n.chats.TelegramChatID(ctx, r.Payload.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve chat for %s: %w", r.Payload.OwnerID, err)
	}
	if chatID == 0 {
		return ErrRecipientUnreachable
	}

	msg := tgbotapi.NewMessage(chatID, FormatMessage(r))
	if _, err := n.bot.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return &TelegramError{
				Code:       apiErr.Code,
				Message:    apiErr.Message,
				RetryAfter: apiErr.RetryAfter,
			}
		}
		return err
	}
	return nil
}

// FormatMessage renders the reminder text.
func FormatMessage(r *Reminder) string {
	return fmt.Sprintf("Reminder: your %s booking starts at %s.",
		r.Payload.Space, model.FormatTimestamp(r.Payload.StartTime.Local()))
}

// LogNotifier writes reminders to the log. It is used when no messaging
// channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// SendReminder implements Notifier.
func (n *LogNotifier) SendReminder(_ context.Context, r *Reminder) error {
	n.logger.Info().
		Str("reminder_id", r.ID).
		Str("user_id", r.Payload.OwnerID).
		Str("space", string(r.Payload.Space)).
		Time("start", r.Payload.StartTime).
		Msg(FormatMessage(r))
	return nil
}
