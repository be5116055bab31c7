package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

var errNoChat = errors.New("owner has no linked telegram chat")

var _ services.Sender = (*Bot)(nil)

// Send delivers a notification to the owner's linked chat, with buttons
// matching its payload.
func (b *Bot) Send(_ context.Context, p *models.Profile, n *models.Notification) error {
	if p.TelegramChatID == 0 {
		return errNoChat
	}
	text := n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}
	msg := tgbotapi.NewMessage(p.TelegramChatID, text)
	if kb, ok := keyboardFor(n.Payload); ok {
		msg.ReplyMarkup = kb
	}
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func keyboardFor(payload map[string]any) (tgbotapi.InlineKeyboardMarkup, bool) {
	kind, _ := payload["type"].(string)
	switch kind {
	case services.PayloadAutopilotApplied:
		if token, ok := payload["undo_token"].(string); ok {
			return undoKeyboard(token), true
		}
	case services.PayloadAutopilotSuggest:
		if id, ok := payloadID(payload); ok {
			return conflictKeyboard(id, models.StatusSuggested), true
		}
	case services.PayloadConflictNotice:
		if id, ok := payloadID(payload); ok {
			return conflictKeyboard(id, models.StatusOpen), true
		}
	}
	return tgbotapi.InlineKeyboardMarkup{}, false
}

func payloadID(payload map[string]any) (uuid.UUID, bool) {
	raw, _ := payload["conflict_id"].(string)
	id, err := uuid.Parse(raw)
	return id, err == nil
}
