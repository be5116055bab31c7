package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

// undoAction is the callback prefix carrying an autopilot undo token.
const undoAction = "undo"

var resultText = map[string]string{
	services.ActionAccept: "Предложение применено.",
	services.ActionIgnore: "Конфликт проигнорирован.",
	services.ActionSnooze: "Напомню позже.",
	services.ActionReopen: "Конфликт снова открыт.",
	undoAction:            "Изменение автопилота отменено.",
}

func conflictKeyboard(id uuid.UUID, status models.ConflictStatus) tgbotapi.InlineKeyboardMarkup {
	data := func(action string) string { return action + ":" + id.String() }
	if status == models.StatusSnoozed {
		return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Открыть снова", data(services.ActionReopen)),
			tgbotapi.NewInlineKeyboardButtonData("Игнорировать", data(services.ActionIgnore)),
		))
	}
	row := []tgbotapi.InlineKeyboardButton{}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData("Принять", data(services.ActionAccept)))
	row = append(row, tgbotapi.NewInlineKeyboardButtonData("Игнорировать", data(services.ActionIgnore)))
	if status == models.StatusOpen {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Отложить", data(services.ActionSnooze)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func undoKeyboard(token string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Отменить", undoAction+":"+token),
	))
}

// handleCallbackQuery обрабатывает клики по inline-кнопкам. Повторное
// нажатие той же кнопки не выполняет действие дважды: id колбэка служит
// ключом идемпотентности.
func (b *Bot) handleCallbackQuery(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil {
		b.answer(cq.ID, "")
		return
	}
	chatID := cq.Message.Chat.ID

	action, rawID, ok := strings.Cut(cq.Data, ":")
	id, err := uuid.Parse(rawID)
	if !ok || err != nil || (action != undoAction && !services.ValidAction(action)) {
		b.answer(cq.ID, "Неизвестное действие")
		return
	}
	owner, err := b.svc.Store.OwnerByTelegramChat(ctx, chatID)
	if err != nil {
		b.answer(cq.ID, "Чат не привязан")
		return
	}

	_, _, err = b.svc.Commands.Execute(ctx, owner, "tg:"+cq.ID, "telegram:"+action, func(ctx context.Context) (any, error) {
		if action == undoAction {
			return b.svc.Lifecycle.UndoByToken(ctx, owner, id)
		}
		return b.svc.Lifecycle.Resolve(ctx, owner, id, action, services.ResolveParams{})
	})
	if err != nil {
		slog.Warn("Callback action failed", "owner", owner, "action", action, "target", id, "error", err)
		b.answer(cq.ID, errorText(err))
		return
	}
	b.answer(cq.ID, resultText[action])
	b.reply(chatID, resultText[action])
}

// answer закрывает «часовые песочки» на кнопке.
func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("Answer callback failed", "error", err)
	}
}
