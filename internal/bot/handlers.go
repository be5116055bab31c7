package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

const (
	checkDays      = 7
	conflictsLimit = 10
)

const helpText = "Справка:\n" +
	"/link <токен> — привязать этот чат к аккаунту\n" +
	"/check — проверить ближайшую неделю на конфликты с намазами\n" +
	"/today — события на сегодня\n" +
	"/conflicts — нерешённые конфликты с кнопками\n" +
	"/autopilot — разобрать конфликты автопилотом\n" +
	"/undo <токен> — отменить изменение автопилота\n" +
	"/help — справка"

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.cmdStart(ctx, msg)
	case "help":
		b.reply(msg.Chat.ID, helpText)
	case "link":
		b.cmdLink(ctx, msg)
	case "check":
		b.cmdCheck(ctx, msg)
	case "today":
		b.cmdToday(ctx, msg)
	case "conflicts":
		b.cmdConflicts(ctx, msg)
	case "autopilot":
		b.cmdAutopilot(ctx, msg)
	case "undo":
		b.cmdUndo(ctx, msg)
	default:
		b.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
	}
}

// owner returns the owner linked to the chat or tells the user how to link.
func (b *Bot) owner(ctx context.Context, chatID int64) (uuid.UUID, bool) {
	owner, err := b.svc.Store.OwnerByTelegramChat(ctx, chatID)
	if err == nil {
		return owner, true
	}
	if !errors.Is(err, models.ErrNotFound) {
		slog.Error("Owner lookup failed", "chat", chatID, "error", err)
		b.reply(chatID, "Произошла ошибка, попробуйте позже.")
		return uuid.Nil, false
	}
	b.reply(chatID, "Чат не привязан. Отправьте /link <токен> из настроек аккаунта.")
	return uuid.Nil, false
}

func (b *Bot) cmdStart(ctx context.Context, msg *tgbotapi.Message) {
	text := "Привет! Я слежу, чтобы встречи не пересекались с намазами.\n\n" + helpText
	if _, err := b.svc.Store.OwnerByTelegramChat(ctx, msg.Chat.ID); err != nil {
		text += "\n\nЧтобы начать, привяжите чат: /link <токен>"
	}
	b.reply(msg.Chat.ID, text)
}

func (b *Bot) cmdLink(ctx context.Context, msg *tgbotapi.Message) {
	token := strings.TrimSpace(msg.CommandArguments())
	if token == "" {
		b.reply(msg.Chat.ID, "Укажите токен: /link <токен>")
		return
	}
	owner, err := b.svc.Store.OwnerByAPIToken(ctx, token)
	if err != nil {
		b.reply(msg.Chat.ID, "Токен не найден.")
		return
	}
	if err := b.svc.Store.LinkTelegramChat(ctx, owner, msg.Chat.ID); err != nil {
		slog.Error("Link telegram chat failed", "owner", owner, "error", err)
		b.reply(msg.Chat.ID, "Не удалось привязать чат.")
		return
	}
	slog.Info("Telegram chat linked", "owner", owner, "chat", msg.Chat.ID)
	b.reply(msg.Chat.ID, "Чат привязан. Уведомления будут приходить сюда.")
}

func (b *Bot) cmdCheck(ctx context.Context, msg *tgbotapi.Message) {
	owner, ok := b.owner(ctx, msg.Chat.ID)
	if !ok {
		return
	}
	profile, err := b.svc.Store.GetProfile(ctx, owner)
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	loc := profile.Location()
	start := interval.DayRange(interval.DateOf(b.now(), loc), loc).Start
	res, err := b.svc.Detector.Detect(ctx, owner, start, start.AddDate(0, 0, checkDays), 0)
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}

	var sb strings.Builder
	if len(res.Conflicts) == 0 {
		sb.WriteString("На ближайшую неделю конфликтов нет.")
	} else {
		fmt.Fprintf(&sb, "Найдено конфликтов: %d. Подробнее: /conflicts", len(res.Conflicts))
	}
	if len(res.MissingDates) > 0 {
		days := make([]string, 0, len(res.MissingDates))
		for _, d := range res.MissingDates {
			days = append(days, interval.DateKey(d))
		}
		fmt.Fprintf(&sb, "\nНет времени намазов на: %s", strings.Join(days, ", "))
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) cmdToday(ctx context.Context, msg *tgbotapi.Message) {
	owner, ok := b.owner(ctx, msg.Chat.ID)
	if !ok {
		return
	}
	profile, err := b.svc.Store.GetProfile(ctx, owner)
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	agenda, err := services.GetAgenda(ctx, b.svc.Store, owner, b.now())
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	if len(agenda.Events) == 0 {
		b.reply(msg.Chat.ID, "На сегодня нет событий.")
		return
	}

	loc := profile.Location()
	var sb strings.Builder
	sb.WriteString("Ваши события на сегодня:\n")
	for i, e := range agenda.Events {
		fmt.Fprintf(&sb, "%d) %s (%s - %s)", i+1, e.Title,
			e.StartTime.In(loc).Format("15:04"), e.EndTime.In(loc).Format("15:04"))
		for _, c := range agenda.Conflicts[e.ID] {
			fmt.Fprintf(&sb, " ! %s, %d мин", c.Prayer, c.OverlapMinutes)
		}
		sb.WriteString("\n")
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) cmdConflicts(ctx context.Context, msg *tgbotapi.Message) {
	owner, ok := b.owner(ctx, msg.Chat.ID)
	if !ok {
		return
	}
	profile, err := b.svc.Store.GetProfile(ctx, owner)
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	list, err := b.svc.Store.ListConflicts(ctx, owner, services.ConflictFilter{
		Statuses: []models.ConflictStatus{models.StatusOpen, models.StatusSuggested, models.StatusSnoozed},
		Limit:    conflictsLimit,
	})
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	if len(list) == 0 {
		b.reply(msg.Chat.ID, "Нерешённых конфликтов нет.")
		return
	}

	loc := profile.Location()
	for _, c := range list {
		title := "событие"
		if ev, err := b.svc.Store.GetEvent(ctx, owner, c.EventID); err == nil {
			title = ev.Title
		}
		text := fmt.Sprintf("%s: %s пересекается с %s (%s - %s) на %d мин, %s",
			interval.DateKey(c.Date), title, c.Prayer,
			c.PrayerStart.In(loc).Format("15:04"), c.PrayerEnd.In(loc).Format("15:04"),
			c.OverlapMinutes, severityText(c.Severity))
		if c.Suggestion != nil {
			text += "\nПредложение: " + string(c.Suggestion.Type)
		}
		out := tgbotapi.NewMessage(msg.Chat.ID, text)
		out.ReplyMarkup = conflictKeyboard(c.ID, c.Status)
		if _, err := b.api.Send(out); err != nil {
			slog.Warn("Telegram send failed", "chat", msg.Chat.ID, "error", err)
		}
	}
}

func (b *Bot) cmdAutopilot(ctx context.Context, msg *tgbotapi.Message) {
	owner, ok := b.owner(ctx, msg.Chat.ID)
	if !ok {
		return
	}
	decisions, err := b.svc.Autopilot.Run(ctx, owner)
	if err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	var applied, suggested, notified int
	for _, d := range decisions {
		switch {
		case d.Applied:
			applied++
		case d.RequiresConsent:
			suggested++
		default:
			notified++
		}
	}
	b.reply(msg.Chat.ID, fmt.Sprintf(
		"Автопилот: применено %d, ждут подтверждения %d, только уведомления %d.",
		applied, suggested, notified))
}

func (b *Bot) cmdUndo(ctx context.Context, msg *tgbotapi.Message) {
	owner, ok := b.owner(ctx, msg.Chat.ID)
	if !ok {
		return
	}
	token, err := uuid.Parse(strings.TrimSpace(msg.CommandArguments()))
	if err != nil {
		b.reply(msg.Chat.ID, "Укажите токен отмены: /undo <токен>")
		return
	}
	if _, err := b.svc.Lifecycle.UndoByToken(ctx, owner, token); err != nil {
		b.replyErr(msg.Chat.ID, err)
		return
	}
	b.reply(msg.Chat.ID, "Изменение автопилота отменено.")
}

func (b *Bot) replyErr(chatID int64, err error) {
	b.reply(chatID, errorText(err))
}

func errorText(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "Не найдено."
	case errors.Is(err, models.ErrInvalidTransition):
		return "Это действие сейчас недоступно."
	case errors.Is(err, models.ErrNoSuggestion):
		return "Для этого конфликта нет предложения."
	case errors.Is(err, models.ErrInvalidInput):
		return "Некорректный запрос."
	}
	slog.Error("Bot command failed", "error", err)
	return "Произошла ошибка, попробуйте позже."
}

func severityText(s models.Severity) string {
	if s == models.SeverityHard {
		return "серьёзно"
	}
	return "незначительно"
}
