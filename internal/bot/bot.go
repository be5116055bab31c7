package bot

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/natindo/PrayerVigil/internal/services"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Services are the operations the chat commands drive.
type Services struct {
	Store     services.Store
	Detector  *services.Detector
	Lifecycle *services.Lifecycle
	Autopilot *services.Autopilot
	Commands  *services.Commands
	Now       func() time.Time
}

// Bot обрабатывает команды и нажатия кнопок, а также доставляет уведомления.
type Bot struct {
	api API
	svc Services
}

// New связывает бота с сервисами.
func New(api API, svc Services) *Bot {
	return &Bot{api: api, svc: svc}
}

// NewBot инициализирует и возвращает *tgbotapi.BotAPI
func NewBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = debug
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "Запустить бота"},
		{Command: "help", Description: "Справка"},
		{Command: "link", Description: "Привязать аккаунт по API-токену"},
		{Command: "check", Description: "Проверить неделю на конфликты с намазами"},
		{Command: "today", Description: "События на сегодня"},
		{Command: "conflicts", Description: "Нерешённые конфликты"},
		{Command: "autopilot", Description: "Запустить автопилот"},
		{Command: "undo", Description: "Отменить действие автопилота"},
	}

	if _, err := api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return nil, err
	}
	slog.Info("Telegram bot initialised", "username", api.Self.UserName)
	return api, nil
}

// Run запускает основной цикл: чтение апдейтов и их обработку
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate routes one update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	// Inline-кнопки (CallbackQuery)
	if update.CallbackQuery != nil {
		b.handleCallbackQuery(ctx, update.CallbackQuery)
		return
	}

	// Обычные сообщения
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	b.handleCommand(ctx, update.Message)
}

func (b *Bot) now() time.Time {
	if b.svc.Now != nil {
		return b.svc.Now()
	}
	return time.Now()
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Warn("Telegram send failed", "chat", chatID, "error", err)
	}
}
