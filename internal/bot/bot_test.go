package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/memstore"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

type fakeAPI struct {
	sent     []tgbotapi.MessageConfig
	answered []tgbotapi.CallbackConfig
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

const chatID = 4242

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type harness struct {
	ctx   context.Context
	api   *fakeAPI
	store *memstore.Store
	bot   *Bot
	owner uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := func() time.Time { return day.Add(9 * time.Hour) }
	store := memstore.New()
	owner := uuid.New()
	store.PutProfile(models.Profile{OwnerID: owner, Timezone: "UTC", APIToken: "secret-token", AutopilotEnabled: true})
	sched := &services.Scheduler{Store: store, Now: now}
	h := &harness{ctx: context.Background(), api: &fakeAPI{}, store: store, owner: owner}
	h.bot = New(h.api, Services{
		Store:     store,
		Detector:  &services.Detector{Store: store, Now: now},
		Lifecycle: &services.Lifecycle{Store: store, Now: now},
		Autopilot: &services.Autopilot{Store: store, Scheduler: sched, Now: now},
		Commands:  &services.Commands{Store: store, Now: now},
		Now:       now,
	})
	return h
}

func command(text string) tgbotapi.Update {
	name, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func callback(id, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      id,
		Data:    data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func (h *harness) link(t *testing.T) {
	t.Helper()
	h.bot.HandleUpdate(h.ctx, command("/link secret-token"))
	if !strings.Contains(h.api.last(), "Чат привязан") {
		t.Fatalf("link reply = %q", h.api.last())
	}
}

// seed stores a dhuhr day and one overlapping event, then detects.
func (h *harness) seed(t *testing.T) models.Conflict {
	t.Helper()
	if err := h.store.SavePrayerDays(h.ctx, []prayer.Day{{
		OwnerID: h.owner, Date: day,
		Times: map[prayer.Name]time.Time{prayer.Dhuhr: day.Add(13 * time.Hour)},
	}}); err != nil {
		t.Fatal(err)
	}
	h.store.PutEvent(models.Event{
		ID: uuid.New(), OwnerID: h.owner, Title: "review",
		StartTime: day.Add(13 * time.Hour), EndTime: day.Add(14 * time.Hour),
		Transparency: models.TransparencyOpaque, Status: models.EventConfirmed, Version: 1,
	})
	res, err := h.bot.svc.Detector.Detect(h.ctx, h.owner, day, day.AddDate(0, 0, 1), 20)
	if err != nil || len(res.Conflicts) != 1 {
		t.Fatalf("detect: %+v %v", res, err)
	}
	return res.Conflicts[0]
}

func TestLinkAndUnlinkedChat(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(h.ctx, command("/conflicts"))
	if !strings.Contains(h.api.last(), "/link") {
		t.Fatalf("unlinked reply = %q", h.api.last())
	}
	h.bot.HandleUpdate(h.ctx, command("/link wrong"))
	if h.api.last() != "Токен не найден." {
		t.Fatalf("bad token reply = %q", h.api.last())
	}
	h.link(t)
	owner, err := h.store.OwnerByTelegramChat(h.ctx, chatID)
	if err != nil || owner != h.owner {
		t.Fatalf("linked owner = %s, %v", owner, err)
	}
}

func TestConflictsListHasButtons(t *testing.T) {
	h := newHarness(t)
	h.link(t)
	c := h.seed(t)

	h.bot.HandleUpdate(h.ctx, command("/conflicts"))
	msg := h.api.sent[len(h.api.sent)-1]
	if !strings.Contains(msg.Text, "review") || !strings.Contains(msg.Text, "dhuhr") {
		t.Fatalf("conflict text = %q", msg.Text)
	}
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 3 {
		t.Fatalf("keyboard = %+v", msg.ReplyMarkup)
	}
	if data := *kb.InlineKeyboard[0][0].CallbackData; data != "accept:"+c.ID.String() {
		t.Errorf("accept button data = %q", data)
	}
}

func TestCallbackAcceptIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.link(t)
	c := h.seed(t)

	h.bot.HandleUpdate(h.ctx, callback("cb-1", "accept:"+c.ID.String()))
	h.bot.HandleUpdate(h.ctx, callback("cb-1", "accept:"+c.ID.String()))

	got, err := h.store.GetConflict(h.ctx, h.owner, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	if len(h.api.answered) != 2 || h.api.answered[1].Text != resultText[services.ActionAccept] {
		t.Fatalf("answers = %+v", h.api.answered)
	}

	// A fresh press is a new command and hits the state machine.
	h.bot.HandleUpdate(h.ctx, callback("cb-2", "accept:"+c.ID.String()))
	if text := h.api.answered[2].Text; text != "Это действие сейчас недоступно." {
		t.Errorf("second accept answer = %q", text)
	}
}

func TestCallbackRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	h.link(t)
	h.bot.HandleUpdate(h.ctx, callback("cb-x", "explode:not-a-uuid"))
	if len(h.api.answered) != 1 || h.api.answered[0].Text != "Неизвестное действие" {
		t.Fatalf("answers = %+v", h.api.answered)
	}
}

func TestSendAddsUndoButton(t *testing.T) {
	h := newHarness(t)
	token := uuid.New().String()
	p := &models.Profile{OwnerID: h.owner, TelegramChatID: chatID}
	n := &models.Notification{
		Title:   "Autopilot adjusted",
		Body:    "shift by 30 min",
		Payload: map[string]any{"type": services.PayloadAutopilotApplied, "undo_token": token},
	}
	if err := h.bot.Send(h.ctx, p, n); err != nil {
		t.Fatal(err)
	}
	msg := h.api.sent[0]
	if msg.ChatID != chatID || msg.Text != "Autopilot adjusted\nshift by 30 min" {
		t.Fatalf("message = %+v", msg)
	}
	kb := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if data := *kb.InlineKeyboard[0][0].CallbackData; data != "undo:"+token {
		t.Errorf("undo button = %q", data)
	}

	if err := h.bot.Send(h.ctx, &models.Profile{OwnerID: h.owner}, n); err == nil {
		t.Error("expected error for an owner without a chat")
	}
}

func TestTodayListsConflicts(t *testing.T) {
	h := newHarness(t)
	h.link(t)
	h.seed(t)

	h.bot.HandleUpdate(h.ctx, command("/today"))
	if text := h.api.last(); !strings.Contains(text, "review (13:00 - 14:00) ! dhuhr, 20 мин") {
		t.Fatalf("today reply = %q", text)
	}
}
