package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/memstore"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *Server
	store *memstore.Store
	owner uuid.UUID
	event uuid.UUID
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	now := func() time.Time { return day.Add(9 * time.Hour) }
	store := memstore.New()
	owner := uuid.New()
	store.PutProfile(models.Profile{OwnerID: owner, Timezone: "UTC", APIToken: "tok", AutopilotEnabled: true})
	if err := store.SavePrayerDays(t.Context(), []prayer.Day{{
		OwnerID: owner, Date: day,
		Times: map[prayer.Name]time.Time{prayer.Dhuhr: day.Add(13 * time.Hour)},
	}}); err != nil {
		t.Fatal(err)
	}
	ev := models.Event{
		ID: uuid.New(), OwnerID: owner, Title: "review",
		StartTime: day.Add(13 * time.Hour), EndTime: day.Add(14 * time.Hour),
		Transparency: models.TransparencyOpaque, Status: models.EventConfirmed, Version: 1,
	}
	store.PutEvent(ev)

	sched := &services.Scheduler{Store: store, Now: now}
	srv := NewServer(Deps{
		Store:         store,
		Detector:      &services.Detector{Store: store, Now: now},
		Lifecycle:     &services.Lifecycle{Store: store, Now: now},
		Autopilot:     &services.Autopilot{Store: store, Scheduler: sched, Now: now},
		Scheduler:     sched,
		Dispatcher:    &services.Dispatcher{Store: store, Sender: services.LogSender{}, Now: now},
		WriteBack:     &services.WriteBack{Store: store, Now: now},
		Commands:      &services.Commands{Store: store, Now: now},
		InternalToken: "internal",
	})
	return &testEnv{srv: srv, store: store, owner: owner, event: ev.ID}
}

type response struct {
	OK       bool            `json:"ok"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	Details  string          `json:"details"`
	Replayed bool            `json:"replayed"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	var out response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func (e *testEnv) detect(t *testing.T) conflictView {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/conflicts/detect", `{"from":"2025-03-10","to":"2025-03-11"}`, nil)
	if code != http.StatusOK || !out.OK {
		t.Fatalf("detect: %d %+v", code, out)
	}
	var res struct {
		Conflicts []conflictView `json:"conflicts"`
	}
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	return res.Conflicts[0]
}

func TestDetectAndList(t *testing.T) {
	e := newEnv(t)
	c := e.detect(t)
	if c.EventID != e.event || c.Prayer != prayer.Dhuhr || c.OverlapMinutes != 20 || c.Date != "2025-03-10" {
		t.Fatalf("conflict = %+v", c)
	}

	code, out := e.do(t, http.MethodGet, "/api/conflicts?status=open,suggested", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %+v", code, out)
	}
	var list []conflictView
	if err := json.Unmarshal(out.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestResolveErrorsAreStructured(t *testing.T) {
	e := newEnv(t)
	c := e.detect(t)
	path := "/api/conflicts/" + c.ID.String() + "/resolve"

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown action", path, `{"action":"teleport"}`, http.StatusBadRequest, codeBadRequest},
		{"unknown conflict", "/api/conflicts/" + uuid.NewString() + "/resolve", `{"action":"ignore"}`, http.StatusNotFound, codeNotFound},
		{"bad id", "/api/conflicts/xyz/resolve", `{"action":"ignore"}`, http.StatusBadRequest, codeBadRequest},
		{"unknown field", path, `{"action":"ignore","force":true}`, http.StatusBadRequest, codeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := e.do(t, http.MethodPost, tt.path, tt.body, nil)
			if code != tt.status || out.OK || out.Error != tt.code {
				t.Fatalf("got %d %+v, want %d %s", code, out, tt.status, tt.code)
			}
		})
	}

	if code, out := e.do(t, http.MethodPost, path, `{"action":"ignore"}`, nil); code != http.StatusOK {
		t.Fatalf("ignore: %d %+v", code, out)
	}
	code, out := e.do(t, http.MethodPost, path, `{"action":"accept"}`, nil)
	if code != http.StatusConflict || out.Error != codeInvalidTransition {
		t.Fatalf("accept after ignore: %d %+v", code, out)
	}
}

func TestResolveIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	c := e.detect(t)
	path := "/api/conflicts/" + c.ID.String() + "/resolve"
	headers := map[string]string{"Idempotency-Key": "press-1"}

	_, first := e.do(t, http.MethodPost, path, `{"action":"accept"}`, headers)
	code, second := e.do(t, http.MethodPost, path, `{"action":"accept"}`, headers)
	if code != http.StatusOK || !second.Replayed {
		t.Fatalf("replay: %d %+v", code, second)
	}
	if string(first.Result) != string(second.Result) {
		t.Errorf("replayed result differs: %s vs %s", first.Result, second.Result)
	}
	if events := e.store.Events(e.owner); len(events) != 1 || !events[0].StartTime.Equal(day.Add(13*time.Hour+20*time.Minute)) {
		t.Errorf("event after accept = %+v", events)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/conflicts", nil)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), codeUnauthenticated) {
		t.Fatalf("no token: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conflicts", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
}

func TestInternalRoutes(t *testing.T) {
	e := newEnv(t)
	code, out := e.do(t, http.MethodPost, "/internal/notifications/flush", "", nil)
	if code != http.StatusUnauthorized || out.Error != codeUnauthenticated {
		t.Fatalf("without internal token: %d %+v", code, out)
	}
	headers := map[string]string{"X-Internal-Token": "internal"}
	if code, out := e.do(t, http.MethodPost, "/internal/notifications/flush", "", headers); code != http.StatusOK || !out.OK {
		t.Fatalf("flush: %d %+v", code, out)
	}
	if code, out := e.do(t, http.MethodPost, "/internal/writeback/retry", `{"limit":501}`, headers); code != http.StatusBadRequest {
		t.Fatalf("limit over max: %d %+v", code, out)
	}
}

func TestNotifyEndpoint(t *testing.T) {
	e := newEnv(t)
	code, out := e.do(t, http.MethodPost, "/api/notifications",
		`{"channel":"tasks_reminders","title":"water plants"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("notify: %d %+v", code, out)
	}
	var outcome services.NotifyOutcome
	if err := json.Unmarshal(out.Result, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Status != models.NotifyBatched {
		t.Errorf("status = %s, want batched", outcome.Status)
	}

	code, out = e.do(t, http.MethodPost, "/api/notifications", `{"channel":"tasks_reminders"}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing title: %d %+v", code, out)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	code, out := e.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || !out.OK {
		t.Fatalf("health: %d %+v", code, out)
	}
}
