package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/services"
)

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

// execute runs fn under the request's Idempotency-Key and writes the result.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (any, error)) {
	key := r.Header.Get("Idempotency-Key")
	result, replayed, err := s.deps.Commands.Execute(r.Context(), ownerFrom(r.Context()), key, op, fn)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Result: result, Replayed: replayed})
}

type detectRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	BufferMinutes int    `json:"buffer_minutes"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	from, err := parseInstant(req.From)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	to, err := parseInstant(req.To)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := s.deps.Detector.Detect(r.Context(), ownerFrom(r.Context()), from, to, req.BufferMinutes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	missing := make([]string, 0, len(res.MissingDates))
	for _, d := range res.MissingDates {
		missing = append(missing, d.Format(time.DateOnly))
	}
	writeOK(w, map[string]any{
		"conflicts":     viewConflicts(res.Conflicts),
		"missing_dates": missing,
	})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f services.ConflictFilter
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, models.ConflictStatus(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("event_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, errCode{http.StatusBadRequest, codeBadRequest}, "invalid event_id")
			return
		}
		f.EventID = id
	}
	for name, dst := range map[string]*time.Time{"from": &f.DateFrom, "to": &f.DateTo} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				writeError(w, errCode{http.StatusBadRequest, codeBadRequest}, "invalid "+name)
				return
			}
			*dst = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errCode{http.StatusBadRequest, codeBadRequest}, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Store.ListConflicts(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, viewConflicts(list))
}

type resolveRequest struct {
	Action      string        `json:"action"`
	SnoozeUntil *time.Time    `json:"snooze_until,omitempty"`
	Patch       *models.Patch `json:"patch,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, errCode{http.StatusBadRequest, codeBadRequest}, "invalid conflict id")
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	owner := ownerFrom(r.Context())
	s.execute(w, r, "resolve:"+id.String()+":"+req.Action, func(ctx context.Context) (any, error) {
		return s.deps.Lifecycle.Resolve(ctx, owner, id, req.Action, services.ResolveParams{
			SnoozeUntil: req.SnoozeUntil,
			Patch:       req.Patch,
		})
	})
}

func (s *Server) handleAutopilotRun(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	s.execute(w, r, "autopilot:run", func(ctx context.Context) (any, error) {
		decisions, err := s.deps.Autopilot.Run(ctx, owner)
		if err != nil {
			return nil, err
		}
		if decisions == nil {
			decisions = []services.Decision{}
		}
		return map[string]any{"decisions": decisions}, nil
	})
}

type undoRequest struct {
	UndoToken string `json:"undo_token"`
}

func (s *Server) handleAutopilotUndo(w http.ResponseWriter, r *http.Request) {
	var req undoRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	token, err := uuid.Parse(req.UndoToken)
	if err != nil {
		writeError(w, errCode{http.StatusBadRequest, codeBadRequest}, "invalid undo_token")
		return
	}
	owner := ownerFrom(r.Context())
	s.execute(w, r, "autopilot:undo", func(ctx context.Context) (any, error) {
		return s.deps.Lifecycle.UndoByToken(ctx, owner, token)
	})
}

type notifyRequest struct {
	Channel         models.Channel  `json:"channel"`
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	Priority        models.Priority `json:"priority,omitempty"`
	MuteWhilePrayer bool            `json:"mute_while_prayer,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	DedupeKey       string          `json:"dedupe_key,omitempty"`
	Payload         map[string]any  `json:"payload,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	opts := services.NotifyOptions{
		OwnerID:         ownerFrom(r.Context()),
		Channel:         req.Channel,
		Priority:        req.Priority,
		Title:           req.Title,
		Body:            req.Body,
		Payload:         req.Payload,
		MuteWhilePrayer: req.MuteWhilePrayer,
		DedupeKey:       req.DedupeKey,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = req.ScheduledAt.UTC()
	}
	s.execute(w, r, "notify", func(ctx context.Context) (any, error) {
		return s.deps.Scheduler.Notify(ctx, opts)
	})
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleWritebackRetry(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.Limit > services.MaxRetryLimit {
		writeError(w, errCode{http.StatusBadRequest, codeBadRequest},
			fmt.Sprintf("limit must not exceed %d", services.MaxRetryLimit))
		return
	}
	stats, err := s.deps.WriteBack.ProcessDueRetries(r.Context(), req.Limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, stats)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	stats, err := s.deps.Dispatcher.ProcessDue(r.Context(), req.Limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, stats)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Scheduler.FlushBatches(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, stats)
}

func (s *Server) handleAutopilotSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Autopilot.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, map[string]int{"decisions": n})
}
