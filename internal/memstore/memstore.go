// Package memstore is an in-memory services.Store used by tests and by the
// memory storage driver.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/services"
)

type conflictKey struct {
	owner  uuid.UUID
	event  uuid.UUID
	date   string
	prayer prayer.Name
}

type dayKey struct {
	owner uuid.UUID
	date  string
}

type ownerKey struct {
	owner uuid.UUID
	key   string
}

type state struct {
	profiles      map[uuid.UUID]models.Profile
	events        map[uuid.UUID]models.Event
	days          map[dayKey]prayer.Day
	conflicts     map[uuid.UUID]models.Conflict
	conflictIndex map[conflictKey]uuid.UUID
	actions       []models.AutopilotAction
	notifications map[uuid.UUID]models.Notification
	notifyOrder   []uuid.UUID
	dedupe        map[ownerKey]uuid.UUID
	pushLogs      []models.PushLog
	accounts      map[ownerKey]models.ExternalAccount
	idempotency   map[ownerKey]models.IdempotencyRecord
}

func newState() state {
	return state{
		profiles:      make(map[uuid.UUID]models.Profile),
		events:        make(map[uuid.UUID]models.Event),
		days:          make(map[dayKey]prayer.Day),
		conflicts:     make(map[uuid.UUID]models.Conflict),
		conflictIndex: make(map[conflictKey]uuid.UUID),
		notifications: make(map[uuid.UUID]models.Notification),
		dedupe:        make(map[ownerKey]uuid.UUID),
		accounts:      make(map[ownerKey]models.ExternalAccount),
		idempotency:   make(map[ownerKey]models.IdempotencyRecord),
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.profiles {
		out.profiles[k] = cloneProfile(v)
	}
	for k, v := range s.events {
		out.events[k] = cloneEvent(v)
	}
	for k, v := range s.days {
		out.days[k] = cloneDay(v)
	}
	for k, v := range s.conflicts {
		out.conflicts[k] = cloneConflict(v)
	}
	for k, v := range s.conflictIndex {
		out.conflictIndex[k] = v
	}
	out.actions = slices.Clone(s.actions)
	for k, v := range s.notifications {
		out.notifications[k] = cloneNotification(v)
	}
	out.notifyOrder = slices.Clone(s.notifyOrder)
	for k, v := range s.dedupe {
		out.dedupe[k] = v
	}
	out.pushLogs = slices.Clone(s.pushLogs)
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.idempotency {
		v.Result = slices.Clone(v.Result)
		out.idempotency[k] = v
	}
	return out
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   state
}

var _ services.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

// InTx serialises transactions and rolls the whole store back when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(services.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := s.st.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.st = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// PutProfile creates or replaces a profile.
func (s *Store) PutProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.profiles[p.OwnerID] = cloneProfile(p)
}

// PutEvent creates or replaces an event as is, without touching Version.
func (s *Store) PutEvent(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.events[ev.ID] = cloneEvent(ev)
}

// Events returns every event of owner ordered by start.
func (s *Store) Events(owner uuid.UUID) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.st.events {
		if ev.OwnerID == owner {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Notifications returns every notification of owner in insertion order.
func (s *Store) Notifications(owner uuid.UUID) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, id := range s.st.notifyOrder {
		if n := s.st.notifications[id]; n.OwnerID == owner {
			out = append(out, cloneNotification(n))
		}
	}
	return out
}

// PushLogs returns the push log of one event.
func (s *Store) PushLogs(eventID uuid.UUID) []models.PushLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PushLog
	for _, l := range s.st.pushLogs {
		if l.EventID == eventID {
			out = append(out, l)
		}
	}
	return out
}

// AutopilotActions returns every action of owner.
func (s *Store) AutopilotActions(owner uuid.UUID) []models.AutopilotAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutopilotAction
	for _, a := range s.st.actions {
		if a.OwnerID == owner {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) GetProfile(_ context.Context, owner uuid.UUID) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.profiles[owner]
	if !ok {
		return nil, models.ErrNotFound
	}
	p = cloneProfile(p)
	return &p, nil
}

func (s *Store) ListProfiles(_ context.Context) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Profile, 0, len(s.st.profiles))
	for _, p := range s.st.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID.String() < out[j].OwnerID.String() })
	return out, nil
}

func (s *Store) OwnerByAPIToken(_ context.Context, token string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return uuid.Nil, models.ErrNotFound
	}
	for _, p := range s.st.profiles {
		if p.APIToken == token {
			return p.OwnerID, nil
		}
	}
	return uuid.Nil, models.ErrNotFound
}

func (s *Store) OwnerByTelegramChat(_ context.Context, chatID int64) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.profiles {
		if chatID != 0 && p.TelegramChatID == chatID {
			return p.OwnerID, nil
		}
	}
	return uuid.Nil, models.ErrNotFound
}

func (s *Store) LinkTelegramChat(_ context.Context, owner uuid.UUID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.profiles[owner]
	if !ok {
		return models.ErrNotFound
	}
	p.TelegramChatID = chatID
	s.st.profiles[owner] = p
	return nil
}

func (s *Store) ListEventsInRange(_ context.Context, owner uuid.UUID, from, to time.Time) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := interval.New(from, to)
	var out []models.Event
	for _, ev := range s.st.events {
		if ev.OwnerID != owner || ev.Status == models.EventCancelled {
			continue
		}
		if interval.Overlaps(ev.Range(), window) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) GetEvent(_ context.Context, owner, id uuid.UUID) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.events[id]
	if !ok || ev.OwnerID != owner {
		return nil, models.ErrNotFound
	}
	ev = cloneEvent(ev)
	return &ev, nil
}

func (s *Store) InsertEvent(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.UpdatedAt
	}
	ev.Version = 1
	s.st.events[ev.ID] = cloneEvent(*ev)
	return nil
}

func (s *Store) UpdateEvent(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.events[ev.ID]
	if !ok || cur.OwnerID != ev.OwnerID {
		return models.ErrNotFound
	}
	ev.Version = cur.Version + 1
	s.st.events[ev.ID] = cloneEvent(*ev)
	return nil
}

func (s *Store) ListPendingPush(_ context.Context, now time.Time, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.st.events {
		if !ev.PendingPush || !ev.Linked() || ev.NextRetryAt.After(now) {
			continue
		}
		if p, ok := s.st.profiles[ev.OwnerID]; ok && p.CalendarWriteback {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkPushed(_ context.Context, id uuid.UUID, version int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.events[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if ev.Version != version {
		return false, nil
	}
	ev.PendingPush = false
	ev.RetryCount = 0
	ev.LastPushStatus = models.PushOK
	ev.LastPushAt = &at
	ev.LastError = ""
	ev.DirtyFields = nil
	s.st.events[id] = ev
	return true, nil
}

func (s *Store) SavePushState(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.events[ev.ID]
	if !ok {
		return models.ErrNotFound
	}
	// A newer local edit keeps its own pending flag.
	if cur.Version == ev.Version {
		cur.PendingPush = ev.PendingPush
	}
	cur.RetryCount = ev.RetryCount
	cur.NextRetryAt = ev.NextRetryAt
	cur.LastPushStatus = ev.LastPushStatus
	cur.LastPushAt = ev.LastPushAt
	cur.LastError = ev.LastError
	s.st.events[ev.ID] = cur
	return nil
}

func (s *Store) AppendPushLog(_ context.Context, l *models.PushLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.st.pushLogs = append(s.st.pushLogs, *l)
	return nil
}

func (s *Store) ListPrayerDays(_ context.Context, owner uuid.UUID, from, to time.Time) ([]prayer.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []prayer.Day
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if day, ok := s.st.days[dayKey{owner, interval.DateKey(d)}]; ok {
			out = append(out, cloneDay(day))
		}
	}
	return out, nil
}

func (s *Store) SavePrayerDays(_ context.Context, days []prayer.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range days {
		s.st.days[dayKey{d.OwnerID, interval.DateKey(d.Date)}] = cloneDay(d)
	}
	return nil
}

func (s *Store) UpsertConflict(_ context.Context, c *models.Conflict, now time.Time) (*models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conflictKey{c.OwnerID, c.EventID, interval.DateKey(c.Date), c.Prayer}
	id, ok := s.st.conflictIndex[key]
	if !ok {
		row := cloneConflict(*c)
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.Status == "" {
			row.Status = models.StatusOpen
		}
		row.CreatedAt, row.UpdatedAt = now, now
		s.st.conflicts[row.ID] = row
		s.st.conflictIndex[key] = row.ID
		out := cloneConflict(row)
		return &out, nil
	}

	row := s.st.conflicts[id]
	row.Kind = c.Kind
	row.PrayerStart = c.PrayerStart
	row.PrayerEnd = c.PrayerEnd
	row.OverlapMinutes = c.OverlapMinutes
	row.Severity = c.Severity
	switch {
	case row.Status == models.StatusSnoozed && row.SnoozeUntil != nil && !row.SnoozeUntil.After(now):
		row.Status = models.StatusOpen
		row.SnoozeUntil = nil
	case row.Status == models.StatusResolved && row.DecidedAction == services.ActionCleared:
		row.Status = models.StatusOpen
		row.DecidedAction = ""
		row.DecidedAt = nil
	}
	// Open rows follow the event; decided rows keep what was decided on.
	if row.Suggestion == nil || (row.Status == models.StatusOpen && c.Suggestion != nil) {
		row.Suggestion = clonePatch(c.Suggestion)
	}
	row.UpdatedAt = now
	s.st.conflicts[id] = row
	out := cloneConflict(row)
	return &out, nil
}

func (s *Store) GetConflict(_ context.Context, owner, id uuid.UUID) (*models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.conflicts[id]
	if !ok || c.OwnerID != owner {
		return nil, models.ErrNotFound
	}
	c = cloneConflict(c)
	return &c, nil
}

func (s *Store) UpdateConflict(_ context.Context, c *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.conflicts[c.ID]
	if !ok || cur.OwnerID != c.OwnerID {
		return models.ErrNotFound
	}
	s.st.conflicts[c.ID] = cloneConflict(*c)
	return nil
}

func (s *Store) ListConflicts(_ context.Context, owner uuid.UUID, f services.ConflictFilter) ([]models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conflict
	for _, c := range s.st.conflicts {
		if c.OwnerID != owner {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		if f.EventID != uuid.Nil && c.EventID != f.EventID {
			continue
		}
		if !f.DateFrom.IsZero() && c.Date.Before(f.DateFrom) {
			continue
		}
		if !f.DateTo.IsZero() && c.Date.After(f.DateTo) {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrayerStart.Before(out[j].PrayerStart) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) InsertAutopilotAction(_ context.Context, a *models.AutopilotAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.st.actions = append(s.st.actions, *a)
	return nil
}

func (s *Store) GetAutopilotActionByToken(_ context.Context, owner, token uuid.UUID) (*models.AutopilotAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.st.actions {
		if a.OwnerID == owner && a.UndoToken == token {
			return &a, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetAutopilotActionByConflict(_ context.Context, owner, conflictID uuid.UUID) (*models.AutopilotAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.st.actions) - 1; i >= 0; i-- {
		a := s.st.actions[i]
		if a.OwnerID == owner && a.ConflictID == conflictID {
			return &a, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) InsertNotification(_ context.Context, n *models.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.DedupeKey != "" {
		if _, dup := s.st.dedupe[ownerKey{n.OwnerID, n.DedupeKey}]; dup {
			return false, nil
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	s.st.notifications[n.ID] = cloneNotification(*n)
	s.st.notifyOrder = append(s.st.notifyOrder, n.ID)
	if n.DedupeKey != "" {
		s.st.dedupe[ownerKey{n.OwnerID, n.DedupeKey}] = n.ID
	}
	return true, nil
}

func (s *Store) UpdateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.notifications[n.ID]; !ok {
		return models.ErrNotFound
	}
	s.st.notifications[n.ID] = cloneNotification(*n)
	return nil
}

func (s *Store) LastReleasedAt(_ context.Context, owner uuid.UUID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, n := range s.st.notifications {
		if n.OwnerID != owner || n.ReleasedAt == nil {
			continue
		}
		if !found || n.ReleasedAt.After(last) {
			last = *n.ReleasedAt
			found = true
		}
	}
	return last, found, nil
}

func (s *Store) ListBatched(_ context.Context, limit int) ([]models.Notification, error) {
	return s.listNotifications(limit, func(n models.Notification) bool {
		return n.Status == models.NotifyBatched
	}, func(a, b models.Notification) bool { return a.CreatedAt.Before(b.CreatedAt) })
}

func (s *Store) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]models.Notification, error) {
	return s.listNotifications(limit, func(n models.Notification) bool {
		return n.Status == models.NotifyScheduled && !n.ScheduledAt.After(now)
	}, func(a, b models.Notification) bool { return a.ScheduledAt.Before(b.ScheduledAt) })
}

func (s *Store) listNotifications(limit int, keep func(models.Notification) bool, less func(a, b models.Notification) bool) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, id := range s.st.notifyOrder {
		if n := s.st.notifications[id]; keep(n) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetExternalAccount(_ context.Context, owner uuid.UUID, provider string) (*models.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[ownerKey{owner, provider}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (s *Store) SaveExternalAccount(_ context.Context, a *models.ExternalAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[ownerKey{a.OwnerID, a.Provider}] = *a
	return nil
}

func (s *Store) GetIdempotency(_ context.Context, owner uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.idempotency[ownerKey{owner, key}]
	if !ok {
		return nil, models.ErrNotFound
	}
	r.Result = slices.Clone(r.Result)
	return &r, nil
}

func (s *Store) SaveIdempotency(_ context.Context, r *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ownerKey{r.OwnerID, r.Key}
	if _, exists := s.st.idempotency[k]; exists {
		return nil
	}
	rec := *r
	rec.Result = slices.Clone(r.Result)
	s.st.idempotency[k] = rec
	return nil
}

func cloneProfile(p models.Profile) models.Profile {
	p.DisabledChannels = slices.Clone(p.DisabledChannels)
	if p.Buffers != nil {
		b := make(prayer.Buffers, len(p.Buffers))
		for k, v := range p.Buffers {
			b[k] = v
		}
		p.Buffers = b
	}
	return p
}

func cloneEvent(ev models.Event) models.Event {
	ev.DirtyFields = slices.Clone(ev.DirtyFields)
	if ev.LastPushAt != nil {
		t := *ev.LastPushAt
		ev.LastPushAt = &t
	}
	return ev
}

func cloneDay(d prayer.Day) prayer.Day {
	times := make(map[prayer.Name]time.Time, len(d.Times))
	for k, v := range d.Times {
		times[k] = v
	}
	d.Times = times
	return d
}

func clonePatch(p *models.Patch) *models.Patch {
	if p == nil {
		return nil
	}
	out := *p
	out.Parts = slices.Clone(p.Parts)
	return &out
}

func cloneConflict(c models.Conflict) models.Conflict {
	c.Suggestion = clonePatch(c.Suggestion)
	c.AppliedPatch = clonePatch(c.AppliedPatch)
	if c.PreImage != nil {
		pre := *c.PreImage
		c.PreImage = &pre
	}
	return c
}

func cloneNotification(n models.Notification) models.Notification {
	if n.Payload != nil {
		p := make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			p[k] = v
		}
		n.Payload = p
	}
	return n
}
