// Package memstore is an in-process Store backend, selected by
// CALDAVSYNC_STORAGE=memory: a dependency-free option for tests and small
// single-user setups, a mutex-guarded map since there's no on-disk
// durability requirement for this backend's purpose.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
)

// Store is a mutex-guarded, in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	accounts  map[string]*model.Account
	calendars map[string]*model.Calendar
	events    map[string]*model.Event
	pending   map[string]*model.PendingOp
	conflicts map[string]*model.ConflictLogEntry
}

func New() *Store {
	return &Store{
		accounts:  make(map[string]*model.Account),
		calendars: make(map[string]*model.Calendar),
		events:    make(map[string]*model.Event),
		pending:   make(map[string]*model.PendingOp),
		conflicts: make(map[string]*model.ConflictLogEntry),
	}
}

func (s *Store) Close() error { return nil }

// Transaction has no real rollback semantics here (everything is applied
// in-process under the single mutex already); it exists so callers written
// against the Store interface don't need a backend-specific branch.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindAccount(ctx context.Context, provider model.ProviderFamily, identityLabel string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Provider == provider && a.IdentityLabel == identityLabel {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *Store) CreateCalendar(ctx context.Context, cal *model.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	cp := *cal
	s.calendars[cal.ID] = &cp
	return nil
}

func (s *Store) LoadCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCalendarsByAccount(ctx context.Context, accountID string) ([]*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Calendar
	for _, c := range s.calendars {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCalendarTokens(ctx context.Context, calendarID, ctag, syncToken string, lastSync time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[calendarID]
	if !ok {
		return store.ErrNotFound
	}
	c.CTag = ctag
	c.SyncToken = syncToken
	c.LastSync = lastSync
	return nil
}

func (s *Store) GetEventByID(ctx context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetEventByURL(ctx context.Context, calendarID, url string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.ResourceURL == url {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetEventByUID(ctx context.Context, calendarID, uid string, recurrenceID *time.Time) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.CalendarID != calendarID || e.UID != uid {
			continue
		}
		if sameRecurrenceID(e.RecurrenceID, recurrenceID) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func sameRecurrenceID(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

func (s *Store) UpsertEvent(ctx context.Context, ev *model.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.events {
		if e.CalendarID == ev.CalendarID && e.UID == ev.UID && sameRecurrenceID(e.RecurrenceID, ev.RecurrenceID) {
			ev.ID = id
			cp := *ev
			s.events[id] = &cp
			return id, nil
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return ev.ID, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	return nil
}

func (s *Store) ListEventsInRange(ctx context.Context, calendarID string, start, end time.Time) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Event
	for _, e := range s.events {
		if e.CalendarID != calendarID {
			continue
		}
		if e.EndAt.Before(start) || e.StartAt.After(end) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *Store) EnqueuePending(ctx context.Context, op *model.PendingOp) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// At most one PENDING/IN_PROGRESS op per (event id, kind).
	for _, existing := range s.pending {
		if existing.EventID == op.EventID && existing.Kind == op.Kind &&
			(existing.Status == model.OpPending || existing.Status == model.OpInProgress) {
			return existing.ID, nil
		}
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	cp := *op
	s.pending[op.ID] = &cp
	return op.ID, nil
}

// DequeuePending returns PENDING ops whose event belongs to a calendar owned
// by accountID, oldest first (insertion order).
func (s *Store) DequeuePending(ctx context.Context, accountID string, limit int) ([]*model.PendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PendingOp
	for _, op := range s.pending {
		if op.Status != model.OpPending {
			continue
		}
		ev, ok := s.events[op.EventID]
		if !ok {
			continue
		}
		cal, ok := s.calendars[ev.CalendarID]
		if !ok || cal.AccountID != accountID {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cps := make([]*model.PendingOp, len(out))
	for i, op := range out {
		cp := *op
		cps[i] = &cp
	}
	return cps, nil
}

func (s *Store) MarkPending(ctx context.Context, opID string, status model.OpStatus, errorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.pending[opID]
	if !ok {
		return store.ErrNotFound
	}
	op.Status = status
	op.LastErrorKind = errorKind
	if status == model.OpFailed || status == model.OpInProgress {
		op.AttemptCount++
	}
	return nil
}

func (s *Store) DeletePending(ctx context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, opID)
	return nil
}

func (s *Store) RecordConflict(ctx context.Context, entry *model.ConflictLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	cp := *entry
	s.conflicts[entry.ID] = &cp
	return nil
}
