// Package store defines the local-store interface the sync core depends
// on. The core only ever holds entities by id and reads/writes them
// transactionally; the physical schema belongs to whichever backend package
// (internal/store/sqlite, internal/store/postgres, internal/store/memstore)
// is plugged in.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

// ErrNotFound is returned by single-entity lookups that find nothing; the
// core treats it as "optional" (e.g. GetEventByURL returning (nil, nil) is
// not distinguished from ErrNotFound — callers should check for either).
var ErrNotFound = errors.New("store: not found")

// Store is the full local-store contract: the calendar/event/queue
// operations the pipelines consume, the Account/Calendar CRUD the account
// lifecycle needs to persist discovery results, and the conflict log.
type Store interface {
	// Account lifecycle.
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccount(ctx context.Context, provider model.ProviderFamily, identityLabel string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// Calendar.
	CreateCalendar(ctx context.Context, cal *model.Calendar) error
	LoadCalendar(ctx context.Context, id string) (*model.Calendar, error)
	ListCalendarsByAccount(ctx context.Context, accountID string) ([]*model.Calendar, error)
	SaveCalendarTokens(ctx context.Context, calendarID, ctag, syncToken string, lastSync time.Time) error

	// Event.
	GetEventByID(ctx context.Context, id string) (*model.Event, error)
	GetEventByURL(ctx context.Context, calendarID, url string) (*model.Event, error)
	GetEventByUID(ctx context.Context, calendarID, uid string, recurrenceID *time.Time) (*model.Event, error)
	UpsertEvent(ctx context.Context, ev *model.Event) (string, error)
	DeleteEvent(ctx context.Context, id string) error
	ListEventsInRange(ctx context.Context, calendarID string, start, end time.Time) ([]*model.Event, error)

	// Pending operation queue.
	EnqueuePending(ctx context.Context, op *model.PendingOp) (string, error)
	DequeuePending(ctx context.Context, accountID string, limit int) ([]*model.PendingOp, error)
	MarkPending(ctx context.Context, opID string, status model.OpStatus, errorKind string) error
	DeletePending(ctx context.Context, opID string) error

	// Conflict log, written on server-wins resolutions.
	RecordConflict(ctx context.Context, entry *model.ConflictLogEntry) error

	// Transaction scopes atomic execution: if fn returns an error every
	// write inside it is rolled back.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}
