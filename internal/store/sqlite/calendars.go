package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
)

func (s *Store) CreateCalendar(ctx context.Context, cal *model.Calendar) error {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		insert into calendars (id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cal.ID, cal.AccountID, cal.URL, cal.DisplayName, cal.Color, boolToInt(cal.ReadOnly), boolToInt(cal.Visible),
		cal.CTag, cal.SyncToken, cal.LastSync.UnixMilli())
	return err
}

func (s *Store) LoadCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		select id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync
		from calendars where id = ?`, id)
	return scanCalendar(row)
}

func (s *Store) ListCalendarsByAccount(ctx context.Context, accountID string) ([]*model.Calendar, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync
		from calendars where account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Calendar
	for rows.Next() {
		c, err := scanCalendarRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveCalendarTokens(ctx context.Context, calendarID, ctag, syncToken string, lastSync time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		update calendars set ctag = ?, sync_token = ?, last_sync = ? where id = ?`,
		ctag, syncToken, lastSync.UnixMilli(), calendarID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row *sql.Row) (*model.Calendar, error) {
	c, err := scanCalendarFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func scanCalendarRows(rows *sql.Rows) (*model.Calendar, error) {
	return scanCalendarFrom(rows)
}

func scanCalendarFrom(s scanner) (*model.Calendar, error) {
	var c model.Calendar
	var readOnly, visible int
	var lastSyncMillis int64
	if err := s.Scan(&c.ID, &c.AccountID, &c.URL, &c.DisplayName, &c.Color, &readOnly, &visible, &c.CTag, &c.SyncToken, &lastSyncMillis); err != nil {
		return nil, err
	}
	c.ReadOnly = readOnly != 0
	c.Visible = visible != 0
	if lastSyncMillis > 0 {
		c.LastSync = time.UnixMilli(lastSyncMillis).UTC()
	}
	return &c, nil
}
