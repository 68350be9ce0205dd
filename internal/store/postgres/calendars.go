package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
)

func (s *Store) CreateCalendar(ctx context.Context, cal *model.Calendar) error {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		insert into calendars (id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		cal.ID, cal.AccountID, cal.URL, cal.DisplayName, cal.Color, cal.ReadOnly, cal.Visible,
		cal.CTag, cal.SyncToken, cal.LastSync.UnixMilli())
	return err
}

func (s *Store) LoadCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		select id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync
		from calendars where id = $1`, id)
	c, err := scanCalendar(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *Store) ListCalendarsByAccount(ctx context.Context, accountID string) ([]*model.Calendar, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		select id, account_id, url, display_name, color, read_only, visible, ctag, sync_token, last_sync
		from calendars where account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveCalendarTokens(ctx context.Context, calendarID, ctag, syncToken string, lastSync time.Time) error {
	_, err := s.conn(ctx).Exec(ctx, `
		update calendars set ctag = $1, sync_token = $2, last_sync = $3 where id = $4`,
		ctag, syncToken, lastSync.UnixMilli(), calendarID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(r rowScanner) (*model.Calendar, error) {
	var c model.Calendar
	var lastSyncMillis int64
	if err := r.Scan(&c.ID, &c.AccountID, &c.URL, &c.DisplayName, &c.Color, &c.ReadOnly, &c.Visible,
		&c.CTag, &c.SyncToken, &lastSyncMillis); err != nil {
		return nil, err
	}
	if lastSyncMillis > 0 {
		c.LastSync = time.UnixMilli(lastSyncMillis).UTC()
	}
	return &c, nil
}
