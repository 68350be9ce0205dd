package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
)

func (s *Store) GetEventByID(ctx context.Context, id string) (*model.Event, error) {
	row := s.conn(ctx).QueryRow(ctx, eventSelectSQL+` where id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) GetEventByURL(ctx context.Context, calendarID, url string) (*model.Event, error) {
	row := s.conn(ctx).QueryRow(ctx, eventSelectSQL+` where calendar_id = $1 and resource_url = $2`, calendarID, url)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) GetEventByUID(ctx context.Context, calendarID, uid string, recurrenceID *time.Time) (*model.Event, error) {
	var row pgx.Row
	if recurrenceID == nil {
		row = s.conn(ctx).QueryRow(ctx, eventSelectSQL+` where calendar_id = $1 and uid = $2 and recurrence_id is null`, calendarID, uid)
	} else {
		row = s.conn(ctx).QueryRow(ctx, eventSelectSQL+` where calendar_id = $1 and uid = $2 and recurrence_id = $3`,
			calendarID, uid, recurrenceID.UnixMilli())
	}
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) UpsertEvent(ctx context.Context, ev *model.Event) (string, error) {
	existing, err := s.GetEventByUID(ctx, ev.CalendarID, ev.UID, ev.RecurrenceID)
	if err == nil {
		ev.ID = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	} else if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	exdates, err := json.Marshal(msSlice(ev.ExDates))
	if err != nil {
		return "", err
	}
	reminders, err := json.Marshal(ev.Reminders)
	if err != nil {
		return "", err
	}
	categories, err := json.Marshal(ev.Categories)
	if err != nil {
		return "", err
	}

	var recurrenceID any
	if ev.RecurrenceID != nil {
		recurrenceID = ev.RecurrenceID.UnixMilli()
	}

	_, err = s.conn(ctx).Exec(ctx, `
		insert into events (id, calendar_id, uid, recurrence_id, summary, description, location, start_at, end_at,
			all_day, tzid, rrule, exdates, dtstamp, sequence, raw_ics, reminders, priority, geo, url, categories,
			color, resource_url, etag, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		on conflict (id) do update set
			summary=excluded.summary, description=excluded.description, location=excluded.location,
			start_at=excluded.start_at, end_at=excluded.end_at, all_day=excluded.all_day, tzid=excluded.tzid,
			rrule=excluded.rrule, exdates=excluded.exdates, dtstamp=excluded.dtstamp, sequence=excluded.sequence,
			raw_ics=excluded.raw_ics, reminders=excluded.reminders, priority=excluded.priority, geo=excluded.geo,
			url=excluded.url, categories=excluded.categories, color=excluded.color, resource_url=excluded.resource_url,
			etag=excluded.etag, status=excluded.status`,
		ev.ID, ev.CalendarID, ev.UID, recurrenceID, ev.Summary, ev.Description, ev.Location,
		ev.StartAt.UnixMilli(), ev.EndAt.UnixMilli(), ev.AllDay, ev.TZID, ev.RRule,
		exdates, ev.DTStamp.UnixMilli(), ev.Sequence, ev.RawICS, reminders, ev.Priority,
		ev.Geo, ev.URL, categories, ev.Color, ev.ResourceURL, ev.ETag, string(ev.Status))
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.conn(ctx).Exec(ctx, `delete from events where id = $1`, id)
	return err
}

func (s *Store) ListEventsInRange(ctx context.Context, calendarID string, start, end time.Time) ([]*model.Event, error) {
	rows, err := s.conn(ctx).Query(ctx, eventSelectSQL+`
		where calendar_id = $1 and end_at >= $2 and start_at <= $3`,
		calendarID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const eventSelectSQL = `
	select id, calendar_id, uid, recurrence_id, summary, description, location, start_at, end_at,
		all_day, tzid, rrule, exdates, dtstamp, sequence, raw_ics, reminders, priority, geo, url, categories,
		color, resource_url, etag, status
	from events`

func msSlice(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.UnixMilli()
	}
	return out
}

func scanEvent(r rowScanner) (*model.Event, error) {
	var ev model.Event
	var recurrenceID *int64
	var startMs, endMs, dtstampMs int64
	var exdatesJSON, remindersJSON, categoriesJSON []byte
	var status string

	if err := r.Scan(&ev.ID, &ev.CalendarID, &ev.UID, &recurrenceID, &ev.Summary, &ev.Description, &ev.Location,
		&startMs, &endMs, &ev.AllDay, &ev.TZID, &ev.RRule, &exdatesJSON, &dtstampMs, &ev.Sequence, &ev.RawICS,
		&remindersJSON, &ev.Priority, &ev.Geo, &ev.URL, &categoriesJSON, &ev.Color, &ev.ResourceURL, &ev.ETag, &status); err != nil {
		return nil, err
	}

	ev.StartAt = time.UnixMilli(startMs).UTC()
	ev.EndAt = time.UnixMilli(endMs).UTC()
	ev.DTStamp = time.UnixMilli(dtstampMs).UTC()
	ev.Status = model.SyncStatus(status)
	if recurrenceID != nil {
		t := time.UnixMilli(*recurrenceID).UTC()
		ev.RecurrenceID = &t
	}

	var exMs []int64
	if err := json.Unmarshal(exdatesJSON, &exMs); err != nil {
		return nil, err
	}
	for _, ms := range exMs {
		ev.ExDates = append(ev.ExDates, time.UnixMilli(ms).UTC())
	}
	if err := json.Unmarshal(remindersJSON, &ev.Reminders); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(categoriesJSON, &ev.Categories); err != nil {
		return nil, err
	}
	return &ev, nil
}
