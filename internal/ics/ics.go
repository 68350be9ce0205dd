// Package ics is the default ICS interface adapter: it turns a remote
// calendar-data byte string into local model.Event values and back, on top
// of pkg/ical.ParseCalendar/SerializeEvent.
package ics

import (
	"fmt"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/pkg/ical"
)

// Codec is the narrow interface the rest of the engine depends on, so a
// stub can be substituted in tests without pulling in go-ical/rrule-go.
type Codec interface {
	Parse(calendarID string, raw []byte) ([]*model.Event, error)
	Serialize(ev *model.Event) ([]byte, error)
}

// Default is the go-ical-backed Codec.
type Default struct{}

func New() *Default { return &Default{} }

// Parse decodes every VEVENT (master and exceptions) in raw into model.Event
// values scoped to calendarID. A document with no VEVENT (e.g. a VTODO-only
// resource that slipped through a loose server filter) yields no error and
// an empty slice.
func (Default) Parse(calendarID string, raw []byte) ([]*model.Event, error) {
	icsEvents, err := ical.ParseCalendar(raw)
	if err != nil {
		return nil, synerr.New(synerr.DataParseFailure, false, err)
	}
	events := make([]*model.Event, 0, len(icsEvents))
	for _, e := range icsEvents {
		events = append(events, fromICS(calendarID, e))
	}
	return events, nil
}

// Serialize renders ev back to an iCalendar byte string. If ev carries its
// last-observed RawICS, that body is preferred (and patched for recurrence
// exceptions); otherwise a fresh VEVENT is authored from scratch, the path
// taken for locally created events that have never round-tripped through a
// server.
func (Default) Serialize(ev *model.Event) ([]byte, error) {
	out, err := ical.SerializeEvent(toICS(ev))
	if err != nil {
		return nil, synerr.New(synerr.DataParseFailure, false, fmt.Errorf("serialize %s: %w", ev.UID, err))
	}
	return out, nil
}

func fromICS(calendarID string, e *ical.Event) *model.Event {
	reminders := make([]model.Reminder, 0, len(e.Reminders))
	for _, r := range e.Reminders {
		reminders = append(reminders, model.Reminder{TriggerBefore: r.TriggerBefore, Action: r.Action})
	}
	return &model.Event{
		CalendarID:   calendarID,
		UID:          e.UID,
		RecurrenceID: e.RecurrenceID,
		Summary:      e.Summary,
		Description:  e.Description,
		Location:     e.Location,
		StartAt:      e.Start,
		EndAt:        e.End,
		AllDay:       e.IsAllDay,
		TZID:         e.TZID,
		RRule:        e.RRule,
		ExDates:      e.ExDates,
		DTStamp:      e.DTStamp,
		Sequence:     e.Sequence,
		RawICS:       e.RawData,
		Reminders:    reminders,
		Priority:     e.Priority,
		Geo:          e.Geo,
		URL:          e.URL,
		Categories:   e.Categories,
		Color:        e.Color,
	}
}

func toICS(ev *model.Event) *ical.Event {
	reminders := make([]ical.Reminder, 0, len(ev.Reminders))
	for _, r := range ev.Reminders {
		reminders = append(reminders, ical.Reminder{TriggerBefore: r.TriggerBefore, Action: r.Action})
	}
	return &ical.Event{
		UID:          ev.UID,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Start:        ev.StartAt,
		End:          ev.EndAt,
		Duration:     ev.EndAt.Sub(ev.StartAt),
		IsAllDay:     ev.AllDay,
		TZID:         ev.TZID,
		IsRecurring:  ev.RRule != "",
		RRule:        ev.RRule,
		ExDates:      ev.ExDates,
		RecurrenceID: ev.RecurrenceID,
		DTStamp:      ev.DTStamp,
		Sequence:     ev.Sequence,
		Reminders:    reminders,
		Priority:     ev.Priority,
		Geo:          ev.Geo,
		URL:          ev.URL,
		Categories:   ev.Categories,
		Color:        ev.Color,
		RawData:      ev.RawICS,
	}
}
