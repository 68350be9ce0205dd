// Package occurrence is the default occurrence-engine adapter: it expands
// a master model.Event's RRULE into concrete instances within a window,
// honoring EXDATE, on top of pkg/ical.RecurrenceExpander (model.Event
// carries no RDATEs).
package occurrence

import (
	"time"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/pkg/ical"
)

// Engine is the narrow interface the pull pipeline depends on.
type Engine interface {
	Expand(events []*model.Event, rangeStart, rangeEnd time.Time) ([]*model.Event, error)
}

// Default is the rrule-go-backed Engine.
type Default struct {
	expander *ical.RecurrenceExpander
}

func New(tz *time.Location) *Default {
	return &Default{expander: ical.NewRecurrenceExpander(tz)}
}

// Expand mirrors the shape of ics.Codec's model<->ical.Event conversion so
// the occurrence engine can reuse pkg/ical's expansion logic without
// duplicating RRULE handling.
func (d *Default) Expand(events []*model.Event, rangeStart, rangeEnd time.Time) ([]*model.Event, error) {
	icsEvents := make([]*ical.Event, 0, len(events))
	byPointer := make(map[*ical.Event]*model.Event, len(events))
	for _, ev := range events {
		ie := toICSEvent(ev)
		icsEvents = append(icsEvents, ie)
		byPointer[ie] = ev
	}

	expanded, err := d.expander.ExpandRecurrences(icsEvents, rangeStart, rangeEnd)
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}

	out := make([]*model.Event, 0, len(expanded))
	for _, ie := range expanded {
		if src, ok := byPointer[ie]; ok {
			// Unexpanded pass-through (non-recurring, in-range): reuse the
			// original model.Event verbatim.
			out = append(out, src)
			continue
		}
		out = append(out, fromICSInstance(ie))
	}
	return out, nil
}

func toICSEvent(ev *model.Event) *ical.Event {
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
		RawData:      ev.RawICS,
	}
}

func fromICSInstance(ie *ical.Event) *model.Event {
	return &model.Event{
		UID:          ie.UID,
		RecurrenceID: ie.RecurrenceID,
		Summary:      ie.Summary,
		Description:  ie.Description,
		Location:     ie.Location,
		StartAt:      ie.Start,
		EndAt:        ie.End,
		AllDay:       ie.IsAllDay,
		TZID:         ie.TZID,
		RawICS:       ie.RawData,
	}
}
