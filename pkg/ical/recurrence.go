package ical

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// RecurrenceExpander expands RRULE/RDATE occurrences of a master Event into
// concrete instance Events within a window, honoring EXDATE exclusions.
type RecurrenceExpander struct {
	timeZone *time.Location
}

func NewRecurrenceExpander(tz *time.Location) *RecurrenceExpander {
	if tz == nil {
		tz = time.UTC
	}
	return &RecurrenceExpander{timeZone: tz}
}

// ParseCalendar decodes every VEVENT in an iCalendar document into Events.
// Malformed components (missing UID/DTSTART) are skipped rather than failing
// the whole document, since a remote server's calendar-data can legitimately
// contain components this engine doesn't understand (VTODO, VJOURNAL).
func ParseCalendar(data []byte) ([]*Event, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	var events []*Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		event, err := parseEvent(comp, data)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// SerializeEvent renders an Event back to bytes. If it already carries a
// RawData body (the last server-observed form), that body is patched with
// the Event's current field values so properties this codec doesn't model
// (ORGANIZER, X-props) survive the round trip. A recurrence instance is
// handled differently: only its UID/DTSTART/DTEND are rewritten and a
// RECURRENCE-ID is added (RRULE/RDATE/EXDATE dropped); its other fields are
// not patched into the body. Without RawData a fresh VEVENT is authored
// from scratch.
func SerializeEvent(event *Event) ([]byte, error) {
	if event.RawData != nil {
		if event.RecurrenceID != nil {
			return modifyEventInstance(event.RawData, event)
		}
		return patchEventData(event.RawData, event)
	}
	return createEventData(event)
}

// ExpandRecurrences returns, for each input event, either the event itself
// (non-recurring, if it overlaps the window) or its concrete occurrences
// within [rangeStart, rangeEnd).
func (re *RecurrenceExpander) ExpandRecurrences(events []*Event, rangeStart, rangeEnd time.Time) ([]*Event, error) {
	var expandedEvents []*Event
	for _, event := range events {
		if !event.IsRecurring {
			if re.eventOverlapsRange(event, rangeStart, rangeEnd) {
				expandedEvents = append(expandedEvents, event)
			}
			continue
		}
		instances, err := re.expandEvent(event, rangeStart, rangeEnd)
		if err != nil {
			continue
		}
		expandedEvents = append(expandedEvents, instances...)
	}
	return expandedEvents, nil
}

func parseEvent(comp *ical.Component, originalData []byte) (*Event, error) {
	event := &Event{}

	uid := comp.Props.Get(ical.PropUID)
	if uid == nil {
		return nil, fmt.Errorf("missing UID")
	}
	event.UID = uid.Value

	if summary := comp.Props.Get(ical.PropSummary); summary != nil {
		event.Summary = summary.Value
	}
	if desc := comp.Props.Get(ical.PropDescription); desc != nil {
		event.Description = desc.Value
	}
	if loc := comp.Props.Get("LOCATION"); loc != nil {
		event.Location = loc.Value
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("missing DTSTART")
	}
	start, isAllDay, err := parseDateTime(dtstart.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	event.Start = start
	event.IsAllDay = isAllDay
	if tzid := dtstart.Params.Get("TZID"); tzid != "" {
		event.TZID = tzid
	}

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, _, err := parseDateTime(dtend.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		event.End = end
		event.Duration = end.Sub(start)
	} else if duration := comp.Props.Get(ical.PropDuration); duration != nil {
		dur, err := parseDuration(duration.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		event.Duration = dur
		event.End = start.Add(dur)
	} else {
		if isAllDay {
			event.Duration = 24 * time.Hour
		}
		event.End = start.Add(event.Duration)
	}

	if rr := comp.Props.Get(ical.PropRecurrenceRule); rr != nil {
		event.RRule = rr.Value
		event.IsRecurring = true
	}

	for _, rdateProp := range comp.Props.Values(ical.PropRecurrenceDates) {
		dates, err := parseMultipleDates(rdateProp.Value)
		if err != nil {
			continue
		}
		event.RDates = append(event.RDates, dates...)
	}
	if len(event.RDates) > 0 {
		event.IsRecurring = true
	}

	for _, exdateProp := range comp.Props.Values(ical.PropExceptionDates) {
		dates, err := parseMultipleDates(exdateProp.Value)
		if err != nil {
			continue
		}
		event.ExDates = append(event.ExDates, dates...)
	}

	if recID := comp.Props.Get(ical.PropRecurrenceID); recID != nil {
		recTime, _, err := parseDateTime(recID.Value)
		if err == nil {
			event.RecurrenceID = &recTime
		}
	}

	if dtstamp := comp.Props.Get(ical.PropDateTimeStamp); dtstamp != nil {
		if ts, _, err := parseDateTime(dtstamp.Value); err == nil {
			event.DTStamp = ts
		}
	}

	if seq := comp.Props.Get("SEQUENCE"); seq != nil {
		if n, err := strconv.Atoi(seq.Value); err == nil {
			event.Sequence = n
		}
	}
	if pri := comp.Props.Get("PRIORITY"); pri != nil {
		if n, err := strconv.Atoi(pri.Value); err == nil {
			event.Priority = n
		}
	}
	if geo := comp.Props.Get("GEO"); geo != nil {
		event.Geo = geo.Value
	}
	if u := comp.Props.Get("URL"); u != nil {
		event.URL = u.Value
	}
	if cat := comp.Props.Get("CATEGORIES"); cat != nil {
		event.Categories = strings.Split(cat.Value, ",")
	}
	if color := comp.Props.Get("COLOR"); color != nil {
		event.Color = color.Value
	}

	for _, child := range comp.Children {
		if child.Name != "VALARM" {
			continue
		}
		reminder, ok := parseAlarm(child)
		if ok {
			event.Reminders = append(event.Reminders, reminder)
		}
	}

	event.RawData = originalData
	return event, nil
}

func parseAlarm(comp *ical.Component) (Reminder, bool) {
	trigger := comp.Props.Get("TRIGGER")
	if trigger == nil {
		return Reminder{}, false
	}
	// TRIGGER values are typically negative offsets before DTSTART (e.g.
	// -PT15M); parseDuration only understands the unsigned "P..." form, so
	// the leading sign is stripped before parsing and reapplied after.
	raw := trigger.Value
	negative := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "+")
	dur, err := parseDuration(raw)
	if err != nil {
		return Reminder{}, false
	}
	if !negative {
		dur = -dur
	}
	action := "DISPLAY"
	if a := comp.Props.Get("ACTION"); a != nil {
		action = a.Value
	}
	return Reminder{TriggerBefore: dur, Action: action}, true
}

func (re *RecurrenceExpander) expandEvent(event *Event, rangeStart, rangeEnd time.Time) ([]*Event, error) {
	var instances []time.Time

	if event.RRule != "" {
		rruleStr := "DTSTART:" + event.Start.Format("20060102T150405Z") + "\nRRULE:" + event.RRule
		rule, err := rrule.StrToRRule(rruleStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE: %w", err)
		}
		extendedEnd := rangeEnd.Add(event.Duration)
		instances = append(instances, rule.Between(rangeStart.Add(-event.Duration), extendedEnd, true)...)
	}

	instances = append(instances, event.RDates...)
	instances = filterExcludedDates(instances, event.ExDates)

	var filteredInstances []time.Time
	for _, instance := range instances {
		eventEnd := instance.Add(event.Duration)
		if re.timeRangeOverlaps(instance, eventEnd, rangeStart, rangeEnd) {
			filteredInstances = append(filteredInstances, instance)
		}
	}

	sort.Slice(filteredInstances, func(i, j int) bool {
		return filteredInstances[i].Before(filteredInstances[j])
	})

	var expandedEvents []*Event
	for _, instanceTime := range filteredInstances {
		it := instanceTime
		expandedEvents = append(expandedEvents, &Event{
			UID:          event.UID,
			Summary:      event.Summary,
			Description:  event.Description,
			Location:     event.Location,
			Start:        it,
			End:          it.Add(event.Duration),
			Duration:     event.Duration,
			IsAllDay:     event.IsAllDay,
			TZID:         event.TZID,
			IsRecurring:  false,
			RecurrenceID: &it,
			DTStamp:      event.DTStamp,
			Reminders:    event.Reminders,
			Priority:     event.Priority,
			Geo:          event.Geo,
			URL:          event.URL,
			Categories:   event.Categories,
			Color:        event.Color,
			RawData:      event.RawData,
		})
	}
	return expandedEvents, nil
}

func (re *RecurrenceExpander) eventOverlapsRange(event *Event, rangeStart, rangeEnd time.Time) bool {
	return re.timeRangeOverlaps(event.Start, event.End, rangeStart, rangeEnd)
}

func (re *RecurrenceExpander) timeRangeOverlaps(eventStart, eventEnd, rangeStart, rangeEnd time.Time) bool {
	return eventStart.Before(rangeEnd) && eventEnd.After(rangeStart)
}
