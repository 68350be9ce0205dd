package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// GenerateEventETag derives a deterministic local ETag candidate for an Event
// that hasn't been assigned one by a server yet (e.g. a newly created local
// event awaiting its first PUT response). It is never compared against a
// server-issued ETag directly; see internal/fingerprint for the content
// fingerprint used in conflict detection.
func GenerateEventETag(event *Event) string {
	if event.RecurrenceID != nil {
		return event.UID + "-" + event.RecurrenceID.Format("20060102T150405Z")
	}
	return event.UID + "-" + event.Start.Format("20060102T150405Z")
}

func parseDateTime(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)

	if len(s) == 8 {
		t, err := time.Parse("20060102", s)
		return t, true, err
	}
	if len(s) == 15 {
		t, err := time.ParseInLocation("20060102T150405", s, time.Local)
		return t, false, err
	}
	if len(s) == 16 && strings.HasSuffix(s, "Z") {
		t, err := time.Parse("20060102T150405Z", s)
		return t, false, err
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

func parseMultipleDates(dateStr string) ([]time.Time, error) {
	var dates []time.Time
	for _, part := range strings.Split(dateStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		date, _, err := parseDateTime(part)
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	return dates, nil
}

func parseDuration(durStr string) (time.Duration, error) {
	durStr = strings.TrimSpace(durStr)
	if !strings.HasPrefix(durStr, "P") {
		return 0, fmt.Errorf("invalid duration format")
	}

	var days, hours, minutes, seconds int
	var inTime bool
	var current strings.Builder

	for _, r := range durStr[1:] {
		switch r {
		case 'D':
			if n, err := strconv.Atoi(current.String()); err == nil {
				days = n
			}
			current.Reset()
		case 'T':
			inTime = true
			current.Reset()
		case 'H':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					hours = n
				}
			}
			current.Reset()
		case 'M':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					minutes = n
				}
			}
			current.Reset()
		case 'S':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					seconds = n
				}
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second, nil
}

func filterExcludedDates(instances, exdates []time.Time) []time.Time {
	if len(exdates) == 0 {
		return instances
	}
	excludeMap := make(map[string]bool, len(exdates))
	for _, exdate := range exdates {
		excludeMap[exdate.Format("20060102T150405Z")] = true
	}
	var filtered []time.Time
	for _, instance := range instances {
		if !excludeMap[instance.Format("20060102T150405Z")] {
			filtered = append(filtered, instance)
		}
	}
	return filtered
}

func modifyEventInstance(rawData []byte, event *Event) ([]byte, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(rawData)).Decode()
	if err != nil {
		return nil, err
	}

	var eventComp *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			eventComp = comp
			break
		}
	}
	if eventComp == nil {
		return nil, fmt.Errorf("no VEVENT component found")
	}

	if dtstart := eventComp.Props.Get(ical.PropDateTimeStart); dtstart != nil {
		dtstart.Value = formatDateTime(event.Start, event.IsAllDay)
	}
	if dtend := eventComp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		dtend.Value = formatDateTime(event.End, event.IsAllDay)
	}
	if uid := eventComp.Props.Get(ical.PropUID); uid != nil {
		uid.Value = event.UID
	}

	if event.RecurrenceID != nil {
		eventComp.Props.Set(&ical.Prop{
			Name:  ical.PropRecurrenceID,
			Value: formatDateTime(*event.RecurrenceID, event.IsAllDay),
		})
		eventComp.Props.Del(ical.PropRecurrenceRule)
		eventComp.Props.Del(ical.PropRecurrenceDates)
		eventComp.Props.Del(ical.PropExceptionDates)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// patchEventData rewrites the modeled properties of the first VEVENT in
// rawData from event's current field values, leaving everything this codec
// doesn't model untouched. Used when pushing a local edit of an event whose
// body was originally authored by the server.
func patchEventData(rawData []byte, event *Event) ([]byte, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(rawData)).Decode()
	if err != nil {
		return nil, err
	}

	var eventComp *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			eventComp = comp
			break
		}
	}
	if eventComp == nil {
		return nil, fmt.Errorf("no VEVENT component found")
	}

	eventComp.Props.Set(&ical.Prop{Name: ical.PropUID, Value: event.UID})
	eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStart, Value: formatDateTime(event.Start, event.IsAllDay)})
	if !event.End.IsZero() {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeEnd, Value: formatDateTime(event.End, event.IsAllDay)})
	}

	setOrDel := func(name, value string) {
		if value == "" {
			eventComp.Props.Del(name)
			return
		}
		eventComp.Props.Set(&ical.Prop{Name: name, Value: value})
	}
	setOrDel(ical.PropSummary, event.Summary)
	setOrDel(ical.PropDescription, event.Description)
	setOrDel("LOCATION", event.Location)
	setOrDel(ical.PropRecurrenceRule, event.RRule)
	setOrDel("GEO", event.Geo)
	setOrDel("URL", event.URL)
	setOrDel("COLOR", event.Color)
	setOrDel("CATEGORIES", strings.Join(event.Categories, ","))

	if event.Sequence > 0 {
		eventComp.Props.Set(&ical.Prop{Name: "SEQUENCE", Value: strconv.Itoa(event.Sequence)})
	}
	if event.Priority > 0 {
		eventComp.Props.Set(&ical.Prop{Name: "PRIORITY", Value: strconv.Itoa(event.Priority)})
	} else {
		eventComp.Props.Del("PRIORITY")
	}
	if !event.DTStamp.IsZero() {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: event.DTStamp.UTC().Format("20060102T150405Z")})
	}

	eventComp.Props.Del(ical.PropExceptionDates)
	for _, ex := range event.ExDates {
		eventComp.Props.Add(&ical.Prop{Name: ical.PropExceptionDates, Value: formatDateTime(ex, event.IsAllDay)})
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func createEventData(event *Event) ([]byte, error) {
	cal := &ical.Calendar{
		Component: &ical.Component{
			Name: ical.CompCalendar,
			Props: ical.Props{
				ical.PropVersion:   []ical.Prop{{Name: ical.PropVersion, Value: "2.0"}},
				ical.PropProductID: []ical.Prop{{Name: ical.PropProductID, Value: "-//caldav-sync//EN"}},
			},
		},
	}

	eventComp := &ical.Component{Name: ical.CompEvent, Props: make(ical.Props)}

	eventComp.Props.Set(&ical.Prop{Name: ical.PropUID, Value: event.UID})
	stamp := event.DTStamp
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: stamp.UTC().Format("20060102T150405Z")})

	eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStart, Value: formatDateTime(event.Start, event.IsAllDay)})
	if event.Duration > 0 {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropDateTimeEnd, Value: formatDateTime(event.End, event.IsAllDay)})
	}

	if event.Summary != "" {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropSummary, Value: event.Summary})
	}
	if event.Description != "" {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropDescription, Value: event.Description})
	}
	if event.Location != "" {
		eventComp.Props.Set(&ical.Prop{Name: "LOCATION", Value: event.Location})
	}
	if event.RRule != "" {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Value: event.RRule})
	}
	if event.Sequence > 0 {
		eventComp.Props.Set(&ical.Prop{Name: "SEQUENCE", Value: strconv.Itoa(event.Sequence)})
	}
	if event.Priority > 0 {
		eventComp.Props.Set(&ical.Prop{Name: "PRIORITY", Value: strconv.Itoa(event.Priority)})
	}
	if event.Geo != "" {
		eventComp.Props.Set(&ical.Prop{Name: "GEO", Value: event.Geo})
	}
	if event.URL != "" {
		eventComp.Props.Set(&ical.Prop{Name: "URL", Value: event.URL})
	}
	if len(event.Categories) > 0 {
		eventComp.Props.Set(&ical.Prop{Name: "CATEGORIES", Value: strings.Join(event.Categories, ",")})
	}
	if event.Color != "" {
		eventComp.Props.Set(&ical.Prop{Name: "COLOR", Value: event.Color})
	}
	if event.RecurrenceID != nil {
		eventComp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceID, Value: formatDateTime(*event.RecurrenceID, event.IsAllDay)})
	}

	for _, ex := range event.ExDates {
		eventComp.Props.Add(&ical.Prop{Name: ical.PropExceptionDates, Value: formatDateTime(ex, event.IsAllDay)})
	}

	for _, reminder := range event.Reminders {
		eventComp.Children = append(eventComp.Children, buildAlarm(reminder))
	}

	cal.Children = []*ical.Component{eventComp}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildAlarm(r Reminder) *ical.Component {
	alarm := &ical.Component{Name: "VALARM", Props: make(ical.Props)}
	trigger := -r.TriggerBefore // TriggerBefore is positive-before-start; TRIGGER is negative
	alarm.Props.Set(&ical.Prop{Name: "TRIGGER", Value: formatISODuration(trigger)})
	action := r.Action
	if action == "" {
		action = "DISPLAY"
	}
	alarm.Props.Set(&ical.Prop{Name: "ACTION", Value: action})
	if action == "DISPLAY" {
		alarm.Props.Set(&ical.Prop{Name: ical.PropDescription, Value: "Reminder"})
	}
	return alarm
}

func formatISODuration(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	totalSeconds := int64(d.Seconds())
	days := totalSeconds / 86400
	totalSeconds %= 86400
	hours := totalSeconds / 3600
	totalSeconds %= 3600
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	sb.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&sb, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 {
		sb.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&sb, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&sb, "%dM", minutes)
		}
		if seconds > 0 {
			fmt.Fprintf(&sb, "%dS", seconds)
		}
	}
	if sb.Len() == 1 || (neg && sb.Len() == 2) {
		sb.WriteString("T0S")
	}
	return sb.String()
}

func formatDateTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("20060102")
	}
	return t.UTC().Format("20060102T150405Z")
}
