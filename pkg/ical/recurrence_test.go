package ical

import (
	"strings"
	"testing"
	"time"
)

const sampleEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:event-1@example.com
DTSTAMP:20260101T090000Z
DTSTART:20260105T090000Z
DTEND:20260105T100000Z
SUMMARY:Weekly standup
RRULE:FREQ=WEEKLY;COUNT=4
BEGIN:VALARM
TRIGGER:-PT15M
ACTION:DISPLAY
END:VALARM
END:VEVENT
END:VCALENDAR
`

func TestParseCalendarBasic(t *testing.T) {
	events, err := ParseCalendar([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("ParseCalendar: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.UID != "event-1@example.com" {
		t.Errorf("uid = %q", e.UID)
	}
	if !e.IsRecurring || e.RRule != "FREQ=WEEKLY;COUNT=4" {
		t.Errorf("rrule not parsed: %+v", e)
	}
	if len(e.Reminders) != 1 || e.Reminders[0].TriggerBefore != 15*time.Minute {
		t.Errorf("reminders = %+v, want one 15m-before alarm", e.Reminders)
	}
}

func TestExpandRecurrencesRespectsWindowAndExdate(t *testing.T) {
	events, err := ParseCalendar([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("ParseCalendar: %v", err)
	}
	events[0].ExDates = []time.Time{
		time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),
	}

	expander := NewRecurrenceExpander(time.UTC)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	instances, err := expander.ExpandRecurrences(events, start, end)
	if err != nil {
		t.Fatalf("ExpandRecurrences: %v", err)
	}
	// 4 occurrences (FREQ=WEEKLY;COUNT=4), minus the excluded 01-12 one.
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances after exclusion, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.RecurrenceID == nil {
			t.Error("expanded instance missing RecurrenceID")
		}
		if inst.Start.Equal(time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)) {
			t.Error("excluded date was not filtered out")
		}
	}
}

func TestSerializeEventRecurrenceInstancePatchesRawData(t *testing.T) {
	events, _ := ParseCalendar([]byte(sampleEvent))
	master := events[0]
	instanceTime := time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC)
	instance := &Event{
		UID:          master.UID,
		Start:        instanceTime,
		End:          instanceTime.Add(time.Hour),
		RecurrenceID: &instanceTime,
		RawData:      master.RawData,
	}

	out, err := SerializeEvent(instance)
	if err != nil {
		t.Fatalf("SerializeEvent: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "RECURRENCE-ID") {
		t.Error("patched instance missing RECURRENCE-ID")
	}
	if strings.Contains(s, "RRULE") {
		t.Error("patched instance should not retain RRULE")
	}
}

func TestSerializeEventPatchesEditedFieldsIntoRawData(t *testing.T) {
	events, err := ParseCalendar([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("ParseCalendar: %v", err)
	}
	master := events[0]
	master.Summary = "Weekly standup (moved)"

	out, err := SerializeEvent(master)
	if err != nil {
		t.Fatalf("SerializeEvent: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "SUMMARY:Weekly standup (moved)") {
		t.Errorf("edited summary not written through, got:\n%s", s)
	}
	if strings.Count(s, "SUMMARY:") != 1 {
		t.Errorf("expected exactly one SUMMARY after patching, got:\n%s", s)
	}
	if !strings.Contains(s, "RRULE:FREQ=WEEKLY;COUNT=4") {
		t.Error("RRULE lost during patching")
	}
	if !strings.Contains(s, "BEGIN:VALARM") {
		t.Error("VALARM child lost during patching")
	}
}

func TestCreateEventDataFromScratch(t *testing.T) {
	ev := &Event{
		UID:     "new-event@example.com",
		Summary: "Dentist",
		Start:   time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC),
	}
	out, err := SerializeEvent(ev)
	if err != nil {
		t.Fatalf("SerializeEvent: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "UID:new-event@example.com") {
		t.Error("missing UID")
	}
	if !strings.Contains(s, "SUMMARY:Dentist") {
		t.Error("missing SUMMARY")
	}
}
