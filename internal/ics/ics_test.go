package ics

import (
	"strings"
	"testing"
)

const doc = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:abc@example.com
DTSTAMP:20260101T090000Z
DTSTART:20260102T100000Z
DTEND:20260102T110000Z
SUMMARY:Checkup
END:VEVENT
END:VCALENDAR
`

func TestParseAndSerializeRoundTrip(t *testing.T) {
	codec := New()
	events, err := codec.Parse("cal-1", []byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.CalendarID != "cal-1" {
		t.Errorf("calendar id = %q", ev.CalendarID)
	}
	if ev.UID != "abc@example.com" || ev.Summary != "Checkup" {
		t.Errorf("unexpected event: %+v", ev)
	}

	out, err := codec.Serialize(ev)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(out), "Checkup") {
		t.Error("serialized output lost SUMMARY")
	}
}

func TestParseEmptyComponentSet(t *testing.T) {
	codec := New()
	events, err := codec.Parse("cal-1", []byte("BEGIN:VCALENDAR\nVERSION:2.0\nEND:VCALENDAR\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
