package ical

import "time"

// Event is the codec-level representation of one VEVENT, master or
// recurrence exception. It carries exactly the RFC 5545/7986 fields this
// sync engine understands; scheduling/iTIP fields (ORGANIZER, ATTENDEE,
// METHOD, PARTSTAT) are out of scope for a sync client that never issues
// invitations on its own and are intentionally absent.
type Event struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	Duration     time.Duration
	IsAllDay     bool
	TZID         string
	IsRecurring  bool
	RRule        string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID *time.Time

	DTStamp  time.Time
	Sequence int

	Reminders  []Reminder
	Priority   int
	Geo        string
	URL        string
	Categories []string
	Color      string

	RawData []byte
}

// Reminder is one VALARM attached to an Event.
type Reminder struct {
	TriggerBefore time.Duration
	Action        string
}
