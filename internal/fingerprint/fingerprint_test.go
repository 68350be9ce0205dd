package fingerprint

import (
	"testing"
	"time"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

func baseEvent() *model.Event {
	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return &model.Event{
		UID:      "e2e-1@t",
		Summary:  "Test",
		StartAt:  start,
		EndAt:    start.Add(time.Hour),
		DTStamp:  start,
		Sequence: 0,
	}
}

// TestSemanticEqualityIgnoresDtstampAndSequence: two versions whose
// DTSTAMP/SEQUENCE differ are not the same
// Fingerprint, but SemanticallyEqual still considers them the same content.
func TestSemanticEqualityIgnoresDtstampAndSequence(t *testing.T) {
	a := baseEvent()
	b := baseEvent()
	b.DTStamp = a.DTStamp.Add(time.Minute)
	b.Sequence = a.Sequence + 1

	if Of(a) == Of(b) {
		t.Fatalf("expected fingerprints to differ when DTSTAMP/SEQUENCE change")
	}
	if !SemanticallyEqual(a, b) {
		t.Fatalf("expected SemanticallyEqual to treat a housekeeping-only change as equal")
	}
}

// TestOfDiffersOnRealContentChange ensures a genuine content change (e.g.
// summary) is neither the same Fingerprint nor SemanticallyEqual.
func TestOfDiffersOnRealContentChange(t *testing.T) {
	a := baseEvent()
	b := baseEvent()
	b.Summary = "Different"

	if Of(a) == Of(b) {
		t.Fatalf("expected fingerprints to differ on summary change")
	}
	if SemanticallyEqual(a, b) {
		t.Fatalf("expected SemanticallyEqual to be false on a real content change")
	}
}

// TestOfIsDeterministic checks the same event always hashes identically,
// independent of exdate slice ordering (fingerprint sorts before hashing).
func TestOfIsDeterministic(t *testing.T) {
	a := baseEvent()
	a.ExDates = []time.Time{
		time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
	b := baseEvent()
	b.ExDates = []time.Time{
		time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
	}
	if Of(a) != Of(b) {
		t.Fatalf("expected exdate order not to affect the fingerprint")
	}
}

// TestOfTreatsRecurrenceIDAsDistinguishing verifies a master and an
// exception sharing a UID never collide.
func TestOfTreatsRecurrenceIDAsDistinguishing(t *testing.T) {
	master := baseEvent()
	exception := baseEvent()
	rid := master.StartAt.Add(24 * time.Hour)
	exception.RecurrenceID = &rid

	if Of(master) == Of(exception) {
		t.Fatalf("expected master and exception fingerprints to differ")
	}
}
