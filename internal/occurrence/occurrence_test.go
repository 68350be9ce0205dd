package occurrence

import (
	"testing"
	"time"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

func TestExpandNonRecurringPassesThroughUnchanged(t *testing.T) {
	ev := &model.Event{
		UID:     "single@example.com",
		StartAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	eng := New(time.UTC)
	out, err := eng.Expand([]*model.Event{ev}, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(out) != 1 || out[0] != ev {
		t.Fatalf("expected the same event instance passed through, got %+v", out)
	}
}

// TestExpandNonRecurringWithStrayExDatePassesThrough guards against
// classifying an event as recurring just because it carries ExDates: without
// an RRULE (or RDATEs, which model.Event does not carry) such an event has
// no instances to expand and must still pass through as itself.
func TestExpandNonRecurringWithStrayExDatePassesThrough(t *testing.T) {
	ev := &model.Event{
		UID:     "stray-exdate@example.com",
		StartAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		ExDates: []time.Time{time.Date(2026, 5, 8, 9, 0, 0, 0, time.UTC)},
	}
	eng := New(time.UTC)
	out, err := eng.Expand([]*model.Event{ev}, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(out) != 1 || out[0] != ev {
		t.Fatalf("expected the event to pass through unchanged, got %+v", out)
	}
}

func TestExpandRecurringProducesInstances(t *testing.T) {
	ev := &model.Event{
		UID:     "daily@example.com",
		StartAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
		RRule:   "FREQ=DAILY;COUNT=5",
	}
	eng := New(time.UTC)
	out, err := eng.Expand([]*model.Event{ev}, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 instances, got %d", len(out))
	}
	for _, inst := range out {
		if inst.UID != ev.UID {
			t.Errorf("instance UID = %q, want %q", inst.UID, ev.UID)
		}
		if inst.RecurrenceID == nil {
			t.Error("instance missing RecurrenceID")
		}
	}
}
