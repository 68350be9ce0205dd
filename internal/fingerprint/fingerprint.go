// Package fingerprint computes the deterministic content hash used for
// pull idempotence and conflict arbitration: a hash over the fields that
// define "the same
// event content" independent of server-only bookkeeping (ETag, DTSTAMP,
// SEQUENCE are deliberately excluded from identity but DTSTAMP/SEQUENCE are
// still hashed so a fingerprint change can be told apart from a pure
// housekeeping touch by comparing just those fields).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

// Fingerprint is the opaque comparable hash of one event's content.
type Fingerprint string

// Of computes the fingerprint over (UID, RECURRENCE-ID, summary, start, end,
// all-day, rrule, exdate, sequence, dtstamp).
func Of(ev *model.Event) Fingerprint {
	var b strings.Builder
	fmt.Fprintf(&b, "uid=%s\n", ev.UID)
	if ev.RecurrenceID != nil {
		fmt.Fprintf(&b, "rid=%d\n", ev.RecurrenceID.UnixMilli())
	} else {
		b.WriteString("rid=\n")
	}
	fmt.Fprintf(&b, "summary=%s\n", ev.Summary)
	fmt.Fprintf(&b, "start=%d\n", ev.StartAt.UnixMilli())
	fmt.Fprintf(&b, "end=%d\n", ev.EndAt.UnixMilli())
	fmt.Fprintf(&b, "allday=%t\n", ev.AllDay)
	fmt.Fprintf(&b, "rrule=%s\n", ev.RRule)

	exdates := make([]int64, len(ev.ExDates))
	for i, d := range ev.ExDates {
		exdates[i] = d.UnixMilli()
	}
	sort.Slice(exdates, func(i, j int) bool { return exdates[i] < exdates[j] })
	fmt.Fprintf(&b, "exdate=%v\n", exdates)

	fmt.Fprintf(&b, "sequence=%d\n", ev.Sequence)
	fmt.Fprintf(&b, "dtstamp=%d\n", ev.DTStamp.UnixMilli())

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// contentOnly is Of's input without DTSTAMP/SEQUENCE and with description
// and location added, used to detect "semantically equal" versions: two
// versions whose Fingerprints differ only because of housekeeping fields
// still collide here.
func contentOnly(ev *model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "uid=%s\n", ev.UID)
	if ev.RecurrenceID != nil {
		fmt.Fprintf(&b, "rid=%d\n", ev.RecurrenceID.UnixMilli())
	} else {
		b.WriteString("rid=\n")
	}
	fmt.Fprintf(&b, "summary=%s\n", ev.Summary)
	fmt.Fprintf(&b, "description=%s\n", ev.Description)
	fmt.Fprintf(&b, "location=%s\n", ev.Location)
	fmt.Fprintf(&b, "start=%d\n", ev.StartAt.UnixMilli())
	fmt.Fprintf(&b, "end=%d\n", ev.EndAt.UnixMilli())
	fmt.Fprintf(&b, "allday=%t\n", ev.AllDay)
	fmt.Fprintf(&b, "rrule=%s\n", ev.RRule)
	exdates := make([]int64, len(ev.ExDates))
	for i, d := range ev.ExDates {
		exdates[i] = d.UnixMilli()
	}
	sort.Slice(exdates, func(i, j int) bool { return exdates[i] < exdates[j] })
	fmt.Fprintf(&b, "exdate=%v\n", exdates)
	return b.String()
}

// SemanticallyEqual reports whether a and b differ only in DTSTAMP/SEQUENCE
// (and therefore ETag), i.e. the server change was pure housekeeping.
func SemanticallyEqual(a, b *model.Event) bool {
	return contentOnly(a) == contentOnly(b)
}
