package codec

import (
	"strings"
	"testing"
)

func TestNormalizeETagIdempotent(t *testing.T) {
	cases := []string{
		`"abc123"`,
		`W/"abc123"`,
		`&quot;abc123&quot;`,
		`abc123`,
		`  "abc123"  `,
	}
	for _, raw := range cases {
		once := NormalizeETag(raw)
		twice := NormalizeETag(once)
		if once != twice {
			t.Errorf("NormalizeETag(%q) not idempotent: %q vs %q", raw, once, twice)
		}
		if once != "abc123" {
			t.Errorf("NormalizeETag(%q) = %q, want abc123", raw, once)
		}
	}
}

func TestETagsEqual(t *testing.T) {
	if !ETagsEqual(`"xyz"`, `W/"xyz"`) {
		t.Error("expected weak/strong variants of the same token to compare equal")
	}
	if ETagsEqual(`"xyz"`, `"abc"`) {
		t.Error("expected distinct tokens to compare unequal")
	}
}

func TestBuildCalendarMultiget(t *testing.T) {
	body, err := BuildCalendarMultiget([]string{"/cal/1.ics", "/cal/2.ics"})
	if err != nil {
		t.Fatalf("BuildCalendarMultiget: %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "calendar-multiget") {
		t.Error("missing calendar-multiget root element")
	}
	if !strings.Contains(s, "/cal/1.ics") || !strings.Contains(s, "/cal/2.ics") {
		t.Error("missing one or both requested hrefs")
	}
	if !strings.Contains(s, "calendar-data") {
		t.Error("missing calendar-data prop request")
	}
}

func TestBuildSyncCollectionEmptyToken(t *testing.T) {
	body, err := BuildSyncCollection("")
	if err != nil {
		t.Fatalf("BuildSyncCollection: %v", err)
	}
	if !strings.Contains(string(body), "sync-collection") {
		t.Error("missing sync-collection root element")
	}
}

// TestParseMultistatusPerPropstatScoring reproduces the Stalwart scenario
// (S6): resourcetype/displayname under one 200 propstat, calendar-color
// under a separate 404 propstat on the same response. The 404'd property
// must not surface.
func TestParseMultistatusPerPropstatScoring(t *testing.T) {
	doc := `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:A="http://apple.com/ns/ical/">
  <D:response>
    <D:href>/cal/personal/</D:href>
    <D:propstat>
      <D:prop>
        <D:displayname>Personal</D:displayname>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
    <D:propstat>
      <D:prop>
        <A:calendar-color/>
      </D:prop>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

	ms, err := ParseMultistatus(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMultistatus: %v", err)
	}
	if len(ms.Responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(ms.Responses))
	}
	r := ms.Responses[0]
	if r.Href != "/cal/personal/" {
		t.Errorf("href = %q", r.Href)
	}
	if r.DisplayName != "Personal" {
		t.Errorf("displayname = %q, want Personal", r.DisplayName)
	}
	if !r.ResourceType.Collection || !r.ResourceType.Calendar {
		t.Errorf("resourcetype = %+v, want collection+calendar", r.ResourceType)
	}
	if r.Color != "" {
		t.Errorf("color = %q, want empty (its propstat was 404)", r.Color)
	}
}

func TestParseMultistatusNamespacePrefixTolerance(t *testing.T) {
	doc := `<?xml version="1.0"?>
<multistatus xmlns="DAV:" xmlns:CAL="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/">
  <response>
    <href>/cal/work/</href>
    <propstat>
      <prop>
        <getctag xmlns="http://calendarserver.org/ns/">123-abc</getctag>
        <B:sync-token xmlns:B="DAV:">http://example.com/sync/1</B:sync-token>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`

	ms, err := ParseMultistatus(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMultistatus: %v", err)
	}
	if len(ms.Responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(ms.Responses))
	}
	r := ms.Responses[0]
	if r.CTag != "123-abc" {
		t.Errorf("ctag = %q", r.CTag)
	}
	if r.SyncToken != "http://example.com/sync/1" {
		t.Errorf("sync-token = %q", r.SyncToken)
	}
}

func TestParseMultistatusCalendarMultigetBody(t *testing.T) {
	doc := `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/1.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"etag-1"</D:getetag>
        <C:calendar-data>BEGIN:VCALENDAR
END:VCALENDAR
</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`
	ms, err := ParseMultistatus(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMultistatus: %v", err)
	}
	r := ms.Responses[0]
	if r.ETag != "etag-1" {
		t.Errorf("etag = %q, want etag-1", r.ETag)
	}
	if !strings.Contains(string(r.CalendarData), "BEGIN:VCALENDAR") {
		t.Errorf("calendar-data missing VCALENDAR body: %q", r.CalendarData)
	}
}
