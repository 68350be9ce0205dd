package pull

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/caldav-sync/internal/changedetector"
	"github.com/sonroyaalmerol/caldav-sync/internal/config"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/occurrence"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store/memstore"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

const window = 365 * 24 * time.Hour

func newTestPipeline(st *memstore.Store) *Pipeline {
	trCfg := config.TransportConfig{
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		MaxRedirects:   5,
		RetryBaseDelay: time.Millisecond,
		RetryFactor:    2,
		RetryCap:       10 * time.Millisecond,
		MaxRetries:     1,
	}
	tr := transport.New(trCfg, transport.Credentials{}, zerolog.Nop())
	return New(tr, st, ics.New(), occurrence.New(nil), 50, 4, zerolog.Nop())
}

func seedCalendar(t *testing.T, st *memstore.Store, calURL string) *model.Calendar {
	t.Helper()
	ctx := context.Background()
	acc := &model.Account{Provider: model.ProviderGeneric}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	cal := &model.Calendar{AccountID: acc.ID, URL: calURL, Visible: true}
	if err := st.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("create calendar: %v", err)
	}
	return cal
}

func icsBody(uid, summary, dtstamp string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTAMP:" + dtstamp + "\r\n" +
		"DTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\n" +
		"SUMMARY:" + summary + "\r\nSEQUENCE:0\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
}

func multigetResponseXML(href, etag, ics string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>%s</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>%s</D:getetag>
        <C:calendar-data>%s</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`, href, etag, ics)
}

// requestedHref pulls the single href out of a calendar-multiget body; the
// fake servers below use it to answer single-href fallback requests.
func requestedHref(body string) string {
	i := strings.Index(body, ".ics")
	if i < 0 {
		return ""
	}
	j := strings.LastIndex(body[:i], ">")
	return body[j+1 : i+4]
}

// TestEmptyMultigetFallsBackToSingleHref covers the empty-multiget quirk: the batched
// multiget for 5 hrefs comes back 200 with an empty multi-status, so the
// pipeline must refetch each href individually and still materialize all 5
// events, for exactly 6 REPORT calls total.
func TestEmptyMultigetFallsBackToSingleHref(t *testing.T) {
	const calPath = "/caldav/cal-1/"
	var reportCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc(calPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&reportCalls, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		if strings.Count(string(body), ".ics") > 1 {
			io.WriteString(w, `<?xml version="1.0"?><D:multistatus xmlns:D="DAV:"></D:multistatus>`)
			return
		}
		href := requestedHref(string(body))
		uid := strings.TrimSuffix(href[strings.LastIndex(href, "/")+1:], ".ics")
		fmt.Fprint(w, multigetResponseXML(href, `"etag-`+uid+`"`, icsBody(uid+"@t", "Event "+uid, "20260201T090000Z")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	cal := seedCalendar(t, st, srv.URL+calPath)
	p := newTestPipeline(st)

	profile := quirks.Default()
	profile.EmptyBodyOnMultigetSignalsSingleHref = true

	hrefs := make([]string, 5)
	for i := range hrefs {
		hrefs[i] = fmt.Sprintf("%se%d.ics", calPath, i+1)
	}
	verdict := &changedetector.Verdict{Kind: changedetector.TokenDelta, ChangedHrefs: hrefs, NewSyncToken: "tok-s3"}

	res, err := p.Run(context.Background(), cal, profile, verdict, window, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Added != 5 {
		t.Errorf("expected 5 materialized events, got Added=%d", res.Added)
	}
	if got := atomic.LoadInt32(&reportCalls); got != 6 {
		t.Errorf("expected exactly 6 REPORT calls (1 batch + 5 single-href), got %d", got)
	}

	saved, err := st.LoadCalendar(context.Background(), cal.ID)
	if err != nil {
		t.Fatalf("load calendar: %v", err)
	}
	if saved.SyncToken != "tok-s3" {
		t.Errorf("expected the server-returned sync-token to be stored, got %q", saved.SyncToken)
	}

	ev, err := st.GetEventByUID(context.Background(), cal.ID, "e3@t", nil)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.ResourceURL != srv.URL+calPath+"e3.ics" {
		t.Errorf("expected an absolute ResourceURL, got %q", ev.ResourceURL)
	}
}

// TestSecondIdenticalPullWritesNothing: an unchanged
// server produces zero writes on the second run because the fingerprint of
// the stored event matches the re-fetched body.
func TestSecondIdenticalPullWritesNothing(t *testing.T) {
	const calPath = "/caldav/cal-2/"
	mux := http.NewServeMux()
	mux.HandleFunc(calPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			http.NotFound(w, r)
			return
		}
		io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multigetResponseXML(calPath+"stable.ics", `"stable-etag"`, icsBody("stable@t", "Stable", "20260201T090000Z")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	cal := seedCalendar(t, st, srv.URL+calPath)
	p := newTestPipeline(st)

	verdict := &changedetector.Verdict{Kind: changedetector.TokenDelta, ChangedHrefs: []string{calPath + "stable.ics"}, NewSyncToken: "tok-1"}
	first, err := p.Run(context.Background(), cal, quirks.Default(), verdict, window, false)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Added != 1 {
		t.Fatalf("expected 1 added on first run, got %d", first.Added)
	}

	second, err := p.Run(context.Background(), cal, quirks.Default(), verdict, window, false)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Added != 0 || second.Updated != 0 || second.Deleted != 0 {
		t.Errorf("expected zero writes on second run, got added=%d updated=%d deleted=%d",
			second.Added, second.Updated, second.Deleted)
	}
}

// TestMultiget501FallsBackToGet: a server that refuses REPORT
// calendar-multiget with 501 gets each resource fetched with a plain GET
// instead.
func TestMultiget501FallsBackToGet(t *testing.T) {
	const calPath = "/caldav/cal-3/"
	mux := http.NewServeMux()
	mux.HandleFunc(calPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "REPORT" {
			http.Error(w, "not implemented", http.StatusNotImplemented)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc(calPath+"g1.ics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `W/"g1-etag"`)
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		io.WriteString(w, icsBody("g1@t", "Via GET", "20260201T090000Z"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	cal := seedCalendar(t, st, srv.URL+calPath)
	p := newTestPipeline(st)

	verdict := &changedetector.Verdict{Kind: changedetector.TokenDelta, ChangedHrefs: []string{calPath + "g1.ics"}}
	res, err := p.Run(context.Background(), cal, quirks.Default(), verdict, window, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Added != 1 {
		t.Fatalf("expected 1 added via GET fallback, got %d", res.Added)
	}
	ev, err := st.GetEventByUID(context.Background(), cal.ID, "g1@t", nil)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.ETag != "g1-etag" {
		t.Errorf("expected normalized weak ETag g1-etag, got %q", ev.ETag)
	}
	if ev.Summary != "Via GET" {
		t.Errorf("summary = %q", ev.Summary)
	}
}

// TestEtagRangeDiffDeletesVanishedAndSkipsMatching: an EtagRange verdict
// deletes local events absent from the server listing and skips ones whose
// ETag still matches, without issuing any fetch.
func TestEtagRangeDiffDeletesVanishedAndSkipsMatching(t *testing.T) {
	const calURL = "http://cal.example/dav/cal-4/"
	st := memstore.New()
	cal := seedCalendar(t, st, calURL)
	p := newTestPipeline(st)

	ctx := context.Background()
	now := time.Now()
	keep := &model.Event{CalendarID: cal.ID, UID: "keep@t", Summary: "Keep",
		StartAt: now, EndAt: now.Add(time.Hour),
		ResourceURL: calURL + "keep.ics", ETag: "keep-etag", Status: model.StatusSynced}
	gone := &model.Event{CalendarID: cal.ID, UID: "gone@t", Summary: "Gone",
		StartAt: now, EndAt: now.Add(time.Hour),
		ResourceURL: calURL + "gone.ics", ETag: "gone-etag", Status: model.StatusSynced}
	if _, err := st.UpsertEvent(ctx, keep); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertEvent(ctx, gone); err != nil {
		t.Fatal(err)
	}

	cal.SyncToken = "stale-token"
	verdict := &changedetector.Verdict{
		Kind:         changedetector.EtagRange,
		EtagPairs:    []changedetector.HrefETag{{Href: "/dav/cal-4/keep.ics", ETag: `W/"keep-etag"`}},
		DiscardToken: true,
	}
	res, err := p.Run(ctx, cal, quirks.Default(), verdict, window, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", res.Deleted)
	}
	if res.Added != 0 || res.Updated != 0 {
		t.Errorf("expected no fetches for the matching href, got added=%d updated=%d", res.Added, res.Updated)
	}
	if _, err := st.GetEventByUID(ctx, cal.ID, "gone@t", nil); err == nil {
		t.Error("expected the vanished event to be deleted locally")
	}
	if _, err := st.GetEventByUID(ctx, cal.ID, "keep@t", nil); err != nil {
		t.Errorf("expected the matching event to survive: %v", err)
	}

	saved, err := st.LoadCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.SyncToken != "" {
		t.Errorf("expected the rejected sync-token to be discarded, got %q", saved.SyncToken)
	}
}
