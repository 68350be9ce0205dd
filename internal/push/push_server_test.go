package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/caldav-sync/internal/config"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store/memstore"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

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
	return New(tr, st, ics.New(), 2, zerolog.Nop())
}

func seedAccountAndCalendar(t *testing.T, st *memstore.Store, calURL string) (string, *model.Calendar) {
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
	return acc.ID, cal
}

func rawVEVENT(uid, summary, dtstamp string) []byte {
	return []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTAMP:" + dtstamp + "\r\n" +
		"DTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\n" +
		"SUMMARY:" + summary + "\r\nSEQUENCE:0\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n")
}

const etagPropfindXML = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>%HREF%</D:href>
    <D:propstat>
      <D:prop><D:getetag>%ETAG%</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const etagPropfind404XML = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>%HREF%</D:href>
    <D:propstat>
      <D:prop><D:getetag/></D:prop>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

func writeMultistatus(w http.ResponseWriter, tmpl, href, etag string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	body := strings.ReplaceAll(tmpl, "%HREF%", href)
	body = strings.ReplaceAll(body, "%ETAG%", etag)
	io.WriteString(w, body)
}

// TestCreateMissingETagFallsBackToPropfind: the create PUT
// answers 201 with no ETag header, so the pipeline must follow up with a
// PROPFIND getetag and store what it returns.
func TestCreateMissingETagFallsBackToPropfind(t *testing.T) {
	const resPath = "/dav/cal/s2-1.ics"
	var propfinds int32
	mux := http.NewServeMux()
	mux.HandleFunc(resPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated) // deliberately no ETag header
		case "PROPFIND":
			atomic.AddInt32(&propfinds, 1)
			writeMultistatus(w, etagPropfindXML, resPath, `"propfind-etag"`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	accID, cal := seedAccountAndCalendar(t, st, srv.URL+"/dav/cal/")
	ctx := context.Background()

	ev := &model.Event{CalendarID: cal.ID, UID: "s2-1", Summary: "Test",
		StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Status:  model.StatusPendingCreate}
	evID, err := st.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnqueuePending(ctx, &model.PendingOp{EventID: evID, Kind: model.OpCreate, Status: model.OpPending}); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(st)
	res, err := p.Drain(ctx, accID, map[string]*model.Calendar{cal.ID: cal}, quirks.ForFamily(model.ProviderNextcloud), 50)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected 1 create, got %d", res.Created)
	}
	if atomic.LoadInt32(&propfinds) != 1 {
		t.Errorf("expected exactly 1 follow-up PROPFIND, got %d", propfinds)
	}

	got, err := st.GetEventByID(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ETag != "propfind-etag" {
		t.Errorf("stored etag = %q, want propfind-etag", got.ETag)
	}
	if got.Status != model.StatusSynced {
		t.Errorf("status = %s, want SYNCED", got.Status)
	}
	if got.ResourceURL != srv.URL+resPath {
		t.Errorf("resource URL = %q", got.ResourceURL)
	}
}

// TestCreateMissingETagFallsBackToMultiget: the follow-up PROPFIND also
// yields no etag, so a single-href multiget is the last resort.
func TestCreateMissingETagFallsBackToMultiget(t *testing.T) {
	const resPath = "/dav/cal/s2b-1.ics"
	var reports int32
	mux := http.NewServeMux()
	mux.HandleFunc(resPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		case "PROPFIND":
			writeMultistatus(w, etagPropfind404XML, resPath, "")
		case "REPORT":
			atomic.AddInt32(&reports, 1)
			writeMultistatus(w, etagPropfindXML, resPath, `"mg-etag"`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	accID, cal := seedAccountAndCalendar(t, st, srv.URL+"/dav/cal/")
	ctx := context.Background()

	ev := &model.Event{CalendarID: cal.ID, UID: "s2b-1", Summary: "Test",
		StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Status:  model.StatusPendingCreate}
	evID, err := st.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnqueuePending(ctx, &model.PendingOp{EventID: evID, Kind: model.OpCreate, Status: model.OpPending}); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(st)
	if _, err := p.Drain(ctx, accID, map[string]*model.Calendar{cal.ID: cal}, quirks.ForFamily(model.ProviderNextcloud), 50); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if atomic.LoadInt32(&reports) != 1 {
		t.Errorf("expected exactly 1 single-href multiget, got %d", reports)
	}
	got, err := st.GetEventByID(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ETag != "mg-etag" {
		t.Errorf("stored etag = %q, want mg-etag", got.ETag)
	}
}

// TestUpdate412RecoversWithFreshETag: the server rotated the
// etag (housekeeping only) between pull and push, so the stale If-Match gets
// a 412; the pipeline refetches the fresh etag, replays the local edit once,
// and succeeds with the local summary intact.
func TestUpdate412RecoversWithFreshETag(t *testing.T) {
	const resPath = "/dav/cal/s4-1.ics"
	var puts int32
	var lastPutBody atomic.Value // string

	mux := http.NewServeMux()
	mux.HandleFunc(resPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			atomic.AddInt32(&puts, 1)
			body, _ := io.ReadAll(r.Body)
			if r.Header.Get("If-Match") != `"fresh"` {
				http.Error(w, "precondition failed", http.StatusPreconditionFailed)
				return
			}
			lastPutBody.Store(string(body))
			w.Header().Set("ETag", `"fresh2"`)
			w.WriteHeader(http.StatusNoContent)
		case "PROPFIND":
			writeMultistatus(w, etagPropfindXML, resPath, `"fresh"`)
		case http.MethodGet:
			// The server copy: identical content, only DTSTAMP rotated.
			w.Header().Set("ETag", `"fresh"`)
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			w.Write(rawVEVENT("s4-1@t", "Original", "20260210T120000Z"))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	accID, cal := seedAccountAndCalendar(t, st, srv.URL+"/dav/cal/")
	ctx := context.Background()

	ev := &model.Event{CalendarID: cal.ID, UID: "s4-1@t", Summary: "Edited locally",
		StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		DTStamp: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		RawICS:  rawVEVENT("s4-1@t", "Original", "20260201T090000Z"),
		ResourceURL: srv.URL + resPath, ETag: "stale",
		Status: model.StatusPendingUpdate}
	evID, err := st.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnqueuePending(ctx, &model.PendingOp{EventID: evID, Kind: model.OpUpdate, Status: model.OpPending}); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(st)
	res, err := p.Drain(ctx, accID, map[string]*model.Calendar{cal.ID: cal}, quirks.Default(), 50)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected 1 update, got %d", res.Updated)
	}
	if atomic.LoadInt32(&puts) != 2 {
		t.Errorf("expected 2 PUTs (stale then fresh), got %d", puts)
	}
	if body, _ := lastPutBody.Load().(string); !strings.Contains(body, "Edited locally") {
		t.Errorf("expected the replayed PUT to carry the local edit, body:\n%s", body)
	}

	got, err := st.GetEventByID(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "Edited locally" {
		t.Errorf("summary = %q, want the local-edit value", got.Summary)
	}
	if got.ETag != "fresh2" {
		t.Errorf("stored etag = %q, want fresh2, the post-PUT value", got.ETag)
	}
	if got.Status != model.StatusSynced {
		t.Errorf("status = %s, want SYNCED", got.Status)
	}
}
