package changedetector

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
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

const window = 365 * 24 * time.Hour

func newTestDetector() *Detector {
	trCfg := config.TransportConfig{
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		MaxRedirects:   5,
		RetryBaseDelay: time.Millisecond,
		RetryFactor:    2,
		RetryCap:       10 * time.Millisecond,
		MaxRetries:     1,
	}
	return New(transport.New(trCfg, transport.Credentials{}, zerolog.Nop()), zerolog.Nop())
}

const ctagResponseXML = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/cal/1/</D:href>
    <D:propstat>
      <D:prop><CS:getctag>%CTAG%</CS:getctag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const syncCollectionResponseXML = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/1/changed.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"e-changed"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/1/deleted.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
  <D:sync-token>tok-new</D:sync-token>
</D:multistatus>`

const etagRangeResponseXML = `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/1/a.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"e-a"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

// fakeDetectorServer serves the three request shapes the detector issues:
// PROPFIND getctag, REPORT sync-collection, REPORT calendar-query. The
// ctag it reports and whether the stored sync-token is still valid are
// adjustable per test phase.
type fakeDetectorServer struct {
	srv          *httptest.Server
	ctag         atomic.Value // string
	tokenExpired atomic.Bool
}

func startFakeDetectorServer(t *testing.T) *fakeDetectorServer {
	t.Helper()
	f := &fakeDetectorServer{}
	f.ctag.Store("ctag-1")
	mux := http.NewServeMux()
	mux.HandleFunc("/cal/1/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == "PROPFIND":
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, strings.ReplaceAll(ctagResponseXML, "%CTAG%", f.ctag.Load().(string)))
		case r.Method == "REPORT" && strings.Contains(string(body), "sync-collection"):
			if f.tokenExpired.Load() {
				http.Error(w, "sync token expired", http.StatusGone)
				return
			}
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, syncCollectionResponseXML)
		case r.Method == "REPORT":
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, etagRangeResponseXML)
		default:
			http.NotFound(w, r)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDetectorServer) calendar(id, ctag, token string) *model.Calendar {
	return &model.Calendar{ID: id, URL: f.srv.URL + "/cal/1/", CTag: ctag, SyncToken: token}
}

func TestDetectNoChangeOnEqualCTag(t *testing.T) {
	f := startFakeDetectorServer(t)
	d := newTestDetector()

	v, err := d.Detect(context.Background(), f.calendar("cal-nc", "ctag-1", "tok-old"), quirks.Default(), window)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Kind != NoChange {
		t.Fatalf("expected NoChange for an unchanged ctag, got %s", v.Kind)
	}
	if v.ObservedCTag != "ctag-1" {
		t.Errorf("expected the probed ctag to be carried, got %q", v.ObservedCTag)
	}
}

func TestDetectTokenDeltaOnChangedCTag(t *testing.T) {
	f := startFakeDetectorServer(t)
	f.ctag.Store("ctag-2")
	d := newTestDetector()

	v, err := d.Detect(context.Background(), f.calendar("cal-td", "ctag-1", "tok-old"), quirks.Default(), window)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Kind != TokenDelta {
		t.Fatalf("expected TokenDelta, got %s", v.Kind)
	}
	if v.NewSyncToken != "tok-new" {
		t.Errorf("expected the response sync-token, got %q", v.NewSyncToken)
	}
	if len(v.ChangedHrefs) != 1 || v.ChangedHrefs[0] != "/cal/1/changed.ics" {
		t.Errorf("changed hrefs = %v", v.ChangedHrefs)
	}
	if len(v.DeletedHrefs) != 1 || v.DeletedHrefs[0] != "/cal/1/deleted.ics" {
		t.Errorf("deleted hrefs = %v", v.DeletedHrefs)
	}
	if v.ObservedCTag != "ctag-2" {
		t.Errorf("expected the freshly probed ctag, got %q", v.ObservedCTag)
	}
}

// TestSyncTokenExpiryFallsBackToEtagRange: a 410 on the
// sync-collection report discards the stored token and re-baselines via the
// etag-range query; once a fresh token is held, the next detection runs as
// a TokenDelta again.
func TestSyncTokenExpiryFallsBackToEtagRange(t *testing.T) {
	f := startFakeDetectorServer(t)
	f.ctag.Store("ctag-2")
	f.tokenExpired.Store(true)
	d := newTestDetector()

	v, err := d.Detect(context.Background(), f.calendar("cal-s5", "ctag-1", "tok-stale"), quirks.Default(), window)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Kind != EtagRange {
		t.Fatalf("expected EtagRange after token expiry, got %s", v.Kind)
	}
	if !v.DiscardToken {
		t.Error("expected DiscardToken to be set after a 410")
	}
	if len(v.EtagPairs) != 1 || v.EtagPairs[0].Href != "/cal/1/a.ics" || v.EtagPairs[0].ETag != "e-a" {
		t.Errorf("etag pairs = %v", v.EtagPairs)
	}

	// Re-baselined with a fresh token, the next delta succeeds as TokenDelta.
	f.tokenExpired.Store(false)
	v2, err := d.Detect(context.Background(), f.calendar("cal-s5b", "", "tok-new"), quirks.Default(), window)
	if err != nil {
		t.Fatalf("second Detect: %v", err)
	}
	if v2.Kind != TokenDelta {
		t.Fatalf("expected TokenDelta with the fresh token, got %s", v2.Kind)
	}
	if v2.NewSyncToken != "tok-new" {
		t.Errorf("sync token = %q", v2.NewSyncToken)
	}
}

// TestDetectCTag401IsFatal: a 401 on the ctag probe is a systemic auth
// failure, never a "quirk: unsupported" fall-through.
func TestDetectCTag401IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()
	d := newTestDetector()

	cal := &model.Calendar{ID: "cal-401", URL: srv.URL + "/cal/1/", CTag: "ctag-1"}
	_, err := d.Detect(context.Background(), cal, quirks.Default(), window)
	if err == nil {
		t.Fatal("expected an error for a 401 ctag probe")
	}
	if !synerr.IsAuth(err) {
		t.Fatalf("expected an auth-kind error, got %v", err)
	}
}

// TestDetectCTag500FallsThroughToEtagRange: a 5xx for the ctag property is
// "quirk: unsupported" and the detector keeps going.
func TestDetectCTag500FallsThroughToEtagRange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cal/1/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PROPFIND" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, etagRangeResponseXML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	d := newTestDetector()

	cal := &model.Calendar{ID: "cal-500", URL: srv.URL + "/cal/1/", CTag: "ctag-1"}
	v, err := d.Detect(context.Background(), cal, quirks.Default(), window)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Kind != EtagRange {
		t.Fatalf("expected EtagRange when the ctag probe is unsupported, got %s", v.Kind)
	}
}
