// Package pull materializes a change-detector
// verdict into local-store writes. It fetches resource bodies through
// internal/codec+internal/transport, hands bytes to the ICS interface, and
// commits idempotent upserts/deletes one batch at a time.
package pull

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sonroyaalmerol/caldav-sync/internal/changedetector"
	"github.com/sonroyaalmerol/caldav-sync/internal/codec"
	"github.com/sonroyaalmerol/caldav-sync/internal/fingerprint"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/occurrence"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// Result summarizes what one Pull call applied, fed into the session
// summary the reconciler surfaces.
type Result struct {
	Added   int
	Updated int
	Deleted int
	Changes []model.ChangeDescriptor

	// ParseFailures maps hrefs whose calendar-data failed to parse to the
	// error kind observed; the session continues past these rather than
	// failing the whole pull.
	ParseFailures map[string]string
}

// Pipeline runs the pull algorithm against one transport.Client.
type Pipeline struct {
	tr       *transport.Client
	st       store.Store
	codec    ics.Codec
	occEng   occurrence.Engine
	log      zerolog.Logger
	batchSz  int
	fanout   int
}

func New(tr *transport.Client, st store.Store, codec ics.Codec, occEng occurrence.Engine, batchSize, fanoutConcurrency int, log zerolog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 50
	}
	if fanoutConcurrency <= 0 {
		fanoutConcurrency = 4
	}
	return &Pipeline{
		tr: tr, st: st, codec: codec, occEng: occEng,
		batchSz: batchSize, fanout: fanoutConcurrency,
		log: log.With().Str("component", "pull").Logger(),
	}
}

// Run applies verdict to cal, writing through st. pullWindowPast bounds
// (for EtagRange and FullResync verdicts) the still-present-on-server
// deletion check; forceFull extends it to the epoch origin. Occurrence
// regeneration always uses a fixed 365-day lookback.
func (p *Pipeline) Run(ctx context.Context, cal *model.Calendar, profile quirks.Profile, verdict *changedetector.Verdict, pullWindowPast time.Duration, forceFull bool) (*Result, error) {
	res := &Result{ParseFailures: map[string]string{}}

	base, err := url.Parse(cal.URL)
	if err != nil {
		return res, synerr.New(synerr.InternalInvariant, false, fmt.Errorf("pull: bad calendar URL %q: %w", cal.URL, err))
	}

	switch verdict.Kind {
	case changedetector.NoChange:
		return res, nil

	case changedetector.TokenDelta:
		if err := p.applyHrefs(ctx, base, cal, profile, verdict.ChangedHrefs, verdict.DeletedHrefs, res); err != nil {
			return res, err
		}
		return res, p.commitTokens(ctx, cal, verdict.ObservedCTag, verdict.NewSyncToken)

	case changedetector.EtagRange:
		changed, deleted, err := p.diffEtagRange(ctx, base, cal, verdict.EtagPairs, pullWindowPast, forceFull)
		if err != nil {
			return res, err
		}
		if err := p.applyHrefs(ctx, base, cal, profile, changed, deleted, res); err != nil {
			return res, err
		}
		syncToken := cal.SyncToken
		if verdict.DiscardToken {
			syncToken = "" // forces an etag-range pass next time
		}
		return res, p.commitTokens(ctx, cal, verdict.ObservedCTag, syncToken)

	case changedetector.FullResync:
		start := time.Now().Add(-pullWindowPast)
		if forceFull {
			start = time.Time{}
		}
		body, err := codec.BuildCalendarQueryETagOnly(start, codec.FarFutureSentinel)
		if err != nil {
			return res, synerr.New(synerr.InternalInvariant, false, err)
		}
		resp, err := p.tr.Do(ctx, transport.Request{
			Method:  "REPORT",
			URL:     cal.URL,
			Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"},
			Body:    body,
		})
		if err != nil {
			return res, err
		}
		ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
		if err != nil {
			return res, err
		}
		var pairs []changedetector.HrefETag
		for _, r := range ms.Responses {
			if r.Href != "" {
				pairs = append(pairs, changedetector.HrefETag{Href: r.Href, ETag: r.ETag})
			}
		}
		changed, deleted, err := p.diffEtagRange(ctx, base, cal, pairs, pullWindowPast, forceFull)
		if err != nil {
			return res, err
		}
		if err := p.applyHrefs(ctx, base, cal, profile, changed, deleted, res); err != nil {
			return res, err
		}
		return res, p.commitTokens(ctx, cal, "", "")
	}
	return res, nil
}

// diffEtagRange compares the server's (href, etag) listing against the
// locally stored events in the pulled window, producing hrefs to fetch and
// hrefs to treat as deleted (events out-of-window are
// neither fetched nor deleted). Server hrefs are resolved against base
// before comparison so a server-relative href matches the absolute
// ResourceURL the store carries.
func (p *Pipeline) diffEtagRange(ctx context.Context, base *url.URL, cal *model.Calendar, pairs []changedetector.HrefETag, pullWindowPast time.Duration, forceFull bool) (changed, deleted []string, err error) {
	start := time.Now().Add(-pullWindowPast)
	if forceFull {
		start = time.Time{}
	}
	local, err := p.st.ListEventsInRange(ctx, cal.ID, start, codec.FarFutureSentinel)
	if err != nil {
		return nil, nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	localByURL := make(map[string]*model.Event, len(local))
	for _, ev := range local {
		if ev.ResourceURL != "" {
			localByURL[ev.ResourceURL] = ev
		}
	}

	serverURLs := make(map[string]struct{}, len(pairs))
	for _, pr := range pairs {
		abs, rerr := codec.ResolveHref(base, pr.Href)
		if rerr != nil {
			continue
		}
		serverURLs[abs] = struct{}{}
		if ev, ok := localByURL[abs]; ok && codec.ETagsEqual(ev.ETag, pr.ETag) {
			continue // unchanged, skip (idempotence)
		}
		changed = append(changed, pr.Href)
	}
	for absURL, ev := range localByURL {
		if _, ok := serverURLs[absURL]; !ok {
			deleted = append(deleted, ev.ResourceURL)
		}
	}
	return changed, deleted, nil
}

// applyHrefs fetches changed in batches (multiget, with per-href fallback)
// and applies both changed and deleted hrefs inside one transaction per
// batch.
func (p *Pipeline) applyHrefs(ctx context.Context, base *url.URL, cal *model.Calendar, profile quirks.Profile, changed, deleted []string, res *Result) error {
	for _, href := range deleted {
		if err := p.deleteByURL(ctx, base, cal, href, res); err != nil {
			return err
		}
	}

	batchSize := profile.MaxHrefsPerMultiget
	if batchSize <= 0 || batchSize > p.batchSz {
		batchSize = p.batchSz
	}
	for i := 0; i < len(changed); i += batchSize {
		end := i + batchSize
		if end > len(changed) {
			end = len(changed)
		}
		batch := changed[i:end]
		fetched, err := p.fetchBatch(ctx, base, cal, profile, batch)
		if err != nil {
			return err
		}
		if err := p.applyBatch(ctx, cal, fetched, res); err != nil {
			return err
		}
	}
	return nil
}

type fetchedResource struct {
	Href string
	ETag string
	Body []byte
}

// fetchBatch issues one calendar-multiget for hrefs, falling back to
// per-href single multigets (concurrency-bounded) on the empty-multistatus
// quirk, and to a plain GET per href on a 501.
func (p *Pipeline) fetchBatch(ctx context.Context, base *url.URL, cal *model.Calendar, profile quirks.Profile, hrefs []string) ([]fetchedResource, error) {
	if !profile.SupportsMultiHrefMultiget && len(hrefs) > 1 {
		return p.fetchEachHref(ctx, base, cal, hrefs)
	}

	body, err := codec.BuildCalendarMultiget(hrefs)
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	resp, err := p.tr.Do(ctx, transport.Request{
		Method:  "REPORT",
		URL:     cal.URL,
		Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"},
		Body:    body,
	})
	if err != nil {
		if synerr.IsRetryable(err) {
			return nil, err // whole pull fails fast
		}
		if k, ok := synerr.KindOf(err); ok && k == synerr.ServerMethodNotAllowed {
			return p.fetchEachViaGet(ctx, base, hrefs)
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusNotImplemented {
		return p.fetchEachViaGet(ctx, base, hrefs)
	}
	if !resp.OK() && resp.StatusCode != http.StatusMultiStatus {
		return nil, synerr.Newf(synerr.ServerUnexpectedStatus, false, "pull: multiget returned %d", resp.StatusCode)
	}

	ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 && (profile.EmptyBodyOnMultigetSignalsSingleHref || len(hrefs) > 1) {
		return p.fetchEachHref(ctx, base, cal, hrefs)
	}

	out := make([]fetchedResource, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if r.Href == "" || len(r.CalendarData) == 0 {
			continue
		}
		abs, err := codec.ResolveHref(base, r.Href)
		if err != nil {
			continue
		}
		out = append(out, fetchedResource{Href: abs, ETag: r.ETag, Body: r.CalendarData})
	}
	return out, nil
}

// fetchEachHref issues one single-href calendar-multiget per href,
// bounded by the fan-out semaphore.
func (p *Pipeline) fetchEachHref(ctx context.Context, base *url.URL, cal *model.Calendar, hrefs []string) ([]fetchedResource, error) {
	sem := semaphore.NewWeighted(int64(p.fanout))
	results := make([]fetchedResource, len(hrefs))
	errs := make([]error, len(hrefs))

	done := make(chan struct{}, len(hrefs))
	for i, href := range hrefs {
		i, href := i, href
		go func() {
			defer func() { done <- struct{}{} }()
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return
			}
			defer sem.Release(1)

			body, err := codec.BuildCalendarMultiget([]string{href})
			if err != nil {
				errs[i] = synerr.New(synerr.InternalInvariant, false, err)
				return
			}
			resp, err := p.tr.Do(ctx, transport.Request{
				Method:  "REPORT",
				URL:     cal.URL,
				Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"},
				Body:    body,
			})
			if err != nil {
				errs[i] = err
				return
			}
			ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
			if err != nil {
				errs[i] = err
				return
			}
			for _, r := range ms.Responses {
				if r.Href != "" && len(r.CalendarData) > 0 {
					abs, rerr := codec.ResolveHref(base, r.Href)
					if rerr != nil {
						continue
					}
					results[i] = fetchedResource{Href: abs, ETag: r.ETag, Body: r.CalendarData}
					return
				}
			}
		}()
	}
	for range hrefs {
		<-done
	}
	for _, err := range errs {
		if err != nil && synerr.IsRetryable(err) {
			return nil, err
		}
	}

	out := make([]fetchedResource, 0, len(hrefs))
	for _, r := range results {
		if r.Href != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// fetchEachViaGet falls back to a plain GET per href when the server
// refuses REPORT calendar-multiget with 501.
func (p *Pipeline) fetchEachViaGet(ctx context.Context, base *url.URL, hrefs []string) ([]fetchedResource, error) {
	out := make([]fetchedResource, 0, len(hrefs))
	for _, href := range hrefs {
		abs, err := codec.ResolveHref(base, href)
		if err != nil {
			continue
		}
		resp, err := p.tr.Do(ctx, transport.Request{Method: http.MethodGet, URL: abs})
		if err != nil {
			if synerr.IsRetryable(err) {
				return nil, err
			}
			continue
		}
		if !resp.OK() {
			continue
		}
		out = append(out, fetchedResource{Href: abs, ETag: codec.NormalizeETag(resp.Header.Get("ETag")), Body: resp.Body})
	}
	return out, nil
}

// applyBatch parses each fetched resource, checks fingerprint idempotence,
// upserts, regenerates occurrences, and commits the whole batch in one
// local-store transaction.
func (p *Pipeline) applyBatch(ctx context.Context, cal *model.Calendar, fetched []fetchedResource, res *Result) error {
	if len(fetched) == 0 {
		return nil
	}
	return p.st.Transaction(ctx, func(ctx context.Context) error {
		var touchedMasters []*model.Event
		for _, f := range fetched {
			parsed, err := p.codec.Parse(cal.ID, f.Body)
			if err != nil {
				k := string(synerr.DataParseFailure)
				if kind, ok := synerr.KindOf(err); ok {
					k = string(kind)
				}
				res.ParseFailures[f.Href] = k
				p.log.Warn().Str("href", f.Href).Err(err).Msg("pull: skipping unparseable resource")
				continue
			}
			for _, ev := range parsed {
				ev.ResourceURL = f.Href
				ev.ETag = f.ETag
				ev.Status = model.StatusSynced

				existing, err := p.st.GetEventByUID(ctx, cal.ID, ev.UID, ev.RecurrenceID)
				if err != nil && err != store.ErrNotFound {
					return fmt.Errorf("pull: lookup %s: %w", ev.UID, err)
				}
				if existing != nil && fingerprint.Of(existing) == fingerprint.Of(ev) {
					continue // unchanged content, idempotent no-op
				}

				kind := model.ChangeAdded
				if existing != nil {
					kind = model.ChangeUpdated
				}
				id, err := p.st.UpsertEvent(ctx, ev)
				if err != nil {
					return fmt.Errorf("pull: upsert %s: %w", ev.UID, err)
				}
				ev.ID = id
				if ev.RecurrenceID == nil {
					touchedMasters = append(touchedMasters, ev)
				}
				if kind == model.ChangeAdded {
					res.Added++
				} else {
					res.Updated++
				}
				res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: kind, EventID: id, UID: ev.UID, Summary: ev.Summary})
			}
		}

		if p.occEng != nil && len(touchedMasters) > 0 {
			if _, err := p.occEng.Expand(touchedMasters, time.Now().Add(-365*24*time.Hour), codec.FarFutureSentinel); err != nil {
				p.log.Warn().Err(err).Msg("pull: occurrence regeneration failed for touched masters")
			}
		}
		return nil
	})
}

// deleteByURL removes the local event at href, if any.
func (p *Pipeline) deleteByURL(ctx context.Context, base *url.URL, cal *model.Calendar, href string, res *Result) error {
	abs, err := codec.ResolveHref(base, href)
	if err != nil {
		return nil
	}
	return p.st.Transaction(ctx, func(ctx context.Context) error {
		ev, err := p.st.GetEventByURL(ctx, cal.ID, abs)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		if ev == nil {
			return nil
		}
		if err := p.st.DeleteEvent(ctx, ev.ID); err != nil {
			return err
		}
		res.Deleted++
		res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: model.ChangeDeleted, EventID: ev.ID, UID: ev.UID, Summary: ev.Summary})
		return nil
	})
}

// commitTokens updates calendar.ctag/sync-token atomically with the batch
// commit: only a token actually returned by the server during this sync
// is stored, never guessed.
func (p *Pipeline) commitTokens(ctx context.Context, cal *model.Calendar, ctag, syncToken string) error {
	return p.st.SaveCalendarTokens(ctx, cal.ID, ctag, syncToken, time.Now())
}
