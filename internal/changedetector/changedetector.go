// Package changedetector decides, given a calendar's stored
// ctag/sync-token, whether anything changed and, if so, how cheaply
// the delta can be fetched. It never writes to the store — only reads the
// calendar's cached tokens passed in by the caller.
package changedetector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sonroyaalmerol/caldav-sync/internal/codec"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

type VerdictKind string

const (
	NoChange   VerdictKind = "no_change"
	TokenDelta VerdictKind = "token_delta"
	EtagRange  VerdictKind = "etag_range"
	FullResync VerdictKind = "full_resync"
)

// HrefETag is one (href, etag) pair as returned by the etag-only
// calendar-query (EtagRange verdict).
type HrefETag struct {
	Href string
	ETag string
}

// Verdict is the detector's decision for one calendar.
type Verdict struct {
	Kind VerdictKind

	// TokenDelta fields.
	ChangedHrefs []string
	DeletedHrefs []string
	NewSyncToken string

	// EtagRange fields: the full (href, etag) listing within the pull
	// window; the pull pipeline diffs this against its local resource set.
	EtagPairs []HrefETag

	// DiscardToken is set when a previously stored sync-token was rejected
	// as expired/invalid, telling the caller to clear it before retrying.
	DiscardToken bool

	// ObservedCTag is the ctag the server reported during this detection
	// pass, if the probe ran; the pull pipeline persists it with the batch
	// commit so only a server-returned value is ever stored.
	ObservedCTag string
}

// Detector runs the change-detection algorithm against one transport.Client.
type Detector struct {
	tr  *transport.Client
	sf  singleflight.Group
	log zerolog.Logger
}

func New(tr *transport.Client, log zerolog.Logger) *Detector {
	return &Detector{tr: tr, log: log.With().Str("component", "changedetector").Logger()}
}

// Detect decides a verdict for cal. pullWindowPast is the lookback duration
// for the EtagRange fallback; far-future end is
// codec.FarFutureSentinel.
func (d *Detector) Detect(ctx context.Context, cal *model.Calendar, profile quirks.Profile, pullWindowPast time.Duration) (*Verdict, error) {
	var observedCTag string
	if profile.CTagSupport != quirks.CTagNo && cal.CTag != "" {
		ctag, err := d.checkCTag(ctx, cal)
		if err != nil {
			if synerr.IsRetryable(err) {
				return &Verdict{Kind: FullResync}, nil
			}
			return nil, err
		}
		if ctag != "" && ctag == cal.CTag {
			return &Verdict{Kind: NoChange, ObservedCTag: ctag}, nil
		}
		observedCTag = ctag
	}

	if cal.SyncToken != "" && profile.SupportsSyncCollection {
		v, ok, err := d.tryTokenDelta(ctx, cal)
		if err != nil {
			if synerr.IsRetryable(err) {
				return &Verdict{Kind: FullResync}, nil
			}
			return nil, err
		}
		if ok {
			v.ObservedCTag = observedCTag
			return v, nil
		}
		// Token expired/invalid: fall through to EtagRange, discarding it.
	}

	v, err := d.etagRange(ctx, cal, pullWindowPast)
	if err != nil {
		if synerr.IsRetryable(err) {
			return &Verdict{Kind: FullResync}, nil
		}
		return nil, err
	}
	v.ObservedCTag = observedCTag
	return v, nil
}

// checkCTag issues (or joins an in-flight) PROPFIND getctag on cal.URL and
// returns the ctag the server reported, or "" when the probe is unsupported
// by this server (quirk fall-through).
func (d *Detector) checkCTag(ctx context.Context, cal *model.Calendar) (string, error) {
	v, err, _ := d.sf.Do("ctag:"+cal.ID, func() (any, error) {
		body, err := codec.BuildGetCTagPropfind()
		if err != nil {
			return nil, synerr.New(synerr.InternalInvariant, false, err)
		}
		resp, err := d.tr.Do(ctx, transport.Request{
			Method:  "PROPFIND",
			URL:     cal.URL,
			Headers: map[string]string{"Depth": "0", "Content-Type": "application/xml; charset=utf-8"},
			Body:    body,
		})
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return nil, synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("changedetector: ctag probe got %d", resp.StatusCode))
		case http.StatusNotFound:
			return "", nil // quirk: unsupported, fall through
		}
		if resp.StatusCode >= 500 {
			return "", nil // quirk: unsupported, fall through
		}
		ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
		if len(ms.Responses) == 0 {
			return "", nil
		}
		return ms.Responses[0].CTag, nil
	})
	if err != nil {
		return "", err
	}
	ctag, _ := v.(string)
	return ctag, nil
}

func (d *Detector) tryTokenDelta(ctx context.Context, cal *model.Calendar) (*Verdict, bool, error) {
	body, err := codec.BuildSyncCollection(cal.SyncToken)
	if err != nil {
		return nil, false, synerr.New(synerr.InternalInvariant, false, err)
	}
	resp, err := d.tr.Do(ctx, transport.Request{
		Method:  "REPORT",
		URL:     cal.URL,
		Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"},
		Body:    body,
	})
	if err != nil {
		return nil, false, err
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusGone:
		return nil, false, nil // expired token, fall through
	case http.StatusBadRequest:
		return nil, false, nil // invalid token per server, fall through
	}
	if !resp.OK() && resp.StatusCode != http.StatusMultiStatus {
		return nil, false, synerr.Newf(synerr.ServerUnexpectedStatus, false, "changedetector: sync-collection returned %d", resp.StatusCode)
	}

	ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, false, err
	}

	v := &Verdict{Kind: TokenDelta, NewSyncToken: ms.SyncToken}
	for _, r := range ms.Responses {
		if r.Href == "" {
			continue
		}
		if r.Status == http.StatusNotFound {
			v.DeletedHrefs = append(v.DeletedHrefs, r.Href)
		} else {
			v.ChangedHrefs = append(v.ChangedHrefs, r.Href)
		}
	}
	return v, true, nil
}

func (d *Detector) etagRange(ctx context.Context, cal *model.Calendar, pullWindowPast time.Duration) (*Verdict, error) {
	start := time.Now().Add(-pullWindowPast)
	body, err := codec.BuildCalendarQueryETagOnly(start, codec.FarFutureSentinel)
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	resp, err := d.tr.Do(ctx, transport.Request{
		Method:  "REPORT",
		URL:     cal.URL,
		Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() && resp.StatusCode != http.StatusMultiStatus {
		return nil, synerr.Newf(synerr.ServerUnexpectedStatus, false, "changedetector: calendar-query returned %d", resp.StatusCode)
	}
	ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	v := &Verdict{Kind: EtagRange, DiscardToken: cal.SyncToken != ""}
	for _, r := range ms.Responses {
		if r.Href == "" {
			continue
		}
		v.EtagPairs = append(v.EtagPairs, HrefETag{Href: r.Href, ETag: r.ETag})
	}
	return v, nil
}
