// Package discovery bootstraps an account: from a bare base URL and
// credentials, produce (server base URL, principal URL, calendar-home URL,
// list of discovered calendars), or a typed discovery error.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/caldav-sync/internal/codec"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// Calendar is one discovered collection, not yet persisted as model.Calendar
// (no ID/AccountID assigned — the orchestrator decides what becomes an
// Account).
type Calendar struct {
	URL         string
	DisplayName string
	Color       string
	ReadOnly    bool
	CTag        string
	SyncToken   string
}

// Result is the full discovery outcome.
type Result struct {
	BaseURL         string
	PrincipalURL    string
	CalendarHomeURL string
	Family          model.ProviderFamily
	Calendars       []Calendar
}

// Discoverer runs the discovery algorithm against one transport.Client.
type Discoverer struct {
	tr  *transport.Client
	log zerolog.Logger
}

func New(tr *transport.Client, log zerolog.Logger) *Discoverer {
	return &Discoverer{tr: tr, log: log.With().Str("component", "discovery").Logger()}
}

// Discover runs the full walk: well-known probe, principal discovery,
// path probing, calendar-home lookup, collection listing.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*Result, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, synerr.New(synerr.ServerNotACalDAV, false, fmt.Errorf("discovery: invalid base url: %w", err))
	}
	if base.Scheme == "" {
		base.Scheme = "https"
	}

	family := quirks.Detect(base.Host, nil)
	profile := quirks.ForFamily(family)

	principalURL, root, err := d.findPrincipalURL(ctx, base, profile)
	if err != nil {
		return nil, err
	}

	calHomeURL, err := d.findCalendarHome(ctx, principalURL)
	if err != nil {
		return nil, err
	}
	if calHomeURL == "" {
		// Edge case (b): principal URL equals calendar-home URL (Open-Xchange).
		calHomeURL = principalURL
	}

	calendars, err := d.listCalendars(ctx, calHomeURL, profile)
	if err != nil {
		return nil, err
	}
	if len(calendars) == 0 {
		return nil, synerr.New(synerr.ServerNoCalendars, false, fmt.Errorf("discovery: no calendars found under %s", calHomeURL))
	}

	return &Result{
		BaseURL:         root.String(),
		PrincipalURL:    principalURL,
		CalendarHomeURL: calHomeURL,
		Family:          family,
		Calendars:       calendars,
	}, nil
}

// findPrincipalURL runs the well-known probe (step 1) then principal
// discovery (step 2), falling back to path probing (step 3).
func (d *Discoverer) findPrincipalURL(ctx context.Context, base *url.URL, profile quirks.Profile) (string, *url.URL, error) {
	root := *base

	if profile.HonorsWellKnown {
		wellKnown := *base
		wellKnown.Path = "/.well-known/caldav"
		resp, err := d.propfindNoRedirect(ctx, wellKnown.String(), codecCurrentUserPrincipal())
		if err == nil {
			switch {
			case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound ||
				resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect:
				if loc := resp.Header.Get("Location"); loc != "" {
					if resolved, err := url.Parse(loc); err == nil {
						root = *base.ResolveReference(resolved)
					}
				}
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed ||
				resp.StatusCode == http.StatusNotImplemented:
				// not supported, fall through with original root
			case resp.OK():
				if href := firstPrincipalHref(resp.Body, &root); href != "" {
					return href, &root, nil
				}
			}
		}
	}

	// Step 2: principal discovery on the (possibly well-known-redirected) root.
	resp, err := d.propfind(ctx, root.String(), codecCurrentUserPrincipal(), 0)
	if err == nil && resp.OK() {
		if href := firstPrincipalHref(resp.Body, &root); href != "" {
			return href, &root, nil
		}
	}
	if kind, ok := synerr.KindOf(err); ok && isAuthKind(kind) {
		return "", nil, err
	}
	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		return "", nil, synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("discovery: 401 on principal discovery"))
	}

	// Step 3: path probing.
	for _, p := range profile.DiscoveryProbePaths {
		candidate := root
		candidate.Path = p
		resp, err := d.propfind(ctx, candidate.String(), codecCurrentUserPrincipal(), 0)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return "", nil, synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("discovery: 401 probing %s", p))
		}
		if resp.OK() {
			if href := firstPrincipalHref(resp.Body, &candidate); href != "" {
				return href, &candidate, nil
			}
			// A 2xx with no parseable principal still counts as "found the
			// root": treat the probed path itself as calendar-home capable.
			return candidate.String(), &candidate, nil
		}
	}

	return "", nil, synerr.New(synerr.ServerNotACalDAV, false,
		fmt.Errorf("discovery: no principal URL found after well-known probe and %d candidate paths", len(profile.DiscoveryProbePaths)))
}

func (d *Discoverer) findCalendarHome(ctx context.Context, principalURL string) (string, error) {
	resp, err := d.propfind(ctx, principalURL, codecCalendarHomeSet(), 0)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("discovery: 401 on calendar-home-set"))
	}
	if !resp.OK() {
		return "", nil // caller falls back to principalURL == calendar-home
	}
	base, _ := url.Parse(principalURL)
	ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		if r.CalendarHomeSet != "" {
			resolved, err := codec.ResolveHref(base, r.CalendarHomeSet)
			if err != nil {
				continue
			}
			return codec.NormalizeCollectionURL(resolved), nil
		}
	}
	return "", nil
}

func (d *Discoverer) listCalendars(ctx context.Context, calHomeURL string, profile quirks.Profile) ([]Calendar, error) {
	body, err := codec.BuildCollectionListingPropfind()
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	resp, err := d.tr.Do(ctx, transport.Request{
		Method:  "PROPFIND",
		URL:     calHomeURL,
		Headers: map[string]string{"Depth": "1", "Content-Type": "application/xml; charset=utf-8"},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("discovery: 401 listing calendars"))
	}
	if !resp.OK() && resp.StatusCode != http.StatusMultiStatus {
		return nil, synerr.Newf(synerr.ServerUnexpectedStatus, false, "discovery: collection listing returned %d", resp.StatusCode)
	}

	base, _ := url.Parse(calHomeURL)
	ms, err := codec.ParseMultistatus(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}

	var out []Calendar
	for _, r := range ms.Responses {
		if !r.ResourceType.Calendar {
			continue
		}
		if r.Href == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(r.Href), "webcal://") {
			continue // subscription URL, not a CalDAV collection
		}
		resolved, err := codec.ResolveHref(base, r.Href)
		if err != nil {
			continue
		}
		resolved = codec.NormalizeCollectionURL(resolved)
		if profile.IsInboxOutbox(resolved) {
			continue
		}
		out = append(out, Calendar{
			URL:         resolved,
			DisplayName: r.DisplayName,
			Color:       r.Color,
			ReadOnly:    len(r.Privileges) > 0 && !codec.HasWritePrivilege(r.Privileges),
			CTag:        r.CTag,
			SyncToken:   r.SyncToken,
		})
	}
	return out, nil
}

func (d *Discoverer) propfind(ctx context.Context, targetURL string, body []byte, depth int) (*transport.Response, error) {
	return d.tr.Do(ctx, transport.Request{
		Method: "PROPFIND",
		URL:    targetURL,
		Headers: map[string]string{
			"Depth":        fmt.Sprint(depth),
			"Content-Type": "application/xml; charset=utf-8",
		},
		Body: body,
	})
}

func (d *Discoverer) propfindNoRedirect(ctx context.Context, targetURL string, body []byte) (*transport.Response, error) {
	return d.tr.Do(ctx, transport.Request{
		Method: "PROPFIND",
		URL:    targetURL,
		Headers: map[string]string{
			"Depth":        "0",
			"Content-Type": "application/xml; charset=utf-8",
		},
		Body:       body,
		NoRedirect: true,
	})
}

func codecCurrentUserPrincipal() []byte {
	b, _ := codec.BuildCurrentUserPrincipalPropfind()
	return b
}

func codecCalendarHomeSet() []byte {
	b, _ := codec.BuildCalendarHomeSetPropfind()
	return b
}

func firstPrincipalHref(body []byte, base *url.URL) string {
	ms, err := codec.ParseMultistatus(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, r := range ms.Responses {
		if r.CurrentUserPrincipal != "" {
			resolved, err := codec.ResolveHref(base, r.CurrentUserPrincipal)
			if err != nil {
				continue
			}
			return resolved
		}
	}
	return ""
}

func isAuthKind(k synerr.Kind) bool {
	switch k {
	case synerr.AuthInvalidCredentials, synerr.AuthAppPasswordReq, synerr.AuthSessionExpired, synerr.AuthAccountLocked:
		return true
	default:
		return false
	}
}
