package codec

import (
	"net/url"
	"strings"

	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
)

// ResolveHref resolves a (possibly relative, possibly already-absolute) href
// returned by the server against base, per RFC 3986, preserving percent
// encoding rather than round-tripping through an escaped/unescaped form that
// could silently change which resource a byte-identical href refers to.
func ResolveHref(base *url.URL, href string) (string, error) {
	if href == "" {
		return "", synerr.New(synerr.DataParseFailure, false, errEmptyHref)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", synerr.New(synerr.DataParseFailure, false, err)
	}
	return base.ResolveReference(ref).String(), nil
}

var errEmptyHref = emptyHrefError{}

type emptyHrefError struct{}

func (emptyHrefError) Error() string { return "codec: empty href" }

// NormalizeCollectionURL ensures a calendar/collection URL carries a
// trailing slash, matching the convention the rest of the engine (and most
// CalDAV servers) assumes for collection identity comparisons.
func NormalizeCollectionURL(raw string) string {
	if raw == "" || strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}
