// Package quirks is the per-server-family policy object consulted by the
// codec and every pipeline step. It is a plain value, never a subclass
// hierarchy: the core algorithms take a Profile parameter and branch on its
// fields, keeping one request-handling code path with small policy knobs
// rather than a fork per server family.
package quirks

import (
	"net/http"
	"strings"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

// CTagSupport is the three-valued policy for the ctag dimension: Zoho only
// "conditionally" supports it (some deployments do, some don't), so a plain
// bool isn't enough to model the observed behavior.
type CTagSupport string

const (
	CTagYes         CTagSupport = "yes"
	CTagNo          CTagSupport = "no"
	CTagConditional CTagSupport = "conditional"
)

// PrincipalURLShape documents how a family's principal URL is constructed,
// informational only (no algorithm branches on it directly today, but it's
// recorded for the discovery log and future quirk additions).
type PrincipalURLShape string

const (
	PrincipalUserPrefixed PrincipalURLShape = "user_prefixed"
	PrincipalOpaqueHash   PrincipalURLShape = "opaque_hash"
	PrincipalHostnameOnly PrincipalURLShape = "hostname_only"
)

// Profile is the full set of quirk dimensions for one provider family.
type Profile struct {
	Family model.ProviderFamily

	// Body-in-calendar-query: whether calendar-query responses may request
	// calendar-data directly rather than only getetag (Zoho omits this).
	SupportsBodyInCalendarQuery bool

	// Multi-href multiget: whether a single REPORT calendar-multiget may
	// list more than one href (Zoho falls back to single-href requests).
	SupportsMultiHrefMultiget bool

	// MaxHrefsPerMultiget bounds how many hrefs one multiget batch carries.
	MaxHrefsPerMultiget int

	CTagSupport          CTagSupport
	SupportsSyncCollection bool

	// DiscoveryProbePaths is the ordered list of candidate calendar-home
	// paths probed when principal discovery doesn't succeed outright.
	DiscoveryProbePaths []string

	HonorsWellKnown bool

	// ETagInPutResponse: whether a successful PUT/UPDATE response is
	// expected to carry an ETag header (Nextcloud often omits it).
	ETagInPutResponse bool

	// Allows201AsUpdateResponse: Zoho sometimes answers an UPDATE PUT with
	// 201 Created instead of 2xx "no content changed" semantics.
	Allows201AsUpdateResponse bool

	TolerateWeakETag bool

	PrincipalURLShape PrincipalURLShape

	// EmptyBodyOnMultigetSignalsSingleHref: a 200/207 multiget response with
	// an empty multi-status body means "retry each href individually"
	// (Zoho's empty-multiget quirk).
	EmptyBodyOnMultigetSignalsSingleHref bool

	// InboxOutboxSentinels are calendar-home child URLs that must be
	// excluded from the collection listing even though they carry
	// resourcetype calendar (scheduling inbox/outbox collections).
	InboxOutboxSentinels []string

	// ServerHeaderTokens and DAVHeaderTokens are substrings matched
	// case-insensitively against the Server / DAV response headers to
	// auto-detect this family during discovery.
	ServerHeaderTokens []string
	DAVHeaderTokens    []string

	// HostSuffixes additionally sniffs the base URL host itself (e.g.
	// "icloud.com"), since header sniffing alone is unreliable behind
	// reverse proxies.
	HostSuffixes []string
}

// Default is the safe, maximally-compatible profile used for the "generic"
// family and as the base every named profile is derived from.
func Default() Profile {
	return Profile{
		Family:                      model.ProviderGeneric,
		SupportsBodyInCalendarQuery: true,
		SupportsMultiHrefMultiget:   true,
		MaxHrefsPerMultiget:         50,
		CTagSupport:                 CTagYes,
		SupportsSyncCollection:      true,
		DiscoveryProbePaths: []string{
			"/dav/", "/remote.php/dav/", "/dav.php/", "/caldav", "/caldav/",
			"/dav/cal/", "/SOGo/dav/",
		},
		HonorsWellKnown:           true,
		ETagInPutResponse:         true,
		Allows201AsUpdateResponse: false,
		TolerateWeakETag:          true,
		PrincipalURLShape:         PrincipalUserPrefixed,
		InboxOutboxSentinels:      []string{"inbox", "outbox"},
	}
}

// registry is populated by init() below; keyed by ProviderFamily.
var registry = map[model.ProviderFamily]Profile{}

func register(p Profile) { registry[p.Family] = p }

func init() {
	register(Default())

	iCloud := Default()
	iCloud.Family = model.ProviderICloud
	iCloud.DiscoveryProbePaths = []string{"/"}
	iCloud.PrincipalURLShape = PrincipalUserPrefixed
	iCloud.TolerateWeakETag = true
	iCloud.ServerHeaderTokens = []string{"calendarserver", "icloud"}
	iCloud.HostSuffixes = []string{"icloud.com"}
	register(iCloud)

	nextcloud := Default()
	nextcloud.Family = model.ProviderNextcloud
	nextcloud.DiscoveryProbePaths = []string{"/remote.php/dav/"}
	nextcloud.ETagInPutResponse = false // Nextcloud often answers PUT with no ETag header
	nextcloud.PrincipalURLShape = PrincipalUserPrefixed
	nextcloud.ServerHeaderTokens = []string{"nextcloud"}
	nextcloud.DAVHeaderTokens = []string{"calendar-access"}
	register(nextcloud)

	baikal := Default()
	baikal.Family = model.ProviderBaikal
	baikal.DiscoveryProbePaths = []string{"/dav.php/", "/dav.php/principals/"}
	baikal.ServerHeaderTokens = []string{"baikal", "sabre"}
	register(baikal)

	sogo := Default()
	sogo.Family = model.ProviderSOGo
	sogo.DiscoveryProbePaths = []string{"/SOGo/dav/"}
	sogo.ServerHeaderTokens = []string{"sogo"}
	register(sogo)

	radicale := Default()
	radicale.Family = model.ProviderRadicale
	radicale.DiscoveryProbePaths = []string{"/"}
	radicale.ServerHeaderTokens = []string{"radicale"}
	register(radicale)

	zoho := Default()
	zoho.Family = model.ProviderZoho
	zoho.SupportsBodyInCalendarQuery = false
	zoho.SupportsMultiHrefMultiget = false
	zoho.MaxHrefsPerMultiget = 1
	zoho.CTagSupport = CTagConditional
	zoho.Allows201AsUpdateResponse = true
	zoho.EmptyBodyOnMultigetSignalsSingleHref = true
	zoho.DiscoveryProbePaths = []string{"/caldav"}
	zoho.ServerHeaderTokens = []string{"zoho"}
	zoho.HostSuffixes = []string{"zoho.com"}
	register(zoho)

	ox := Default()
	ox.Family = model.ProviderOpenXchange
	ox.PrincipalURLShape = PrincipalHostnameOnly // principal == calendar-home on OX
	ox.DiscoveryProbePaths = []string{"/servlet/webdav.caldav"}
	ox.ServerHeaderTokens = []string{"open-xchange", "ox"}
	register(ox)

	stalwart := Default()
	stalwart.Family = model.ProviderStalwart
	stalwart.DiscoveryProbePaths = []string{"/dav/"}
	stalwart.ServerHeaderTokens = []string{"stalwart"}
	register(stalwart)

	mailboxOrg := Default()
	mailboxOrg.Family = model.ProviderMailboxOrg
	mailboxOrg.DiscoveryProbePaths = []string{"/dav/calendars/"}
	mailboxOrg.ServerHeaderTokens = []string{"mailbox.org", "open-xchange"}
	mailboxOrg.HostSuffixes = []string{"mailbox.org"}
	register(mailboxOrg)
}

// ForFamily returns the registered profile for family, or the Default()
// profile if family is unrecognized.
func ForFamily(family model.ProviderFamily) Profile {
	if p, ok := registry[family]; ok {
		return p
	}
	return Default()
}

// Detect sniffs a provider family from the base URL host and a discovery
// probe's response headers. It never changes algorithm correctness, only
// selects which Profile's fallback paths subsequent steps consult, so a
// wrong or absent match simply falls back to Default().
func Detect(baseHost string, headers http.Header) model.ProviderFamily {
	host := strings.ToLower(baseHost)
	for family, p := range registry {
		for _, suffix := range p.HostSuffixes {
			if strings.HasSuffix(host, suffix) {
				return family
			}
		}
	}

	server := strings.ToLower(headers.Get("Server"))
	davHeader := strings.ToLower(headers.Get("DAV"))
	for family, p := range registry {
		for _, tok := range p.ServerHeaderTokens {
			if server != "" && strings.Contains(server, tok) {
				return family
			}
		}
		for _, tok := range p.DAVHeaderTokens {
			if davHeader != "" && strings.Contains(davHeader, tok) {
				return family
			}
		}
	}
	return model.ProviderGeneric
}

// IsInboxOutbox reports whether url's last path segment matches one of the
// profile's scheduling-collection sentinels, used to filter the calendar-
// home listing.
func (p Profile) IsInboxOutbox(url string) bool {
	trimmed := strings.TrimSuffix(url, "/")
	idx := strings.LastIndex(trimmed, "/")
	last := strings.ToLower(trimmed[idx+1:])
	for _, sentinel := range p.InboxOutboxSentinels {
		if last == sentinel {
			return true
		}
	}
	return false
}
