package codec

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
)

// ResourceType is the subset of DAV:resourcetype children the engine cares
// about.
type ResourceType struct {
	Collection bool
	Calendar   bool
	Principal  bool
}

// Response is one DAV:response element reduced to the properties the engine
// consumes, each taken only from a propstat whose own status is 2xx. A
// property present only under a non-2xx propstat (some servers report
// resourcetype/displayname under a 200 propstat and an absent calendar-color
// under a separate 404 propstat) is left at its zero value.
type Response struct {
	Href   string
	Status int // overall response-level status, when no propstat is present

	DisplayName          string
	ResourceType         ResourceType
	CTag                 string
	SyncToken            string
	CalendarHomeSet      string
	CurrentUserPrincipal string
	Color                string
	ETag                 string
	CalendarData         []byte
	SupportedReports     []string
	Privileges           []string
}

// Multistatus is a parsed DAV:multistatus document.
type Multistatus struct {
	Responses []Response
	SyncToken string // DAV:sync-token at the multistatus level (sync-collection)
}

// propstat accumulates properties found under one DAV:propstat, tagged with
// that propstat's own status so the caller can discard non-2xx properties.
type propstat struct {
	status int
	props  map[string]struct{} // allocated per propstat; the walker does not populate it
}

// ParseMultistatus walks r token-by-token. It tracks only the small amount of
// state needed to know "which propstat (and therefore which status) is the
// current property under the cursor", rather than building a full DOM tree;
// leaf element contents (href text, color text, calendar-data bytes) are
// still read with DecodeElement once the walker is positioned on them, since
// that's the idiomatic way to pull a self-contained subtree out of a
// streaming decoder.
func ParseMultistatus(r io.Reader) (*Multistatus, error) {
	dec := xml.NewDecoder(r)

	var ms Multistatus
	var cur *Response
	var curPropstat propstat
	inPropstat := false

	flushPropstat := func() {
		if cur == nil {
			return
		}
		inPropstat = false
		curPropstat = propstat{}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, synerr.New(synerr.DataParseFailure, false, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch localName(t.Name) {
			case "response":
				cur = &Response{Status: 200}
				ms.Responses = append(ms.Responses, Response{})
			case "sync-token":
				// A multistatus-level sync-token (sync-collection) goes on the
				// Multistatus; one requested as a property inside a response's
				// propstat (collection listing) goes on that Response.
				var val string
				if err := dec.DecodeElement(&val, &t); err == nil {
					if cur == nil {
						ms.SyncToken = strings.TrimSpace(val)
					} else if propAllowed(inPropstat, curPropstat) {
						cur.SyncToken = strings.TrimSpace(val)
					}
				}
				continue
			case "propstat":
				inPropstat = true
				curPropstat = propstat{status: 200, props: map[string]struct{}{}}
			case "status":
				var val string
				if err := dec.DecodeElement(&val, &t); err == nil {
					code := parseStatusCode(val)
					if inPropstat {
						curPropstat.status = code
					} else if cur != nil {
						cur.Status = code
					}
				}
				continue
			case "href":
				// A bare href directly under <response> (not under one of the
				// wrapper properties handled below, which consume their own
				// nested href via decodeHrefChild) is the resource href.
				var val string
				if err := dec.DecodeElement(&val, &t); err != nil {
					return nil, synerr.New(synerr.DataParseFailure, false, err)
				}
				if cur != nil && !inPropstat {
					cur.Href = strings.TrimSpace(val)
				}
				continue
			case "resourcetype":
				rt, err := decodeResourceType(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.ResourceType = rt
				}
				continue
			case "displayname":
				v, err := decodeCharData(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.DisplayName = v
				}
				continue
			case "getctag":
				v, err := decodeCharData(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.CTag = v
				}
				continue
			case "calendar-color":
				v, err := decodeCharData(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.Color = v
				}
				continue
			case "getetag":
				v, err := decodeCharData(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.ETag = NormalizeETag(v)
				}
				continue
			case "calendar-data":
				v, err := decodeCharData(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.CalendarData = []byte(v)
				}
				continue
			case "calendar-home-set":
				href, err := decodeHrefChild(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.CalendarHomeSet = href
				}
				continue
			case "current-user-principal":
				href, err := decodeHrefChild(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.CurrentUserPrincipal = href
				}
				continue
			case "supported-report-set":
				reports, err := decodeSupportedReports(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.SupportedReports = reports
				}
				continue
			case "current-user-privilege-set":
				privs, err := decodePrivileges(dec, t)
				if err != nil {
					return nil, err
				}
				if cur != nil && propAllowed(inPropstat, curPropstat) {
					cur.Privileges = privs
				}
				continue
			}

		case xml.EndElement:
			switch localName(t.Name) {
			case "propstat":
				flushPropstat()
			case "response":
				if cur != nil {
					ms.Responses[len(ms.Responses)-1] = *cur
				}
				cur = nil
			}
		}
	}
	return &ms, nil
}

func propAllowed(inPropstat bool, ps propstat) bool {
	if !inPropstat {
		return true
	}
	return ps.status/100 == 2
}

func localName(n xml.Name) string { return n.Local }

func parseStatusCode(httpStatusLine string) int {
	// "HTTP/1.1 200 OK" -> 200
	parts := strings.Fields(httpStatusLine)
	for _, p := range parts {
		if len(p) == 3 {
			if code, err := strconv.Atoi(p); err == nil {
				return code
			}
		}
	}
	return 200
}

func decodeCharData(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var sb strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return strings.TrimSpace(sb.String()), nil
			}
			depth--
		}
	}
}

func decodeHrefChild(dec *xml.Decoder, start xml.StartElement) (string, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if localName(t.Name) == "href" {
				var v string
				if err := dec.DecodeElement(&v, &t); err != nil {
					return "", synerr.New(synerr.DataParseFailure, false, err)
				}
				// Drain to the matching end element for start's wrapper.
				if err := skipToEnd(dec, start.Name); err != nil {
					return "", err
				}
				return strings.TrimSpace(v), nil
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return "", nil
			}
		}
	}
}

func skipToEnd(dec *xml.Decoder, name xml.Name) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name == name {
				depth++
			}
		case xml.EndElement:
			if t.Name == name {
				if depth == 0 {
					return nil
				}
				depth--
			}
		}
	}
}

func decodeResourceType(dec *xml.Decoder, start xml.StartElement) (ResourceType, error) {
	var rt ResourceType
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return rt, synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch localName(t.Name) {
			case "collection":
				rt.Collection = true
			case "calendar":
				rt.Calendar = true
			case "principal":
				rt.Principal = true
			default:
				depth++
				continue
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return rt, nil
			}
			if depth > 0 {
				depth--
			}
		}
	}
}

func decodeSupportedReports(dec *xml.Decoder, start xml.StartElement) ([]string, error) {
	var reports []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if localName(t.Name) == "report" {
				name, err := firstChildLocalName(dec, t)
				if err != nil {
					return nil, err
				}
				if name != "" {
					reports = append(reports, name)
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return reports, nil
			}
		}
	}
}

func decodePrivileges(dec *xml.Decoder, start xml.StartElement) ([]string, error) {
	var privs []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if localName(t.Name) == "privilege" {
				name, err := firstChildLocalName(dec, t)
				if err != nil {
					return nil, err
				}
				if name != "" {
					privs = append(privs, name)
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return privs, nil
			}
		}
	}
}

// firstChildLocalName returns the local name of the first child element of
// start, draining the rest of start's subtree.
func firstChildLocalName(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var name string
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", synerr.New(synerr.DataParseFailure, false, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if name == "" {
				name = localName(t.Name)
			}
			depth++
		case xml.EndElement:
			if t.Name == start.Name {
				return name, nil
			}
			depth--
		}
	}
}

// HasWritePrivilege reports whether privs contains DAV:write or
// DAV:write-content, used to mark shared calendars read-only.
func HasWritePrivilege(privs []string) bool {
	for _, p := range privs {
		if p == "write" || p == "write-content" || p == "all" {
			return true
		}
	}
	return false
}
