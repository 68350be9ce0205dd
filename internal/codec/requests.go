// Package codec builds and parses the CalDAV XML wire format:
// PROPFIND/REPORT request bodies on the way out, and a namespace-tolerant
// multistatus walker on the way in. iCalendar bodies are carried as opaque
// bytes; the codec never inspects their interior (that's internal/ics's job).
package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

const (
	NSDAV    = "DAV:"
	NSCalDAV = "urn:ietf:params:xml:ns:caldav"
	NSCS     = "http://calendarserver.org/ns/"
)

// icalTimeFormat is the UTC basic format used in time-range filters (RFC 4791 §9.9).
const icalTimeFormat = "20060102T150405Z"

// FarFutureSentinel is the "to year 2100" upper bound for the default pull
// window's etag-only time-range filter.
var FarFutureSentinel = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

type propName struct {
	XMLName xml.Name
}

type propfindBody struct {
	XMLName xml.Name   `xml:"DAV: propfind"`
	Prop    propfindProp `xml:"prop"`
}

type propfindProp struct {
	Any []propName
}

func (p propfindProp) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: NSDAV, Local: "prop"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, a := range p.Any {
		if err := e.EncodeToken(xml.StartElement{Name: a.XMLName}); err != nil {
			return err
		}
		if err := e.EncodeToken(xml.EndElement{Name: a.XMLName}); err != nil {
			return err
		}
	}
	return e.EncodeToken(xml.EndElement{Name: start.Name})
}

func buildPropfind(props ...xml.Name) ([]byte, error) {
	names := make([]propName, len(props))
	for i, p := range props {
		names[i] = propName{XMLName: p}
	}
	body := propfindBody{Prop: propfindProp{Any: names}}
	return marshalDocument(body)
}

func marshalDocument(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: marshal request: %w", err)
	}
	return buf.Bytes(), nil
}

// n is a shorthand for building an xml.Name in the DAV: namespace.
func n(local string) xml.Name { return xml.Name{Space: NSDAV, Local: local} }

// ncal is a shorthand for building an xml.Name in the CalDAV namespace.
func ncal(local string) xml.Name { return xml.Name{Space: NSCalDAV, Local: local} }

// BuildCurrentUserPrincipalPropfind builds the depth-0 PROPFIND used for both
// the well-known probe and principal discovery.
func BuildCurrentUserPrincipalPropfind() ([]byte, error) {
	return buildPropfind(n("current-user-principal"))
}

// BuildCalendarHomeSetPropfind builds the depth-0 PROPFIND issued against the
// principal URL.
func BuildCalendarHomeSetPropfind() ([]byte, error) {
	return buildPropfind(ncal("calendar-home-set"))
}

// BuildCollectionListingPropfind builds the depth-1 PROPFIND issued against
// the calendar-home URL.
func BuildCollectionListingPropfind() ([]byte, error) {
	return buildPropfind(
		n("displayname"),
		n("resourcetype"),
		xml.Name{Space: "http://apple.com/ns/ical/", Local: "calendar-color"},
		xml.Name{Space: NSCS, Local: "getctag"},
		n("sync-token"),
		ncal("supported-calendar-component-set"),
		n("supported-report-set"),
		n("current-user-privilege-set"),
		n("owner"),
	)
}

// BuildGetETagPropfind builds the depth-0 PROPFIND used as the second step of
// the ETag-extraction fallback chain.
func BuildGetETagPropfind() ([]byte, error) {
	return buildPropfind(n("getetag"))
}

// BuildGetCTagPropfind builds the depth-0 PROPFIND used by the change
// detector's ctag check.
func BuildGetCTagPropfind() ([]byte, error) {
	return buildPropfind(xml.Name{Space: NSCS, Local: "getctag"})
}

type calendarQueryBody struct {
	XMLName xml.Name            `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop    propfindProp        `xml:"prop"`
	Filter  calendarQueryFilter `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

type calendarQueryFilter struct {
	CompFilter compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}

type compFilter struct {
	Name       string      `xml:"name,attr"`
	CompFilter *compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter,omitempty"`
	TimeRange  *timeRange  `xml:"urn:ietf:params:xml:ns:caldav time-range,omitempty"`
}

type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

// BuildCalendarQueryETagOnly builds the "etag-only" REPORT calendar-query
// form used by the change detector's etag-range fallback: a VEVENT
// time-range filter requesting only getetag.
func BuildCalendarQueryETagOnly(start, end time.Time) ([]byte, error) {
	body := calendarQueryBody{
		Prop: propfindProp{Any: []propName{{XMLName: n("getetag")}}},
		Filter: calendarQueryFilter{
			CompFilter: compFilter{
				Name: "VCALENDAR",
				CompFilter: &compFilter{
					Name: "VEVENT",
					TimeRange: &timeRange{
						Start: start.UTC().Format(icalTimeFormat),
						End:   end.UTC().Format(icalTimeFormat),
					},
				},
			},
		},
	}
	return marshalDocument(body)
}

type calendarMultigetBody struct {
	XMLName xml.Name     `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    propfindProp `xml:"prop"`
	Hrefs   []string     `xml:"DAV: href"`
}

// BuildCalendarMultiget builds a REPORT calendar-multiget requesting
// getetag+calendar-data for the given hrefs.
func BuildCalendarMultiget(hrefs []string) ([]byte, error) {
	body := calendarMultigetBody{
		Prop: propfindProp{Any: []propName{
			{XMLName: n("getetag")},
			{XMLName: ncal("calendar-data")},
		}},
		Hrefs: hrefs,
	}
	return marshalDocument(body)
}

type syncCollectionBody struct {
	XMLName   xml.Name     `xml:"DAV: sync-collection"`
	SyncToken string       `xml:"DAV: sync-token"`
	SyncLevel string       `xml:"DAV: sync-level"`
	Prop      propfindProp `xml:"prop"`
}

// BuildSyncCollection builds a REPORT sync-collection with the given
// (possibly empty, for a first-ever sync) token.
func BuildSyncCollection(token string) ([]byte, error) {
	body := syncCollectionBody{
		SyncToken: token,
		SyncLevel: "1",
		Prop: propfindProp{Any: []propName{
			{XMLName: n("getetag")},
		}},
	}
	return marshalDocument(body)
}
