// Package tz turns iCalendar date-time components into UTC instants.
//
// A date-time arrives in one of three encodings:
//
//   - UTC      "20240301T180000Z"
//   - Zoned    "DTSTART;TZID=America/Chicago:20240301T130000"
//   - Floating "20240301T090000" (no zone; interpreted in the owner's zone)
//
// Date-only values (VALUE=DATE) are floating midnights flagged DateOnly.
package tz

import (
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "teamfeed/internal/log"
)

// Encoding describes how a DateTime's components must be interpreted.
type Encoding int

const (
	Floating Encoding = iota
	UTC
	Zoned
)

func (e Encoding) String() string {
	switch e {
	case UTC:
		return "utc"
	case Zoned:
		return "zoned"
	default:
		return "floating"
	}
}

// DateTime holds raw wall-clock components exactly as they appeared in the feed.
type DateTime struct {
	Year, Month, Day     int
	Hour, Minute, Second int

	Encoding Encoding
	// TZID is set when Encoding is Zoned.
	TZID string
	// DateOnly marks VALUE=DATE (all-day) values.
	DateOnly bool
}

func (d DateTime) String() string {
	s := fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
	switch d.Encoding {
	case UTC:
		return s + "Z"
	case Zoned:
		return s + "[" + d.TZID + "]"
	default:
		return s
	}
}

// Valid reports whether the components describe a real calendar date and time.
func (d DateTime) Valid() bool {
	if d.Year < 1 || d.Year > 9999 {
		return false
	}
	if d.Month < 1 || d.Month > 12 {
		return false
	}
	if d.Day < 1 || d.Day > daysIn(time.Month(d.Month), d.Year) {
		return false
	}
	if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 {
		return false
	}
	// 60 is a leap second; it is clamped when converted.
	return d.Second >= 0 && d.Second <= 60
}

func (d DateTime) in(loc *time.Location) time.Time {
	sec := d.Second
	if sec == 60 {
		sec = 59
	}
	return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, sec, 0, loc)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// InvalidTimeError means a single event's start could not be turned into an
// instant. The event is dropped; the run continues.
type InvalidTimeError struct {
	Value  DateTime
	Reason string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid event time %s: %s", e.Value, e.Reason)
}

// Span is a resolved start/end pair. Start and End are in UTC.
type Span struct {
	Start  time.Time
	End    time.Time
	AllDay bool
	// Location is the zone the start was interpreted in. Recurrence expansion
	// runs in it so that wall-clock times survive DST transitions.
	Location *time.Location
}

// Resolver resolves DateTimes. Floating is the zone used for floating values;
// nil means UTC.
type Resolver struct {
	Floating *time.Location
}

// Resolve converts start/end into a UTC Span.
//
// end may be nil. When end is missing, invalid or not after start, the span
// falls back to dur (if positive), then to one hour (one day for all-day
// events).
func (r Resolver) Resolve(start DateTime, end *DateTime, dur time.Duration) (Span, error) {
	if !start.Valid() {
		return Span{}, &InvalidTimeError{Value: start, Reason: "components out of range"}
	}

	startLoc := r.locationFor(start, nil)
	s := start.in(startLoc)
	if s.IsZero() {
		return Span{}, &InvalidTimeError{Value: start, Reason: "zero instant"}
	}

	span := Span{
		Start:    s.UTC(),
		AllDay:   start.DateOnly,
		Location: startLoc,
	}

	var e time.Time
	if end != nil && end.Valid() {
		e = end.in(r.locationFor(*end, startLoc))
	}
	switch {
	case !e.IsZero() && e.After(s):
		span.End = e.UTC()
	case dur > 0:
		span.End = s.Add(dur).UTC()
	case start.DateOnly:
		span.End = s.AddDate(0, 0, 1).UTC()
	default:
		span.End = s.Add(time.Hour).UTC()
	}
	return span, nil
}

// locationFor picks the zone for d. inherit is the start's zone and is used
// for a floating end time.
func (r Resolver) locationFor(d DateTime, inherit *time.Location) *time.Location {
	switch d.Encoding {
	case UTC:
		return time.UTC
	case Zoned:
		if loc, err := LoadZone(d.TZID); err == nil {
			return loc
		}
		appLog.Warn("unknown TZID, treating time as floating", "tzid", d.TZID)
	}
	if inherit != nil {
		return inherit
	}
	if r.Floating != nil {
		return r.Floating
	}
	return time.UTC
}

var zoneCache sync.Map // map[string]*time.Location

// LoadZone loads an IANA zone, tolerating quoted names and vendor prefixes
// such as "/mozilla.org/20050126_1/America/New_York".
func LoadZone(name string) (*time.Location, error) {
	name = strings.Trim(strings.TrimSpace(name), `"`)
	if name == "" {
		return nil, fmt.Errorf("empty zone name")
	}
	if v, ok := zoneCache.Load(name); ok {
		return v.(*time.Location), nil
	}

	candidates := []string{name}
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for i := 1; i < len(parts); i++ {
		candidates = append(candidates, strings.Join(parts[i:], "/"))
	}

	var firstErr error
	for _, c := range candidates {
		loc, err := time.LoadLocation(c)
		if err == nil {
			zoneCache.Store(name, loc)
			return loc, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
