package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "teamfeed/internal/log"
	"teamfeed/internal/tz"
)

// ParseError means the feed text could not be read as a calendar at all.
// Individual broken events never produce it; they are skipped.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse feed: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Feed is a parsed calendar document.
type Feed struct {
	// Properties holds feed-level properties keyed by upper-case name.
	Properties map[string]string
	Events     []RawEvent
	// Skipped counts VEVENT blocks dropped because DTSTART was unusable.
	Skipped int
}

// RawEvent is one VEVENT with its date-times still in component form.
type RawEvent struct {
	UID         string
	Sequence    int
	Summary     string
	Description string
	Location    string
	// LocationTitle comes from X-APPLE-STRUCTURED-LOCATION;X-TITLE=... when present.
	LocationTitle string
	Status        string

	Start    tz.DateTime
	End      *tz.DateTime
	Duration time.Duration

	RRule        string
	ExDates      []tz.DateTime
	RecurrenceID *tz.DateTime
}

// Cancelled reports STATUS:CANCELLED.
func (e RawEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

const (
	propStructuredLocation = "X-APPLE-STRUCTURED-LOCATION"
	propRecurrenceID       = "RECURRENCE-ID"
	propDuration           = "DURATION"
	propStatus             = "STATUS"
)

// Parse parses a feed body. Events whose DTSTART can't be decoded are
// logged and skipped.
func Parse(body []byte) (*Feed, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Err: errors.New("empty feed body")}
	}
	if !bytes.Contains(bytes.ToUpper(body), []byte("BEGIN:VCALENDAR")) {
		return nil, &ParseError{Err: errors.New("no VCALENDAR block (got HTML or an error page?)")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	feed := &Feed{Properties: make(map[string]string)}
	for _, p := range cal.CalendarProperties {
		key := strings.ToUpper(p.IANAToken)
		if _, seen := feed.Properties[key]; !seen {
			feed.Properties[key] = unescapeText(p.Value)
		}
	}

	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			feed.Skipped++
			appLog.Warn("skipping event with unusable start", "uid", ev.UID, "summary", ev.Summary, "err", perr)
			continue
		}
		feed.Events = append(feed.Events, ev)
	}

	appLog.Debug("feed parse completed", "event_count", len(feed.Events), "skipped", feed.Skipped)
	return feed, nil
}

func parseVEvent(ve *ical.VEvent) (RawEvent, error) {
	var out RawEvent

	out.UID = strings.TrimSpace(propValue(ve, ical.ComponentPropertyUniqueId))
	out.Summary = strings.TrimSpace(unescapeText(propValue(ve, ical.ComponentPropertySummary)))
	out.Description = strings.TrimSpace(unescapeText(propValue(ve, ical.ComponentPropertyDescription)))
	out.Location = strings.TrimSpace(unescapeText(propValue(ve, ical.ComponentPropertyLocation)))
	out.Status = strings.TrimSpace(propValue(ve, propStatus))

	if p := ve.GetProperty(propStructuredLocation); p != nil {
		if titles, ok := p.ICalParameters["X-TITLE"]; ok && len(titles) > 0 {
			out.LocationTitle = strings.Trim(strings.TrimSpace(unescapeText(strings.Join(titles, ","))), `"`)
		}
	}

	if v := propValue(ve, ical.ComponentPropertySequence); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.Sequence = n
		}
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := decodeDateTime(startProp.Value, startProp.ICalParameters)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		// A broken DTEND is not fatal; the resolver substitutes a default.
		if end, err := decodeDateTime(endProp.Value, endProp.ICalParameters); err == nil {
			out.End = &end
		} else {
			appLog.Debug("ignoring unusable DTEND", "uid", out.UID, "value", endProp.Value)
		}
	}
	if v := propValue(ve, propDuration); v != "" {
		if d, err := parseDuration(v); err == nil {
			out.Duration = d
		}
	}

	out.RRule = strings.TrimSpace(propValue(ve, ical.ComponentPropertyRrule))

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if ex, err := decodeDateTime(part, p.ICalParameters); err == nil {
				out.ExDates = append(out.ExDates, ex)
			}
		}
	}

	if p := ve.GetProperty(propRecurrenceID); p != nil {
		if rid, err := decodeDateTime(p.Value, p.ICalParameters); err == nil {
			out.RecurrenceID = &rid
		}
	}

	return out, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// decodeDateTime splits an iCalendar DATE or DATE-TIME value into components
// and tags its encoding from the trailing Z and the TZID parameter.
func decodeDateTime(value string, params map[string][]string) (tz.DateTime, error) {
	v := strings.TrimSpace(value)
	var out tz.DateTime

	dateOnly := len(v) == 8
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}

	switch {
	case dateOnly:
		if len(v) < 8 {
			return out, fmt.Errorf("malformed date %q", value)
		}
		v = v[:8]
	case len(v) == 16 && (v[15] == 'Z' || v[15] == 'z') && v[8] == 'T':
		out.Encoding = tz.UTC
		v = v[:15]
	case len(v) == 15 && v[8] == 'T':
		out.Encoding = tz.Floating
	default:
		return out, fmt.Errorf("malformed date-time %q", value)
	}

	fields := []*int{&out.Year, &out.Month, &out.Day}
	bounds := [][2]int{{0, 4}, {4, 6}, {6, 8}}
	if !dateOnly {
		fields = append(fields, &out.Hour, &out.Minute, &out.Second)
		bounds = append(bounds, [2]int{9, 11}, [2]int{11, 13}, [2]int{13, 15})
	}
	for i, dst := range fields {
		x, err := strconv.Atoi(v[bounds[i][0]:bounds[i][1]])
		if err != nil || x < 0 {
			return tz.DateTime{}, fmt.Errorf("malformed date-time %q", value)
		}
		*dst = x
	}

	out.DateOnly = dateOnly
	if dateOnly {
		out.Encoding = tz.Floating
		return out, nil
	}
	if out.Encoding != tz.UTC {
		if tzids, ok := params["TZID"]; ok && len(tzids) > 0 && strings.TrimSpace(tzids[0]) != "" {
			out.Encoding = tz.Zoned
			out.TZID = strings.Trim(strings.TrimSpace(tzids[0]), `"`)
		}
	}
	return out, nil
}

// parseDuration reads an RFC 5545 DURATION such as "PT1H30M", "P1D" or "P2W".
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		n, _ := strconv.Atoi(num)
		num = ""
		d := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += d * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += d * 24 * time.Hour
		case r == 'H' && inTime:
			total += d * time.Hour
		case r == 'M' && inTime:
			total += d * time.Minute
		case r == 'S' && inTime:
			total += d * time.Second
		default:
			return 0, fmt.Errorf("malformed duration %q", s)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

// unescapeText undoes RFC 5545 TEXT escaping.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return textUnescaper.Replace(s)
}
