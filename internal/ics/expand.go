package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "teamfeed/internal/log"
	"teamfeed/internal/tz"
)

const (
	defaultMaxOccurrencesPerEvent = 1000

	// InstanceLayout formats an occurrence start inside instance keys.
	InstanceLayout = "20060102T150405Z"
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of an event, in UTC.
type Occurrence struct {
	// Instance is empty for a non-recurring event and the UTC start in
	// InstanceLayout for an expanded or overriding instance.
	Instance string
	Start    time.Time
	End      time.Time
}

// Expand turns ev (already resolved to span) into occurrences.
//
//   - Events without RRULE produce a single occurrence. A RECURRENCE-ID
//     override is keyed by the instance it replaces.
//   - RRULE events are expanded in the event's own zone within the window,
//     minus EXDATEs, keeping the original duration.
//
// The bool result reports that the per-event cap truncated the expansion.
func Expand(ev RawEvent, span tz.Span, cfg ExpandConfig) ([]Occurrence, bool, error) {
	if ev.RRule == "" {
		occ := Occurrence{Start: span.Start, End: span.End}
		if ev.RecurrenceID != nil {
			rid, err := tz.Resolver{Floating: span.Location}.Resolve(*ev.RecurrenceID, nil, 0)
			if err == nil {
				occ.Instance = rid.Start.UTC().Format(InstanceLayout)
			}
		}
		return []Occurrence{occ}, false, nil
	}

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, false, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	loc := span.Location
	if loc == nil {
		loc = time.UTC
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart(span.Start.In(loc))

	var set rrule.Set
	set.RRule(r)

	exResolver := tz.Resolver{Floating: loc}
	for _, ex := range ev.ExDates {
		exSpan, err := exResolver.Resolve(ex, nil, 0)
		if err != nil {
			appLog.Debug("expand: ignoring bad EXDATE", "uid", ev.UID, "exdate", ex.String())
			continue
		}
		set.ExDate(exSpan.Start.In(loc))
	}

	occTimes := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	truncated := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		truncated = true
	}

	dur := span.End.Sub(span.Start)
	out := make([]Occurrence, 0, len(occTimes))
	for _, start := range occTimes {
		s := start.UTC()
		out = append(out, Occurrence{
			Instance: s.Format(InstanceLayout),
			Start:    s,
			End:      s.Add(dur),
		})
	}
	return out, truncated, nil
}
