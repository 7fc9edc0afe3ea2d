package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"teamfeed/internal/classify"
	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/model"
	"teamfeed/internal/reconcile"
	"teamfeed/internal/tz"
)

// batch is a normalized feed ready for reconciling.
type batch struct {
	items []reconcile.Item
	// series lists the UIDs of recurring events and windowStart is where
	// their expansion began.
	series      []string
	windowStart time.Time
	skipped     int
}

// normalize turns parsed events into reconcile items. Floating times are read
// in loc. Recurring events are expanded within the engine's window.
// Overrides (RECURRENCE-ID) are placed after expanded instances so they
// replace them on de-duplication.
func (e *Engine) normalize(feed *ics.Feed, fc *model.FeedConnection, profileID string, loc *time.Location) batch {
	now := e.now().UTC()
	cfg := ics.ExpandConfig{
		RangeStart: now.Add(-e.backfill),
		RangeEnd:   now.Add(e.horizon),
	}
	resolver := tz.Resolver{Floating: loc}

	var (
		items     []reconcile.Item
		overrides []reconcile.Item
		series    []string
		skipped   int
	)
	for _, ev := range feed.Events {
		span, err := resolver.Resolve(ev.Start, ev.End, ev.Duration)
		if err != nil {
			appLog.Warn("dropping event with unusable time", "uid", ev.UID, "summary", ev.Summary, "err", err)
			skipped++
			continue
		}

		occs, truncated, err := ics.Expand(ev, span, cfg)
		if err != nil {
			appLog.Warn("dropping event with bad recurrence", "uid", ev.UID, "rrule", ev.RRule, "err", err)
			skipped++
			continue
		}
		if truncated {
			appLog.Warn("recurrence truncated", "uid", ev.UID, "kept", len(occs))
		}

		uid := ev.UID
		if uid == "" {
			uid = synthesizeUID(span.Start, ev.Summary)
		}
		if ev.RRule != "" {
			series = append(series, uid)
		}

		cls := classify.Summary(ev.Summary, ev.Description)
		place := classify.Location(ev.Location, ev.LocationTitle)

		for _, occ := range occs {
			externalID := uid
			if occ.Instance != "" {
				externalID = uid + "/" + occ.Instance
			}
			it := reconcile.Item{
				Sequence: ev.Sequence,
				Event: model.Event{
					ExternalID:  externalID,
					Title:       cls.Title,
					Description: cls.Description,
					StartAt:     occ.Start,
					EndAt:       occ.End,
					AllDay:      span.AllDay,
					Location:    place.Address,
					Venue:       place.Venue,
					EventType:   string(cls.Type),
					Opponent:    cls.Opponent,
					Sport:       fc.Sport,
					Color:       fc.Color,
					ProfileID:   profileID,
					Visible:     !ev.Cancelled(),
				},
			}
			if ev.RecurrenceID != nil {
				overrides = append(overrides, it)
			} else {
				items = append(items, it)
			}
		}
	}
	return batch{
		items:       append(items, overrides...),
		series:      series,
		windowStart: cfg.RangeStart,
		skipped:     skipped,
	}
}

// synthesizeUID derives a stable id for events that lack a UID.
func synthesizeUID(start time.Time, summary string) string {
	sum := sha256.Sum256([]byte(start.UTC().Format(time.RFC3339) + "\x00" + summary))
	return "gen-" + hex.EncodeToString(sum[:16])
}
