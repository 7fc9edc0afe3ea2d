package tz

import (
	"context"
	"time"

	appLog "teamfeed/internal/log"
)

// ZoneLookup returns the timezone preference of the user owning a profile.
// Implementations return an error for any broken link in the chain
// (profile, owning user, stored preference).
type ZoneLookup interface {
	ProfileTimezone(ctx context.Context, profileID string) (string, error)
}

// LocationOr resolves the floating-time zone for profileID. Any lookup
// failure yields fallback (UTC when nil); it is logged and never returned.
func LocationOr(ctx context.Context, lookup ZoneLookup, profileID string, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if lookup == nil || profileID == "" {
		return fallback
	}

	name, err := lookup.ProfileTimezone(ctx, profileID)
	if err != nil {
		appLog.Warn("timezone lookup failed, using fallback", "profile_id", profileID, "fallback", fallback.String(), "err", err)
		return fallback
	}
	if name == "" {
		return fallback
	}

	loc, err := LoadZone(name)
	if err != nil {
		appLog.Warn("stored timezone is not loadable, using fallback", "profile_id", profileID, "timezone", name, "fallback", fallback.String())
		return fallback
	}
	return loc
}
