package ics

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultFeedName is used when no naming strategy yields anything.
const DefaultFeedName = "Untitled Feed"

var (
	// Feed-level properties that carry a human title, in priority order.
	feedNameProps  = []string{"X-WR-CALNAME"}
	feedTitleProps = []string{"NAME", "SUMMARY", "X-WR-CALDESC"}

	nameVersusRe  = regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:vs\.?|versus|v\.)\s+(.+?)\s*$`)
	nameVenueRe   = regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:field|court|gym)\b`)
	boilerplateRe = regexp.MustCompile(`(?i)\b(?:calendar|schedule)s?\b`)
	separatorsRe  = regexp.MustCompile(`[-_+.]+`)
	spacesRe      = regexp.MustCompile(`\s+`)
	opaqueSegRe   = regexp.MustCompile(`^[0-9a-fA-F-]{16,}$|^\d+$`)
)

// DeriveName picks a display name for a feed. Strategies, first non-empty
// wins: explicit feed name, feed-level title, first event summary or
// location, last path segment of feedURL. Boilerplate words are stripped
// from whichever strategy produced the name.
func DeriveName(f *Feed, feedURL string) string {
	strategies := []func() string{
		func() string { return firstProp(f, feedNameProps) },
		func() string { return firstProp(f, feedTitleProps) },
		func() string { return nameFromFirstEvent(f) },
		func() string { return nameFromURL(feedURL) },
	}
	for _, s := range strategies {
		if name := cleanName(s()); name != "" {
			return name
		}
	}
	return DefaultFeedName
}

func firstProp(f *Feed, keys []string) string {
	if f == nil {
		return ""
	}
	for _, k := range keys {
		if v := strings.TrimSpace(f.Properties[k]); v != "" {
			return v
		}
	}
	return ""
}

// nameFromFirstEvent takes the leading side of "X vs Y" (so both "Ours vs
// Theirs" and "Theirs vs Ours" name the first team listed) or the "<name>"
// in a "<name> field|court|gym" location.
func nameFromFirstEvent(f *Feed) string {
	if f == nil || len(f.Events) == 0 {
		return ""
	}
	ev := f.Events[0]
	if m := nameVersusRe.FindStringSubmatch(ev.Summary); m != nil {
		return m[1]
	}
	if m := nameVenueRe.FindStringSubmatch(ev.Location); m != nil {
		return m[1]
	}
	return ""
}

// nameFromURL title-cases the last path segment. Provider ids (numeric or
// hex) are kept, lower-cased, behind a "Team " prefix.
func nameFromURL(feedURL string) string {
	u, err := url.Parse(strings.TrimSpace(feedURL))
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" || seg == "" {
		return ""
	}
	seg = strings.TrimSuffix(seg, path.Ext(seg))
	if opaqueSegRe.MatchString(seg) {
		return "Team " + strings.ToLower(seg)
	}
	seg = separatorsRe.ReplaceAllString(seg, " ")
	return cases.Title(language.English).String(strings.ToLower(seg))
}

func cleanName(s string) string {
	s = boilerplateRe.ReplaceAllString(s, " ")
	s = spacesRe.ReplaceAllString(s, " ")
	return strings.Trim(s, " -|:,")
}
