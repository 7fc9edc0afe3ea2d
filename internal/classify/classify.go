// Package classify infers what a schedule entry is from its free text.
//
// Summaries are matched against an ordered list of named matchers. Opponent
// matchers run first (versus, at, home-away); the first hit supplies the
// opponent and makes the entry a game. Keyword matchers then decide the type
// when no opponent was found.
package classify

import (
	"regexp"
	"strings"
)

// Type is the category of a schedule entry.
type Type string

const (
	Game       Type = "game"
	Practice   Type = "practice"
	Tournament Type = "tournament"
	Scrimmage  Type = "scrimmage"
	Event      Type = "event"
)

// Label is the display form used for titles.
func (t Type) Label() string {
	switch t {
	case Game:
		return "Game"
	case Practice:
		return "Practice"
	case Tournament:
		return "Tournament"
	case Scrimmage:
		return "Scrimmage"
	default:
		return "Event"
	}
}

// Result is what the classifier derived from a summary.
type Result struct {
	Type     Type
	Opponent string
	// Matcher names the rule that decided Type.
	Matcher     string
	Title       string
	Description string
}

type opponentMatcher struct {
	name string
	re   *regexp.Regexp
	// group holds the opponent.
	group int
}

type keywordMatcher struct {
	name string
	re   *regexp.Regexp
	typ  Type
}

// opponentMatchers run in this order; the first match wins.
var opponentMatchers = []opponentMatcher{
	{
		name:  "versus",
		re:    regexp.MustCompile(`(?i)^(.*?)\s*\b(?:vs\.?|versus)\s*(\S.*)$`),
		group: 2,
	},
	{
		name:  "at",
		re:    regexp.MustCompile(`(?i)^(.+?)\s+(?:at|@)\s+(.+)$`),
		group: 2,
	},
	{
		name:  "home-away",
		re:    regexp.MustCompile(`(?i)\b(?:home|away)\s*(?:vs\.?|versus)\s*(.+)$`),
		group: 1,
	},
}

// keywordMatchers run in this order after the opponent matchers.
var keywordMatchers = []keywordMatcher{
	{name: "game", re: regexp.MustCompile(`(?i)\b(?:game|match)\b`), typ: Game},
	{name: "practice", re: regexp.MustCompile(`(?i)\bpractice\b`), typ: Practice},
	{name: "tournament", re: regexp.MustCompile(`(?i)\btournament\b`), typ: Tournament},
	{name: "scrimmage", re: regexp.MustCompile(`(?i)\bscrimmage\b`), typ: Scrimmage},
}

var (
	opponentTrailRe = regexp.MustCompile(`\s*[(\[].*$|\s+-\s+.*$`)
	opponentHomeRe  = regexp.MustCompile(`(?i)^(?:the\s+)?(?:home|away)\s*[-:]\s*`)
)

// Summary classifies a summary and merges it with an existing description.
func Summary(summary, description string) Result {
	summary = strings.TrimSpace(summary)
	res := Result{Type: Event, Matcher: "default"}

	for _, m := range opponentMatchers {
		sub := m.re.FindStringSubmatch(summary)
		if sub == nil {
			continue
		}
		if opp := cleanOpponent(sub[m.group]); opp != "" {
			res.Type = Game
			res.Opponent = opp
			res.Matcher = m.name
			break
		}
	}

	if res.Opponent == "" {
		for _, m := range keywordMatchers {
			if m.re.MatchString(summary) {
				res.Type = m.typ
				res.Matcher = m.name
				break
			}
		}
	}

	res.Title = res.Type.Label()
	if res.Opponent != "" {
		res.Title = "Game vs " + res.Opponent
	}
	res.Description = mergeDescription(summary, description, res.Opponent)
	return res
}

func cleanOpponent(s string) string {
	s = opponentTrailRe.ReplaceAllString(s, "")
	s = opponentHomeRe.ReplaceAllString(s, "")
	return strings.Trim(strings.TrimSpace(s), ".,;:!-")
}

// mergeDescription puts the summary first, then the feed's description when
// it adds something, then an "Opponent:" line unless the text already names
// the opponent.
func mergeDescription(summary, description, opponent string) string {
	description = strings.TrimSpace(description)
	parts := make([]string, 0, 3)
	if summary != "" {
		parts = append(parts, summary)
	}
	if description != "" && !strings.EqualFold(description, summary) {
		parts = append(parts, description)
	}
	if opponent != "" && !strings.Contains(strings.ToLower(description), strings.ToLower(opponent)) {
		parts = append(parts, "Opponent: "+opponent)
	}
	return strings.Join(parts, "\n\n")
}
