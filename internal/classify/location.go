package classify

import (
	"strings"
	"unicode"
)

// Place is a location split into an optional venue name and the full address.
type Place struct {
	Venue   string
	Address string
}

// Location splits a raw location. A structured title, when the feed has one,
// is the venue verbatim. Otherwise the text before the first comma is the
// venue unless it looks like a street address (leading digit, or letters
// mixed with digits). Without a comma there is no venue.
func Location(raw, structuredTitle string) Place {
	raw = strings.TrimSpace(raw)
	p := Place{Address: raw}

	if t := strings.TrimSpace(structuredTitle); t != "" {
		p.Venue = t
		return p
	}

	lead, _, found := strings.Cut(raw, ",")
	if !found {
		return p
	}
	lead = strings.TrimSpace(lead)
	if lead == "" || looksLikeStreet(lead) {
		return p
	}
	p.Venue = lead
	return p
}

func looksLikeStreet(s string) bool {
	if unicode.IsDigit([]rune(s)[0]) {
		return true
	}
	var letters, digits bool
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	return letters && digits
}
