/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package meeting

import "regexp"

// Matcher finds a meeting URL in free text.
type Matcher struct {
	Provider string
	Match    func(text string) (string, bool)
}

// RegexpMatcher returns a Matcher yielding the full first match of pattern.
func RegexpMatcher(provider string, pattern *regexp.Regexp) Matcher {
	return Matcher{
		Provider: provider,
		Match: func(text string) (string, bool) {
			m := pattern.FindString(text)
			return m, m != ""
		},
	}
}

// urlTail stops at any Unicode space, not just ASCII whitespace.
const urlTail = `[^\s\p{Z}\x{0085}\x{FEFF}]+`

// DefaultMatchers are tried in order against description and location.
var DefaultMatchers = []Matcher{
	RegexpMatcher("zoom", regexp.MustCompile(`(?i)https://[^/]*zoom.us/`+urlTail)),
	RegexpMatcher("teams", regexp.MustCompile(`(?i)https://teams.microsoft.com/l/meetup-join/`+urlTail)),
	RegexpMatcher("meet", regexp.MustCompile(`(?i)https://meet.google.com/[a-z-]+`)),
}

// Extractor resolves the single joinable link of an event.
type Extractor struct {
	matchers []Matcher
}

// NewExtractor builds an Extractor; no matchers means DefaultMatchers.
func NewExtractor(matchers ...Matcher) *Extractor {
	if len(matchers) == 0 {
		matchers = DefaultMatchers
	}
	return &Extractor{matchers: matchers}
}

// Extract returns the hangout link, else the first video entry point, else
// the first matcher hit in description + " " + location.
func (x *Extractor) Extract(ev CalendarEvent) (string, bool) {
	if ev.HangoutLink != "" {
		return ev.HangoutLink, true
	}

	for _, ep := range ev.EntryPoints {
		if ep.Type == "video" && ep.URI != "" {
			return ep.URI, true
		}
	}

	text := ev.Description + " " + ev.Location
	for _, m := range x.matchers {
		if link, ok := m.Match(text); ok {
			return link, true
		}
	}
	return "", false
}

var defaultExtractor = NewExtractor()

// ExtractLink resolves a link with DefaultMatchers.
func ExtractLink(ev CalendarEvent) (string, bool) {
	return defaultExtractor.Extract(ev)
}
