/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package meeting holds the calendar event model, link resolution and the
// settings that drive scheduling.
package meeting

import (
	"fmt"
	"time"
)

// DefaultTitle is used for events without a summary.
const DefaultTitle = "Unnamed meeting"

// CalendarEvent is a provider event as fetched for one lookahead window.
type CalendarEvent struct {
	ID          string       `json:"id"`
	Summary     string       `json:"summary,omitempty"`
	Start       EventTime    `json:"start"`
	End         EventTime    `json:"end"`
	HangoutLink string       `json:"hangoutLink,omitempty"`
	EntryPoints []EntryPoint `json:"entryPoints,omitempty"`
	Description string       `json:"description,omitempty"`
	Location    string       `json:"location,omitempty"`
}

// EventTime carries either a precise timestamp or an all-day date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// EntryPoint is one conference access method.
type EntryPoint struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

// Resolve prefers DateTime (RFC 3339) and falls back to Date, which is read
// as midnight UTC.
func (t EventTime) Resolve() (time.Time, error) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse dateTime %q: %w", t.DateTime, err)
		}
		return ts, nil
	}
	if t.Date != "" {
		ts, err := time.Parse(time.DateOnly, t.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", t.Date, err)
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("event time has neither dateTime nor date")
}

// Title returns the summary or DefaultTitle.
func (e CalendarEvent) Title() string {
	if e.Summary == "" {
		return DefaultTitle
	}
	return e.Summary
}

// ScheduledMeeting is the snapshot record consulted when an open alarm fires.
type ScheduledMeeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// Snapshot maps event identifier to its scheduled record. It is always
// replaced as a whole.
type Snapshot map[string]ScheduledMeeting
