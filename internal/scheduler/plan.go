/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"strings"
	"time"

	"github.com/friendsincode/autojoin/internal/meeting"
)

// Alarm names. Identifiers that themselves contain a prefix are not
// distinguished.
const (
	OpenAlarmPrefix  = "openMeeting_"
	CloseAlarmPrefix = "closeMeeting_"
	// PeriodicJobName labels the cron-driven pass in logs.
	PeriodicJobName = "checkUpcomingMeetings"
)

// SkipReason explains why an event produced no open alarm.
type SkipReason string

const (
	SkipNoLink      SkipReason = "no_link"
	SkipBadTime     SkipReason = "bad_time"
	SkipLeadElapsed SkipReason = "lead_elapsed"
)

// OpenAlarmName returns the alarm name for a meeting.
func OpenAlarmName(meetingID string) string { return OpenAlarmPrefix + meetingID }

// CloseAlarmName returns the alarm name for a tab.
func CloseAlarmName(tabID string) string { return CloseAlarmPrefix + tabID }

// IsOpenAlarm reports whether name belongs to an open alarm.
func IsOpenAlarm(name string) bool { return strings.HasPrefix(name, OpenAlarmPrefix) }

// IsCloseAlarm reports whether name belongs to a close alarm.
func IsCloseAlarm(name string) bool { return strings.HasPrefix(name, CloseAlarmPrefix) }

// DesiredAlarm is an open alarm the pass wants registered.
type DesiredAlarm struct {
	Name      string
	MeetingID string
	FireAt    time.Time
	// Delay is FireAt minus the evaluation instant; fractional minutes are kept.
	Delay time.Duration
}

// PassPlan is the outcome of planning one pass.
type PassPlan struct {
	Alarms   map[string]DesiredAlarm
	Snapshot meeting.Snapshot
	Skipped  map[SkipReason]int
}

// Plan applies the scheduling policy to events at now. It is pure.
func Plan(events []meeting.CalendarEvent, settings meeting.Settings, now time.Time) PassPlan {
	return planWith(meeting.ExtractLink, events, settings, now)
}

func planWith(extract func(meeting.CalendarEvent) (string, bool), events []meeting.CalendarEvent, settings meeting.Settings, now time.Time) PassPlan {
	plan := PassPlan{
		Alarms:   make(map[string]DesiredAlarm),
		Snapshot: meeting.Snapshot{},
		Skipped:  make(map[SkipReason]int),
	}
	lead := settings.Normalize().LeadTime()

	for _, ev := range events {
		link, ok := extract(ev)
		if !ok {
			plan.Skipped[SkipNoLink]++
			continue
		}
		start, err := ev.Start.Resolve()
		if err != nil {
			plan.Skipped[SkipBadTime]++
			continue
		}
		end, err := ev.End.Resolve()
		if err != nil {
			plan.Skipped[SkipBadTime]++
			continue
		}

		openAt := start.Add(-lead)
		if !openAt.After(now) {
			plan.Skipped[SkipLeadElapsed]++
			continue
		}

		// Duplicate identifiers: the later event overwrites the earlier one.
		name := OpenAlarmName(ev.ID)
		plan.Alarms[name] = DesiredAlarm{
			Name:      name,
			MeetingID: ev.ID,
			FireAt:    openAt,
			Delay:     openAt.Sub(now),
		}
		plan.Snapshot[ev.ID] = meeting.ScheduledMeeting{
			ID:        ev.ID,
			Title:     ev.Title(),
			Link:      link,
			StartTime: start,
			EndTime:   end,
		}
	}
	return plan
}
