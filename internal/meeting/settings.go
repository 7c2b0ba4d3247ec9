/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package meeting

import (
	"fmt"
	"time"
)

const (
	DefaultMinutesBeforeMeeting = 5
	DefaultCloseAfterMeeting    = true

	// MaxMinutesBeforeMeeting bounds user input; the lookahead window is a day.
	MaxMinutesBeforeMeeting = 24 * 60
)

// Settings are the user preferences kept in the synced scope.
type Settings struct {
	MinutesBeforeMeeting int  `json:"minutesBeforeMeeting"`
	CloseAfterMeeting    bool `json:"closeAfterMeeting"`
}

// DefaultSettings returns the first-run preferences.
func DefaultSettings() Settings {
	return Settings{
		MinutesBeforeMeeting: DefaultMinutesBeforeMeeting,
		CloseAfterMeeting:    DefaultCloseAfterMeeting,
	}
}

// Normalize replaces a missing or non-positive lead time with the default.
func (s Settings) Normalize() Settings {
	if s.MinutesBeforeMeeting <= 0 {
		s.MinutesBeforeMeeting = DefaultMinutesBeforeMeeting
	}
	return s
}

// LeadTime is MinutesBeforeMeeting as a duration.
func (s Settings) LeadTime() time.Duration {
	return time.Duration(s.Normalize().MinutesBeforeMeeting) * time.Minute
}

// Validate rejects values a user should not be able to save.
func (s Settings) Validate() error {
	if s.MinutesBeforeMeeting < 1 || s.MinutesBeforeMeeting > MaxMinutesBeforeMeeting {
		return fmt.Errorf("minutesBeforeMeeting must be between 1 and %d, got %d", MaxMinutesBeforeMeeting, s.MinutesBeforeMeeting)
	}
	return nil
}
