/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"

	"github.com/friendsincode/autojoin/internal/meeting"
)

// Well-known keys.
const (
	KeyMinutesBeforeMeeting = "minutesBeforeMeeting"
	KeyCloseAfterMeeting    = "closeAfterMeeting"
	KeyMeetings             = "meetings"
)

// SettingsRepo reads and writes user settings in the sync scope.
type SettingsRepo struct {
	store Store
}

func NewSettingsRepo(s Store) *SettingsRepo {
	return &SettingsRepo{store: s}
}

// Load returns stored settings with defaults applied to missing keys.
func (r *SettingsRepo) Load(ctx context.Context) (meeting.Settings, error) {
	settings := meeting.DefaultSettings()

	var minutes int
	found, err := r.store.Get(ctx, KeyMinutesBeforeMeeting, &minutes)
	if err != nil {
		return settings, err
	}
	if found {
		settings.MinutesBeforeMeeting = minutes
	}

	var closeAfter bool
	found, err = r.store.Get(ctx, KeyCloseAfterMeeting, &closeAfter)
	if err != nil {
		return settings, err
	}
	if found {
		settings.CloseAfterMeeting = closeAfter
	}

	return settings.Normalize(), nil
}

// Save writes both settings keys.
func (r *SettingsRepo) Save(ctx context.Context, s meeting.Settings) error {
	if err := r.store.Set(ctx, KeyMinutesBeforeMeeting, s.MinutesBeforeMeeting); err != nil {
		return err
	}
	return r.store.Set(ctx, KeyCloseAfterMeeting, s.CloseAfterMeeting)
}

// EnsureDefaults writes defaults for keys that were never set and reports
// which keys it seeded.
func (r *SettingsRepo) EnsureDefaults(ctx context.Context) ([]string, error) {
	defaults := meeting.DefaultSettings()
	var seeded []string

	for _, kv := range []struct {
		key   string
		value any
	}{
		{KeyMinutesBeforeMeeting, defaults.MinutesBeforeMeeting},
		{KeyCloseAfterMeeting, defaults.CloseAfterMeeting},
	} {
		var raw any
		found, err := r.store.Get(ctx, kv.key, &raw)
		if err != nil {
			return seeded, err
		}
		if found {
			continue
		}
		if err := r.store.Set(ctx, kv.key, kv.value); err != nil {
			return seeded, err
		}
		seeded = append(seeded, kv.key)
	}
	return seeded, nil
}

// SnapshotRepo holds the meeting snapshot in the local scope.
type SnapshotRepo struct {
	store Store
}

func NewSnapshotRepo(s Store) *SnapshotRepo {
	return &SnapshotRepo{store: s}
}

// Load returns the current snapshot, empty when none was written.
func (r *SnapshotRepo) Load(ctx context.Context) (meeting.Snapshot, error) {
	snap := meeting.Snapshot{}
	if _, err := r.store.Get(ctx, KeyMeetings, &snap); err != nil {
		return meeting.Snapshot{}, err
	}
	if snap == nil {
		snap = meeting.Snapshot{}
	}
	return snap, nil
}

// Replace overwrites the snapshot as a whole.
func (r *SnapshotRepo) Replace(ctx context.Context, snap meeting.Snapshot) error {
	if snap == nil {
		snap = meeting.Snapshot{}
	}
	return r.store.Set(ctx, KeyMeetings, snap)
}
