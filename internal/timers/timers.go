/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timers provides named one-shot alarms on an injectable clock.
package timers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmptyName is returned when scheduling an alarm without a name.
var ErrEmptyName = errors.New("alarm name is empty")

// Alarm is a pending named callback.
type Alarm struct {
	Name   string    `json:"name"`
	FireAt time.Time `json:"fireAt"`
}

// Facility schedules, cancels and enumerates named one-shot alarms.
type Facility interface {
	Schedule(name string, delay time.Duration) error
	Cancel(name string) bool
	List() []Alarm
}

// Handler receives the name of an alarm that fired.
type Handler func(name string)

type entry struct {
	alarm Alarm
	timer Stopper
}

// Manager is the Facility used by the daemon. Scheduling an existing name
// replaces it. An alarm is removed before its handler runs.
type Manager struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	alarms  map[string]*entry
	handler Handler
	closed  bool
}

// NewManager creates a Manager on clock.
func NewManager(clock Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = RealClock{}
	}
	return &Manager{
		clock:  clock,
		logger: logger.With().Str("component", "timers").Logger(),
		alarms: make(map[string]*entry),
	}
}

// OnFire sets the callback for fired alarms.
func (m *Manager) OnFire(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Clock returns the clock alarms are measured against.
func (m *Manager) Clock() Clock {
	return m.clock
}

// Schedule registers name to fire after delay. Negative delays fire as soon
// as possible.
func (m *Manager) Schedule(name string, delay time.Duration) error {
	if name == "" {
		return ErrEmptyName
	}
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("timer manager closed")
	}

	if old, ok := m.alarms[name]; ok {
		old.timer.Stop()
	}

	e := &entry{alarm: Alarm{Name: name, FireAt: m.clock.Now().Add(delay)}}
	e.timer = m.clock.AfterFunc(delay, func() { m.fire(name, e) })
	m.alarms[name] = e

	m.logger.Debug().
		Str("alarm", name).
		Time("fire_at", e.alarm.FireAt).
		Float64("delay_minutes", delay.Minutes()).
		Msg("alarm scheduled")
	return nil
}

// Cancel removes name and reports whether it was pending.
func (m *Manager) Cancel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.alarms[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.alarms, name)
	m.logger.Debug().Str("alarm", name).Msg("alarm cancelled")
	return true
}

// List returns pending alarms ordered by fire time, then name.
func (m *Manager) List() []Alarm {
	m.mu.Lock()
	out := make([]Alarm, 0, len(m.alarms))
	for _, e := range m.alarms {
		out = append(out, e.alarm)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Close stops every pending alarm.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.alarms {
		e.timer.Stop()
		delete(m.alarms, name)
	}
	m.closed = true
	return nil
}

func (m *Manager) fire(name string, e *entry) {
	m.mu.Lock()
	current, ok := m.alarms[name]
	if !ok || current != e {
		// replaced or cancelled after the runtime timer had already started
		m.mu.Unlock()
		return
	}
	delete(m.alarms, name)
	h := m.handler
	m.mu.Unlock()

	if h == nil {
		m.logger.Warn().Str("alarm", name).Msg("alarm fired with no handler")
		return
	}
	h(name)
}
