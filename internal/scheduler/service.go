/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler turns calendar events into open and close alarms and
// acts on them when they fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/autojoin/internal/calendar"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/friendsincode/autojoin/internal/meeting"
	"github.com/friendsincode/autojoin/internal/oauth"
	"github.com/friendsincode/autojoin/internal/tabs"
	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/friendsincode/autojoin/internal/timers"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Trigger reasons.
const (
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
	TriggerSettings = "settings_saved"
)

// SettingsStore is the settings side of the key-value store.
type SettingsStore interface {
	Load(ctx context.Context) (meeting.Settings, error)
	Save(ctx context.Context, s meeting.Settings) error
}

// SnapshotStore is the meeting snapshot side of the key-value store.
type SnapshotStore interface {
	Load(ctx context.Context) (meeting.Snapshot, error)
	Replace(ctx context.Context, snap meeting.Snapshot) error
}

// Deps are the collaborators of the Service.
type Deps struct {
	Tokens    oauth.TokenProvider
	Calendar  calendar.Source
	Settings  SettingsStore
	Snapshots SnapshotStore
	Alarms    timers.Facility
	Tabs      tabs.Controller
	Bus       events.Publisher
	Clock     timers.Clock
}

// Options tune the Service.
type Options struct {
	Lookahead time.Duration
	CheckCron string
	// Location bounds "today" for Upcoming. Defaults to time.Local.
	Location *time.Location
	// Extract overrides the default link extractor.
	Extract func(meeting.CalendarEvent) (string, bool)
}

// PassResult summarizes one completed pass.
type PassResult struct {
	ID        string             `json:"id"`
	Trigger   string             `json:"trigger"`
	StartedAt time.Time          `json:"started_at"`
	Fetched   int                `json:"fetched"`
	Scheduled int                `json:"scheduled"`
	Skipped   map[SkipReason]int `json:"skipped"`
	Alarms    ReconcileResult    `json:"alarms"`
}

// Status reports the most recent pass outcome.
type Status struct {
	LastPass  *PassResult `json:"last_pass,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	LastRunAt time.Time   `json:"last_run_at,omitempty"`
}

// Service owns scheduling passes and alarm handling.
type Service struct {
	deps      Deps
	extract   func(meeting.CalendarEvent) (string, bool)
	lookahead time.Duration
	cronSpec  string
	loc       *time.Location
	logger    zerolog.Logger

	// queue is the single pending-pass slot.
	queue  chan string
	passMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// New constructs the scheduler service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Lookahead <= 0 {
		opts.Lookahead = 24 * time.Hour
	}
	if opts.CheckCron == "" {
		opts.CheckCron = "*/15 * * * *"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Extract == nil {
		opts.Extract = meeting.ExtractLink
	}
	if deps.Clock == nil {
		deps.Clock = timers.RealClock{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	return &Service{
		deps:      deps,
		extract:   opts.Extract,
		lookahead: opts.Lookahead,
		cronSpec:  opts.CheckCron,
		loc:       opts.Location,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		queue:     make(chan string, 1),
	}
}

// Trigger requests a pass without blocking. It returns false when a pass is
// already pending, in which case the request is folded into that one.
func (s *Service) Trigger(reason string) bool {
	select {
	case s.queue <- reason:
		s.logger.Debug().Str("trigger", reason).Msg("pass queued")
		return true
	default:
		telemetry.SchedulerTriggersCoalesced.Inc()
		s.logger.Debug().Str("trigger", reason).Msg("pass already pending, coalesced")
		return false
	}
}

// Run executes queued passes until the context is cancelled. It schedules
// the periodic trigger and queues one pass immediately.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.logger}))
	if _, err := c.AddFunc(s.cronSpec, func() { s.Trigger(PeriodicJobName) }); err != nil {
		return fmt.Errorf("parse check cron %q: %w", s.cronSpec, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.Trigger(TriggerStartup)

	s.logger.Info().Str("cron", s.cronSpec).Dur("lookahead", s.lookahead).Msg("scheduler loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case reason := <-s.queue:
			s.runGuarded(ctx, reason)
		}
	}
}

// runGuarded is the recovery boundary for queued passes.
func (s *Service) runGuarded(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("trigger", reason).Msg("scheduling pass panicked")
			telemetry.SchedulerPassesTotal.WithLabelValues(reason, "panic").Inc()
		}
	}()

	if _, err := s.RunPass(ctx, reason); err != nil {
		if errors.Is(err, oauth.ErrNotSignedIn) {
			s.logger.Info().Str("trigger", reason).Msg("not signed in, skipping pass")
			return
		}
		s.logger.Error().Err(err).Str("trigger", reason).Msg("scheduling pass failed")
	}
}

// RunPass performs one scheduling pass. Credential and fetch failures leave
// the snapshot and alarms untouched.
func (s *Service) RunPass(ctx context.Context, trigger string) (*PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	started := time.Now()
	res := &PassResult{ID: uuid.NewString(), Trigger: trigger, StartedAt: s.deps.Clock.Now()}
	logger := s.logger.With().Str("pass_id", res.ID).Str("trigger", trigger).Logger()

	ctx, span := telemetry.StartSpan(ctx, "scheduler.pass", map[string]any{
		"pass.id":      res.ID,
		"pass.trigger": trigger,
	})
	defer span.End()

	err := s.runPass(ctx, res, logger)
	telemetry.SchedulerPassDuration.Observe(time.Since(started).Seconds())
	s.recordStatus(res, err)

	if err != nil {
		telemetry.RecordError(span, err)
		result := "error"
		if errors.Is(err, oauth.ErrNotSignedIn) {
			result = "not_signed_in"
		}
		telemetry.SchedulerPassesTotal.WithLabelValues(trigger, result).Inc()
		s.deps.Bus.Publish(events.EventPassFailed, events.Payload{
			"pass_id": res.ID,
			"trigger": trigger,
			"reason":  result,
			"error":   err.Error(),
		})
		return nil, err
	}

	telemetry.SchedulerPassesTotal.WithLabelValues(trigger, "success").Inc()
	telemetry.SchedulerMeetingsScheduled.Set(float64(res.Scheduled))
	telemetry.SchedulerLastPassTimestamp.SetToCurrentTime()
	telemetry.AddSpanAttributes(span, map[string]any{
		"pass.fetched":   res.Fetched,
		"pass.scheduled": res.Scheduled,
	})
	return res, nil
}

func (s *Service) runPass(ctx context.Context, res *PassResult, logger zerolog.Logger) error {
	token, err := s.silentToken(ctx)
	if err != nil {
		return err
	}

	now := s.deps.Clock.Now()
	evs, err := s.deps.Calendar.ListEvents(ctx, token, calendar.Query{
		TimeMin:      now,
		TimeMax:      now.Add(s.lookahead),
		SingleEvents: true,
	})
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	res.Fetched = len(evs)

	settings, err := s.deps.Settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	plan := planWith(s.extract, evs, settings, now)
	for reason, n := range plan.Skipped {
		telemetry.SchedulerEventsSkipped.WithLabelValues(string(reason)).Add(float64(n))
	}

	// The snapshot goes first so every alarm registered below has its record.
	if err := s.deps.Snapshots.Replace(ctx, plan.Snapshot); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	rec, err := reconcile(s.deps.Alarms, plan.Alarms, s.deps.Clock.Now())
	updatePendingGauge(s.deps.Alarms)
	if err != nil {
		return fmt.Errorf("reconcile alarms: %w", err)
	}

	res.Scheduled = len(plan.Snapshot)
	res.Skipped = plan.Skipped
	res.Alarms = rec

	for _, a := range plan.Alarms {
		logger.Debug().
			Str("meeting_id", a.MeetingID).
			Time("open_at", a.FireAt).
			Float64("delay_minutes", a.Delay.Minutes()).
			Msg("meeting scheduled")
	}
	logger.Info().
		Int("fetched", res.Fetched).
		Int("scheduled", res.Scheduled).
		Int("alarms_added", rec.Added).
		Int("alarms_kept", rec.Kept).
		Int("alarms_replaced", rec.Replaced).
		Int("alarms_cancelled", rec.Cancelled).
		Msg("scheduling pass complete")

	s.deps.Bus.Publish(events.EventMeetingsUpdated, events.Payload{
		"pass_id":  res.ID,
		"trigger":  res.Trigger,
		"count":    res.Scheduled,
		"meetings": plan.Snapshot,
	})
	return nil
}

func (s *Service) silentToken(ctx context.Context) (string, error) {
	token, err := s.deps.Tokens.Token(ctx, false)
	if err != nil {
		if errors.Is(err, oauth.ErrNotSignedIn) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", oauth.ErrNotSignedIn, err)
	}
	return token, nil
}

func (s *Service) recordStatus(res *PassResult, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.LastRunAt = res.StartedAt
	if err != nil {
		s.status.LastError = err.Error()
		return
	}
	s.status.LastError = ""
	s.status.LastPass = res
}

// Status returns the most recent pass outcome.
func (s *Service) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// OnAlarm adapts HandleAlarm to timers.Handler.
func (s *Service) OnAlarm(name string) {
	s.HandleAlarm(context.Background(), name)
}

// HandleAlarm dispatches a fired alarm. Nothing escapes it.
func (s *Service) HandleAlarm(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("alarm", name).Msg("alarm handler panicked")
			telemetry.AlarmsFiredTotal.WithLabelValues(alarmKind(name), "panic").Inc()
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "scheduler.alarm", map[string]any{"alarm.name": name})
	defer span.End()

	switch {
	case IsOpenAlarm(name):
		s.openMeeting(ctx, strings.TrimPrefix(name, OpenAlarmPrefix))
	case IsCloseAlarm(name):
		s.closeTab(ctx, strings.TrimPrefix(name, CloseAlarmPrefix))
	default:
		s.logger.Warn().Str("alarm", name).Msg("unknown alarm fired")
		telemetry.AlarmsFiredTotal.WithLabelValues("unknown", "ignored").Inc()
	}
	updatePendingGauge(s.deps.Alarms)
}

func alarmKind(name string) string {
	switch {
	case IsOpenAlarm(name):
		return "open"
	case IsCloseAlarm(name):
		return "close"
	default:
		return "unknown"
	}
}

func (s *Service) openMeeting(ctx context.Context, meetingID string) {
	logger := s.logger.With().Str("meeting_id", meetingID).Logger()

	snap, err := s.deps.Snapshots.Load(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("load snapshot for open alarm")
		telemetry.AlarmsFiredTotal.WithLabelValues("open", "error").Inc()
		s.publishMissed(meetingID, "snapshot_unavailable")
		return
	}

	m, ok := snap[meetingID]
	if !ok {
		// The snapshot was replaced after this alarm was registered.
		logger.Info().Msg("meeting no longer in snapshot, not opening")
		telemetry.AlarmsFiredTotal.WithLabelValues("open", "missed").Inc()
		s.publishMissed(meetingID, "not_in_snapshot")
		return
	}

	tabID, err := s.deps.Tabs.Open(ctx, m.Link)
	if err != nil {
		logger.Error().Err(err).Str("link", m.Link).Msg("failed to open meeting tab")
		telemetry.AlarmsFiredTotal.WithLabelValues("open", "error").Inc()
		s.publishMissed(meetingID, "tab_open_failed")
		return
	}
	logger.Info().Str("title", m.Title).Str("tab_id", tabID).Msg("meeting tab opened")
	telemetry.AlarmsFiredTotal.WithLabelValues("open", "success").Inc()
	s.deps.Bus.Publish(events.EventTabOpened, events.Payload{
		"meeting_id": m.ID,
		"title":      m.Title,
		"link":       m.Link,
		"tab_id":     tabID,
	})

	settings, err := s.deps.Settings.Load(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load settings, leaving tab open")
		return
	}
	if !settings.CloseAfterMeeting {
		return
	}
	now := s.deps.Clock.Now()
	if !m.EndTime.After(now) {
		return
	}
	if err := s.deps.Alarms.Schedule(CloseAlarmName(tabID), m.EndTime.Sub(now)); err != nil {
		logger.Error().Err(err).Str("tab_id", tabID).Msg("failed to schedule tab close")
		return
	}
	logger.Debug().Str("tab_id", tabID).Time("close_at", m.EndTime).Msg("tab close scheduled")
}

func (s *Service) publishMissed(meetingID, reason string) {
	s.deps.Bus.Publish(events.EventOpenMissed, events.Payload{
		"meeting_id": meetingID,
		"reason":     reason,
	})
}

func (s *Service) closeTab(ctx context.Context, tabID string) {
	logger := s.logger.With().Str("tab_id", tabID).Logger()

	err := s.deps.Tabs.Close(ctx, tabID)
	switch {
	case err == nil:
		logger.Info().Msg("meeting tab closed")
		telemetry.AlarmsFiredTotal.WithLabelValues("close", "success").Inc()
		s.deps.Bus.Publish(events.EventTabClosed, events.Payload{"tab_id": tabID})
	case errors.Is(err, tabs.ErrTabNotFound):
		logger.Info().Msg("tab already closed")
		telemetry.AlarmsFiredTotal.WithLabelValues("close", "not_found").Inc()
	default:
		logger.Error().Err(err).Msg("failed to close meeting tab")
		telemetry.AlarmsFiredTotal.WithLabelValues("close", "error").Inc()
	}
}

// Upcoming lists today's remaining meetings with a link, ordered by start.
// Errors are returned to the caller.
func (s *Service) Upcoming(ctx context.Context) ([]meeting.ScheduledMeeting, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.upcoming", nil)
	defer span.End()

	token, err := s.silentToken(ctx)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock.Now().In(s.loc)
	y, m, d := now.Date()
	endOfDay := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)

	evs, err := s.deps.Calendar.ListEvents(ctx, token, calendar.Query{
		TimeMin:          now,
		TimeMax:          endOfDay,
		SingleEvents:     true,
		OrderByStartTime: true,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	out := make([]meeting.ScheduledMeeting, 0, len(evs))
	for _, ev := range evs {
		link, ok := s.extract(ev)
		if !ok {
			continue
		}
		start, err := ev.Start.Resolve()
		if err != nil {
			continue
		}
		end, err := ev.End.Resolve()
		if err != nil {
			continue
		}
		out = append(out, meeting.ScheduledMeeting{
			ID:        ev.ID,
			Title:     ev.Title(),
			Link:      link,
			StartTime: start,
			EndTime:   end,
		})
	}
	return out, nil
}

// Meetings returns the current snapshot.
func (s *Service) Meetings(ctx context.Context) (meeting.Snapshot, error) {
	return s.deps.Snapshots.Load(ctx)
}

// Alarms lists pending alarms.
func (s *Service) Alarms() []timers.Alarm {
	return s.deps.Alarms.List()
}

// Settings returns the current settings.
func (s *Service) Settings(ctx context.Context) (meeting.Settings, error) {
	return s.deps.Settings.Load(ctx)
}

// SaveSettings validates and stores settings, then queues a pass so the new
// lead time applies at once.
func (s *Service) SaveSettings(ctx context.Context, settings meeting.Settings) (meeting.Settings, error) {
	if err := settings.Validate(); err != nil {
		return meeting.Settings{}, err
	}
	if err := s.deps.Settings.Save(ctx, settings); err != nil {
		return meeting.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	s.logger.Info().
		Int("minutes_before_meeting", settings.MinutesBeforeMeeting).
		Bool("close_after_meeting", settings.CloseAfterMeeting).
		Msg("settings saved")
	s.deps.Bus.Publish(events.EventSettingsUpdated, events.Payload{
		"minutesBeforeMeeting": settings.MinutesBeforeMeeting,
		"closeAfterMeeting":    settings.CloseAfterMeeting,
	})
	s.Trigger(TriggerSettings)
	return settings, nil
}

// cronLogger routes robfig/cron logs through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
