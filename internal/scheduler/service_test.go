package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/autojoin/internal/calendar"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/friendsincode/autojoin/internal/meeting"
	"github.com/friendsincode/autojoin/internal/oauth"
	"github.com/friendsincode/autojoin/internal/store"
	"github.com/friendsincode/autojoin/internal/tabs"
	"github.com/friendsincode/autojoin/internal/timers"
	"github.com/rs/zerolog"
)

var baseNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) Token(_ context.Context, interactive bool) (string, error) {
	f.calls++
	if interactive {
		return "", errors.New("interactive token requested")
	}
	return f.token, f.err
}

type fakeCalendar struct {
	mu      sync.Mutex
	events  []meeting.CalendarEvent
	err     error
	queries []calendar.Query
	tokens  []string
}

func (f *fakeCalendar) ListEvents(_ context.Context, token string, q calendar.Query) ([]meeting.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return nil, f.err
	}
	return append([]meeting.CalendarEvent(nil), f.events...), nil
}

func (f *fakeCalendar) set(evs ...meeting.CalendarEvent) {
	f.mu.Lock()
	f.events = evs
	f.mu.Unlock()
}

type fakeTabs struct {
	mu        sync.Mutex
	opened    []string
	closed    []string
	openErr   error
	closeErr  error
	openPanic bool
}

func (f *fakeTabs) Open(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openPanic {
		panic("browser exploded")
	}
	if f.openErr != nil {
		return "", f.openErr
	}
	f.opened = append(f.opened, url)
	return "tab-" + string(rune('0'+len(f.opened))), nil
}

func (f *fakeTabs) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, id)
	return nil
}

type harness struct {
	svc       *Service
	clock     *timers.ManualClock
	alarms    *timers.Manager
	tokens    *fakeTokens
	cal       *fakeCalendar
	tabs      *fakeTabs
	bus       *events.Bus
	settings  *store.SettingsRepo
	snapshots *store.SnapshotRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     timers.NewManualClock(baseNow),
		tokens:    &fakeTokens{token: "access-token"},
		cal:       &fakeCalendar{},
		tabs:      &fakeTabs{},
		bus:       events.NewBus(),
		settings:  store.NewSettingsRepo(store.NewMemory()),
		snapshots: store.NewSnapshotRepo(store.NewMemory()),
	}
	h.alarms = timers.NewManager(h.clock, zerolog.Nop())
	t.Cleanup(func() { _ = h.alarms.Close() })

	h.svc = New(Deps{
		Tokens:    h.tokens,
		Calendar:  h.cal,
		Settings:  h.settings,
		Snapshots: h.snapshots,
		Alarms:    h.alarms,
		Tabs:      h.tabs,
		Bus:       h.bus,
		Clock:     h.clock,
	}, Options{Location: time.UTC}, zerolog.Nop())
	h.alarms.OnFire(h.svc.OnAlarm)
	return h
}

func (h *harness) snapshot(t *testing.T) meeting.Snapshot {
	t.Helper()
	snap, err := h.snapshots.Load(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return snap
}

func alarmNames(alarms []timers.Alarm) []string {
	out := make([]string, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, a.Name)
	}
	return out
}

func linked(id string, start, end time.Time) meeting.CalendarEvent {
	return meeting.CalendarEvent{
		ID:          id,
		Summary:     "Meeting " + id,
		Start:       meeting.EventTime{DateTime: start.Format(time.RFC3339)},
		End:         meeting.EventTime{DateTime: end.Format(time.RFC3339)},
		HangoutLink: "https://meet.google.com/" + id,
	}
}

func expectEvent(t *testing.T, sub events.Subscriber) events.Payload {
	t.Helper()
	select {
	case p := <-sub:
		return p
	default:
		t.Fatal("expected an event")
		return nil
	}
}

func expectNoEvent(t *testing.T, sub events.Subscriber) {
	t.Helper()
	select {
	case p := <-sub:
		t.Fatalf("unexpected event: %v", p)
	default:
	}
}

func TestPlanScenarios(t *testing.T) {
	settings := meeting.Settings{MinutesBeforeMeeting: 5, CloseAfterMeeting: true}

	tests := []struct {
		name      string
		event     meeting.CalendarEvent
		wantDelay time.Duration
		wantSkip  SkipReason
	}{
		{
			name:      "ten minutes out opens in five",
			event:     linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)),
			wantDelay: 5 * time.Minute,
		},
		{
			name:     "three minutes out is skipped",
			event:    linked("b", baseNow.Add(3*time.Minute), baseNow.Add(30*time.Minute)),
			wantSkip: SkipLeadElapsed,
		},
		{
			name:     "open time equal to now is skipped",
			event:    linked("c", baseNow.Add(5*time.Minute), baseNow.Add(30*time.Minute)),
			wantSkip: SkipLeadElapsed,
		},
		{
			name:     "in progress is skipped",
			event:    linked("d", baseNow.Add(-10*time.Minute), baseNow.Add(20*time.Minute)),
			wantSkip: SkipLeadElapsed,
		},
		{
			name:      "fractional delay is kept",
			event:     linked("e", baseNow.Add(5*time.Minute+30*time.Second), baseNow.Add(time.Hour)),
			wantDelay: 30 * time.Second,
		},
		{
			name: "no link is skipped",
			event: meeting.CalendarEvent{
				ID:    "f",
				Start: meeting.EventTime{DateTime: baseNow.Add(time.Hour).Format(time.RFC3339)},
				End:   meeting.EventTime{DateTime: baseNow.Add(2 * time.Hour).Format(time.RFC3339)},
			},
			wantSkip: SkipNoLink,
		},
		{
			name: "all-day date falls back to midnight UTC",
			event: meeting.CalendarEvent{
				ID:          "g",
				Start:       meeting.EventTime{Date: "2026-03-03"},
				End:         meeting.EventTime{Date: "2026-03-04"},
				HangoutLink: "https://meet.google.com/all-day",
			},
			wantDelay: 14*time.Hour + 55*time.Minute,
		},
		{
			name: "unparseable time is skipped",
			event: meeting.CalendarEvent{
				ID:          "h",
				Start:       meeting.EventTime{DateTime: "tomorrow-ish"},
				End:         meeting.EventTime{DateTime: "later"},
				HangoutLink: "https://meet.google.com/h",
			},
			wantSkip: SkipBadTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan([]meeting.CalendarEvent{tt.event}, settings, baseNow)

			if tt.wantSkip != "" {
				if len(plan.Alarms) != 0 || len(plan.Snapshot) != 0 {
					t.Fatalf("expected event to be skipped, got alarms=%v snapshot=%v", plan.Alarms, plan.Snapshot)
				}
				if plan.Skipped[tt.wantSkip] != 1 {
					t.Fatalf("expected skip reason %q, got %v", tt.wantSkip, plan.Skipped)
				}
				return
			}

			alarm, ok := plan.Alarms[OpenAlarmName(tt.event.ID)]
			if !ok {
				t.Fatalf("expected open alarm, got %v (skipped %v)", plan.Alarms, plan.Skipped)
			}
			if alarm.Delay != tt.wantDelay {
				t.Fatalf("delay = %s, want %s", alarm.Delay, tt.wantDelay)
			}
			if _, ok := plan.Snapshot[tt.event.ID]; !ok {
				t.Fatal("expected snapshot entry")
			}
		})
	}
}

func TestPlanDelayInMinutes(t *testing.T) {
	plan := Plan([]meeting.CalendarEvent{
		linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)),
		linked("b", baseNow.Add(5*time.Minute+30*time.Second), baseNow.Add(40*time.Minute)),
	}, meeting.DefaultSettings(), baseNow)

	if got := plan.Alarms[OpenAlarmName("a")].Delay.Minutes(); got != 5.0 {
		t.Fatalf("expected 5.0 minutes, got %v", got)
	}
	if got := plan.Alarms[OpenAlarmName("b")].Delay.Minutes(); got != 0.5 {
		t.Fatalf("expected 0.5 minutes, got %v", got)
	}
}

func TestPlanUsesDefaultLeadTimeForNonPositive(t *testing.T) {
	plan := Plan([]meeting.CalendarEvent{
		linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)),
	}, meeting.Settings{MinutesBeforeMeeting: 0}, baseNow)

	if got := plan.Alarms[OpenAlarmName("a")].FireAt; !got.Equal(baseNow.Add(5 * time.Minute)) {
		t.Fatalf("expected default 5 minute lead, fire at %s", got)
	}
}

func TestPlanSnapshotRecord(t *testing.T) {
	ev := linked("a", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour))
	ev.Summary = ""

	plan := Plan([]meeting.CalendarEvent{ev}, meeting.DefaultSettings(), baseNow)

	want := meeting.ScheduledMeeting{
		ID:        "a",
		Title:     meeting.DefaultTitle,
		Link:      "https://meet.google.com/a",
		StartTime: baseNow.Add(time.Hour),
		EndTime:   baseNow.Add(2 * time.Hour),
	}
	got := plan.Snapshot["a"]
	if got.ID != want.ID || got.Title != want.Title || got.Link != want.Link ||
		!got.StartTime.Equal(want.StartTime) || !got.EndTime.Equal(want.EndTime) {
		t.Fatalf("snapshot record = %+v, want %+v", got, want)
	}
}

// Two events sharing an identifier: the later one wins in both the alarm
// set and the snapshot.
func TestPlanDuplicateIDsLastWriteWins(t *testing.T) {
	first := linked("dup", baseNow.Add(30*time.Minute), baseNow.Add(time.Hour))
	second := linked("dup", baseNow.Add(2*time.Hour), baseNow.Add(3*time.Hour))
	second.HangoutLink = "https://meet.google.com/second"

	plan := Plan([]meeting.CalendarEvent{first, second}, meeting.DefaultSettings(), baseNow)

	if len(plan.Alarms) != 1 || len(plan.Snapshot) != 1 {
		t.Fatalf("expected one alarm and one record, got %d/%d", len(plan.Alarms), len(plan.Snapshot))
	}
	if got := plan.Alarms[OpenAlarmName("dup")].FireAt; !got.Equal(baseNow.Add(2*time.Hour - 5*time.Minute)) {
		t.Fatalf("expected second event's open time, got %s", got)
	}
	if got := plan.Snapshot["dup"].Link; got != "https://meet.google.com/second" {
		t.Fatalf("expected second event's link, got %s", got)
	}
}

func TestRunPassIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.cal.set(
		linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)),
		linked("b", baseNow.Add(2*time.Hour), baseNow.Add(3*time.Hour)),
		linked("late", baseNow.Add(2*time.Minute), baseNow.Add(30*time.Minute)),
	)

	first, err := h.svc.RunPass(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	alarmsAfterFirst := h.alarms.List()
	snapAfterFirst := h.snapshot(t)

	second, err := h.svc.RunPass(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if !reflect.DeepEqual(alarmsAfterFirst, h.alarms.List()) {
		t.Fatalf("alarms changed: %v -> %v", alarmsAfterFirst, h.alarms.List())
	}
	if !reflect.DeepEqual(snapAfterFirst, h.snapshot(t)) {
		t.Fatalf("snapshot changed: %v -> %v", snapAfterFirst, h.snapshot(t))
	}
	wantNames := []string{OpenAlarmName("a"), OpenAlarmName("b")}
	if got := alarmNames(h.alarms.List()); !reflect.DeepEqual(got, wantNames) {
		t.Fatalf("alarms = %v, want %v", got, wantNames)
	}
	if first.Alarms.Added != 2 || second.Alarms.Added != 0 || second.Alarms.Kept != 2 {
		t.Fatalf("unexpected reconcile results: first=%+v second=%+v", first.Alarms, second.Alarms)
	}
	if second.Skipped[SkipLeadElapsed] != 1 {
		t.Fatalf("expected one skipped event, got %v", second.Skipped)
	}
}

func TestRunPassEmptyClearsOpenAlarmsOnly(t *testing.T) {
	h := newHarness(t)
	if err := h.alarms.Schedule(OpenAlarmName("stale"), time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.alarms.Schedule(CloseAlarmName("tab-9"), time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.snapshots.Replace(context.Background(), meeting.Snapshot{"stale": {ID: "stale"}}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	res, err := h.svc.RunPass(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := alarmNames(h.alarms.List()); !reflect.DeepEqual(got, []string{CloseAlarmName("tab-9")}) {
		t.Fatalf("expected only the close alarm to remain, got %v", got)
	}
	if snap := h.snapshot(t); len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap)
	}
	if res.Alarms.Cancelled != 1 {
		t.Fatalf("expected one cancellation, got %+v", res.Alarms)
	}
}

func TestRunPassReconcilesChanges(t *testing.T) {
	h := newHarness(t)
	h.cal.set(
		linked("moved", baseNow.Add(30*time.Minute), baseNow.Add(time.Hour)),
		linked("removed", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour)),
		linked("same", baseNow.Add(3*time.Hour), baseNow.Add(4*time.Hour)),
	)
	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	h.cal.set(
		linked("moved", baseNow.Add(90*time.Minute), baseNow.Add(2*time.Hour)),
		linked("same", baseNow.Add(3*time.Hour), baseNow.Add(4*time.Hour)),
		linked("new", baseNow.Add(5*time.Hour), baseNow.Add(6*time.Hour)),
	)
	res, err := h.svc.RunPass(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	want := ReconcileResult{Kept: 1, Added: 1, Replaced: 1, Cancelled: 1}
	if res.Alarms != want {
		t.Fatalf("reconcile = %+v, want %+v", res.Alarms, want)
	}
	for _, a := range h.alarms.List() {
		if a.Name == OpenAlarmName("moved") && !a.FireAt.Equal(baseNow.Add(85*time.Minute)) {
			t.Fatalf("moved alarm fires at %s", a.FireAt)
		}
		if a.Name == OpenAlarmName("removed") {
			t.Fatal("removed meeting still has an alarm")
		}
	}
}

func TestRunPassQueriesLookaheadWindow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if len(h.cal.queries) != 1 {
		t.Fatalf("expected one query, got %d", len(h.cal.queries))
	}
	q := h.cal.queries[0]
	if !q.TimeMin.Equal(baseNow) || !q.TimeMax.Equal(baseNow.Add(24*time.Hour)) {
		t.Fatalf("unexpected window %s .. %s", q.TimeMin, q.TimeMax)
	}
	if !q.SingleEvents || q.OrderByStartTime {
		t.Fatalf("unexpected query flags: %+v", q)
	}
	if h.cal.tokens[0] != "access-token" {
		t.Fatalf("expected bearer token to be passed, got %q", h.cal.tokens[0])
	}
}

func TestRunPassPublishesMeetingsUpdated(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(events.EventMeetingsUpdated)
	h.cal.set(linked("a", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour)))

	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("pass: %v", err)
	}
	p := expectEvent(t, sub)
	if p["count"] != 1 || p["trigger"] != TriggerManual {
		t.Fatalf("unexpected payload: %v", p)
	}
}

func TestRunPassFailuresLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name:    "not signed in",
			setup:   func(h *harness) { h.tokens.err = oauth.ErrNotSignedIn },
			wantErr: oauth.ErrNotSignedIn,
		},
		{
			name:    "token refresh error",
			setup:   func(h *harness) { h.tokens.err = errors.New("invalid_grant") },
			wantErr: oauth.ErrNotSignedIn,
		},
		{
			name: "calendar non-2xx",
			setup: func(h *harness) {
				h.cal.err = &calendar.FetchError{StatusCode: 500, Err: errors.New("backend error")}
			},
			wantErr: calendar.ErrFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cal.set(linked("a", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour)))
			if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
				t.Fatalf("seed pass: %v", err)
			}
			alarmsBefore := h.alarms.List()
			snapBefore := h.snapshot(t)

			failed := h.bus.Subscribe(events.EventPassFailed)
			updated := h.bus.Subscribe(events.EventMeetingsUpdated)
			h.cal.set()
			tt.setup(h)

			_, err := h.svc.RunPass(context.Background(), TriggerManual)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !reflect.DeepEqual(alarmsBefore, h.alarms.List()) {
				t.Fatalf("alarms mutated: %v -> %v", alarmsBefore, h.alarms.List())
			}
			if !reflect.DeepEqual(snapBefore, h.snapshot(t)) {
				t.Fatalf("snapshot mutated: %v -> %v", snapBefore, h.snapshot(t))
			}
			expectEvent(t, failed)
			expectNoEvent(t, updated)
			if h.svc.Status().LastError == "" {
				t.Fatal("expected status to record the error")
			}
		})
	}
}

func TestRunPassNotSignedInSkipsFetch(t *testing.T) {
	h := newHarness(t)
	h.tokens.err = oauth.ErrNotSignedIn

	if _, err := h.svc.RunPass(context.Background(), TriggerManual); !errors.Is(err, oauth.ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
	if len(h.cal.queries) != 0 {
		t.Fatal("calendar must not be queried without a token")
	}
}

func TestOpenAlarmOpensTabAndSchedulesClose(t *testing.T) {
	h := newHarness(t)
	opened := h.bus.Subscribe(events.EventTabOpened)
	closed := h.bus.Subscribe(events.EventTabClosed)
	h.cal.set(linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)))

	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("pass: %v", err)
	}

	h.clock.Advance(5*time.Minute - time.Second)
	if len(h.tabs.opened) != 0 {
		t.Fatal("tab opened too early")
	}

	h.clock.Advance(time.Second)
	if !reflect.DeepEqual(h.tabs.opened, []string{"https://meet.google.com/a"}) {
		t.Fatalf("unexpected opened tabs: %v", h.tabs.opened)
	}
	p := expectEvent(t, opened)
	if p["tab_id"] != "tab-1" || p["meeting_id"] != "a" {
		t.Fatalf("unexpected tab_opened payload: %v", p)
	}

	alarms := h.alarms.List()
	if len(alarms) != 1 || alarms[0].Name != CloseAlarmName("tab-1") || !alarms[0].FireAt.Equal(baseNow.Add(40*time.Minute)) {
		t.Fatalf("expected close alarm at meeting end, got %v", alarms)
	}

	h.clock.Advance(35 * time.Minute)
	if !reflect.DeepEqual(h.tabs.closed, []string{"tab-1"}) {
		t.Fatalf("unexpected closed tabs: %v", h.tabs.closed)
	}
	expectEvent(t, closed)
	if len(h.alarms.List()) != 0 {
		t.Fatalf("expected no pending alarms, got %v", h.alarms.List())
	}
}

func TestOpenAlarmWithoutCloseAfterMeeting(t *testing.T) {
	h := newHarness(t)
	if err := h.settings.Save(context.Background(), meeting.Settings{MinutesBeforeMeeting: 5, CloseAfterMeeting: false}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	h.cal.set(linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)))
	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("pass: %v", err)
	}

	h.clock.Advance(5 * time.Minute)

	if len(h.tabs.opened) != 1 {
		t.Fatalf("expected tab to open, got %v", h.tabs.opened)
	}
	if alarms := h.alarms.List(); len(alarms) != 0 {
		t.Fatalf("expected no close alarm, got %v", alarms)
	}
}

func TestOpenAlarmAfterMeetingEndSchedulesNoClose(t *testing.T) {
	h := newHarness(t)
	if err := h.snapshots.Replace(context.Background(), meeting.Snapshot{
		"short": {ID: "short", Link: "https://zoom.us/j/1", StartTime: baseNow, EndTime: baseNow.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := h.alarms.Schedule(OpenAlarmName("short"), 2*time.Minute); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	h.clock.Advance(2 * time.Minute)

	if len(h.tabs.opened) != 1 {
		t.Fatalf("expected tab to open, got %v", h.tabs.opened)
	}
	if alarms := h.alarms.List(); len(alarms) != 0 {
		t.Fatalf("meeting already over, expected no close alarm, got %v", alarms)
	}
}

func TestOpenAlarmMissingFromSnapshot(t *testing.T) {
	h := newHarness(t)
	missed := h.bus.Subscribe(events.EventOpenMissed)
	if err := h.alarms.Schedule(OpenAlarmName("ghost"), time.Minute); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	h.clock.Advance(time.Minute)

	if len(h.tabs.opened) != 0 {
		t.Fatalf("expected no tab, got %v", h.tabs.opened)
	}
	p := expectEvent(t, missed)
	if p["meeting_id"] != "ghost" || p["reason"] != "not_in_snapshot" {
		t.Fatalf("unexpected payload: %v", p)
	}
}

func TestOpenAlarmTabFailure(t *testing.T) {
	h := newHarness(t)
	missed := h.bus.Subscribe(events.EventOpenMissed)
	h.tabs.openErr = errors.New("browser not running")
	h.cal.set(linked("a", baseNow.Add(10*time.Minute), baseNow.Add(40*time.Minute)))
	if _, err := h.svc.RunPass(context.Background(), TriggerManual); err != nil {
		t.Fatalf("pass: %v", err)
	}

	h.clock.Advance(5 * time.Minute)

	p := expectEvent(t, missed)
	if p["reason"] != "tab_open_failed" {
		t.Fatalf("unexpected payload: %v", p)
	}
	if len(h.alarms.List()) != 0 {
		t.Fatal("no close alarm expected when the tab never opened")
	}
}

func TestCloseAlarmTabAlreadyGone(t *testing.T) {
	h := newHarness(t)
	closed := h.bus.Subscribe(events.EventTabClosed)
	h.tabs.closeErr = tabs.ErrTabNotFound
	if err := h.alarms.Schedule(CloseAlarmName("tab-7"), time.Minute); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	h.clock.Advance(time.Minute)

	expectNoEvent(t, closed)
	if len(h.alarms.List()) != 0 {
		t.Fatal("close alarm should be consumed")
	}
}

func TestHandleAlarmRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.tabs.openPanic = true
	if err := h.snapshots.Replace(context.Background(), meeting.Snapshot{
		"a": {ID: "a", Link: "https://zoom.us/j/1", EndTime: baseNow.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	h.svc.HandleAlarm(context.Background(), OpenAlarmName("a"))
	h.svc.HandleAlarm(context.Background(), "somethingElse")
}

func TestTriggerSingleSlot(t *testing.T) {
	h := newHarness(t)

	if !h.svc.Trigger(TriggerManual) {
		t.Fatal("expected first trigger to queue")
	}
	if h.svc.Trigger(PeriodicJobName) {
		t.Fatal("expected second trigger to coalesce")
	}
	if got := <-h.svc.queue; got != TriggerManual {
		t.Fatalf("expected queued reason %q, got %q", TriggerManual, got)
	}
	if !h.svc.Trigger(PeriodicJobName) {
		t.Fatal("expected trigger to queue once the slot is free")
	}
}

func TestRunExecutesStartupPass(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(events.EventMeetingsUpdated)
	h.cal.set(linked("a", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	select {
	case p := <-sub:
		if p["trigger"] != TriggerStartup {
			t.Fatalf("expected startup pass, got %v", p["trigger"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("startup pass did not run")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if h.svc.Status().LastPass == nil {
		t.Fatal("expected last pass in status")
	}
}

func TestRunRejectsBadCron(t *testing.T) {
	h := newHarness(t)
	h.svc.cronSpec = "every so often"

	if err := h.svc.Run(context.Background()); err == nil {
		t.Fatal("expected invalid cron to fail")
	}
}

func TestUpcomingListsTodaysLinkedMeetings(t *testing.T) {
	h := newHarness(t)
	noLink := linked("plain", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour))
	noLink.HangoutLink = ""
	h.cal.set(
		linked("a", baseNow.Add(time.Hour), baseNow.Add(2*time.Hour)),
		noLink,
		linked("b", baseNow.Add(3*time.Hour), baseNow.Add(4*time.Hour)),
	)

	got, err := h.svc.Upcoming(context.Background())
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected meetings: %+v", got)
	}

	q := h.cal.queries[0]
	if !q.OrderByStartTime || !q.SingleEvents {
		t.Fatalf("expected ordered single events, got %+v", q)
	}
	if !q.TimeMax.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected end of day, got %s", q.TimeMax)
	}
	if len(h.alarms.List()) != 0 || len(h.snapshot(t)) != 0 {
		t.Fatal("listing must not touch alarms or the snapshot")
	}
}

func TestUpcomingSurfacesErrors(t *testing.T) {
	h := newHarness(t)
	h.tokens.err = oauth.ErrNotSignedIn
	if _, err := h.svc.Upcoming(context.Background()); !errors.Is(err, oauth.ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}

	h.tokens.err = nil
	h.cal.err = &calendar.FetchError{StatusCode: 403, Err: errors.New("forbidden")}
	if _, err := h.svc.Upcoming(context.Background()); !errors.Is(err, calendar.ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestSaveSettings(t *testing.T) {
	h := newHarness(t)
	updated := h.bus.Subscribe(events.EventSettingsUpdated)

	if _, err := h.svc.SaveSettings(context.Background(), meeting.Settings{MinutesBeforeMeeting: 0}); err == nil {
		t.Fatal("expected validation error")
	}
	expectNoEvent(t, updated)

	want := meeting.Settings{MinutesBeforeMeeting: 10, CloseAfterMeeting: false}
	if _, err := h.svc.SaveSettings(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := h.svc.Settings(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
	expectEvent(t, updated)
	if reason := <-h.svc.queue; reason != TriggerSettings {
		t.Fatalf("expected settings trigger, got %q", reason)
	}
}
