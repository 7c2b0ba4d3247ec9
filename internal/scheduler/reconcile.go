/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"fmt"
	"time"

	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/friendsincode/autojoin/internal/timers"
)

// fireTolerance is how far a registered alarm may drift from the desired
// instant and still count as unchanged.
const fireTolerance = time.Second

// ReconcileResult counts what a reconciliation did to open alarms.
type ReconcileResult struct {
	Kept      int `json:"kept"`
	Added     int `json:"added"`
	Replaced  int `json:"replaced"`
	Cancelled int `json:"cancelled"`
}

// reconcile makes the registered open alarms equal desired. Close alarms
// are left alone.
func reconcile(f timers.Facility, desired map[string]DesiredAlarm, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	registered := make(map[string]timers.Alarm)

	for _, a := range f.List() {
		if !IsOpenAlarm(a.Name) {
			continue
		}
		registered[a.Name] = a
		want, ok := desired[a.Name]
		if !ok {
			f.Cancel(a.Name)
			res.Cancelled++
			continue
		}
		if drift := a.FireAt.Sub(want.FireAt); drift < -fireTolerance || drift > fireTolerance {
			if err := f.Schedule(a.Name, want.FireAt.Sub(now)); err != nil {
				return res, fmt.Errorf("reschedule %s: %w", a.Name, err)
			}
			res.Replaced++
			continue
		}
		res.Kept++
	}

	for name, want := range desired {
		if _, ok := registered[name]; ok {
			continue
		}
		if err := f.Schedule(name, want.FireAt.Sub(now)); err != nil {
			return res, fmt.Errorf("schedule %s: %w", name, err)
		}
		res.Added++
	}

	telemetry.AlarmReconcileTotal.WithLabelValues("kept").Add(float64(res.Kept))
	telemetry.AlarmReconcileTotal.WithLabelValues("added").Add(float64(res.Added))
	telemetry.AlarmReconcileTotal.WithLabelValues("replaced").Add(float64(res.Replaced))
	telemetry.AlarmReconcileTotal.WithLabelValues("cancelled").Add(float64(res.Cancelled))
	return res, nil
}

func updatePendingGauge(f timers.Facility) {
	var open, closing int
	for _, a := range f.List() {
		switch {
		case IsOpenAlarm(a.Name):
			open++
		case IsCloseAlarm(a.Name):
			closing++
		}
	}
	telemetry.AlarmsPending.WithLabelValues("open").Set(float64(open))
	telemetry.AlarmsPending.WithLabelValues("close").Set(float64(closing))
}
