/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/autojoin/internal/auth"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/friendsincode/autojoin/internal/logbuffer"
	"github.com/friendsincode/autojoin/internal/meeting"
	"github.com/friendsincode/autojoin/internal/oauth"
	"github.com/friendsincode/autojoin/internal/scheduler"
	"github.com/friendsincode/autojoin/internal/timers"
	"github.com/friendsincode/autojoin/internal/version"
)

// EmptyUpcomingMessage is returned alongside an empty listing.
const EmptyUpcomingMessage = "No meetings with video links found today"

// Scheduler is the part of the scheduling service the API drives.
type Scheduler interface {
	Trigger(reason string) bool
	Status() scheduler.Status
	Meetings(ctx context.Context) (meeting.Snapshot, error)
	Upcoming(ctx context.Context) ([]meeting.ScheduledMeeting, error)
	Alarms() []timers.Alarm
	Settings(ctx context.Context) (meeting.Settings, error)
	SaveSettings(ctx context.Context, settings meeting.Settings) (meeting.Settings, error)
}

// SignInChecker reports whether a usable credential is cached.
type SignInChecker interface {
	SignedIn(ctx context.Context) bool
}

// UpdateSource reports release information.
type UpdateSource interface {
	Info() version.UpdateInfo
}

// API exposes HTTP handlers.
type API struct {
	jwtSecret []byte
	scheduler Scheduler
	signIn    SignInChecker
	updates   UpdateSource
	bus       events.Broker
	logBuffer *logbuffer.Buffer
	logger    zerolog.Logger
}

// New creates the API router wrapper. updates and logBuf may be nil.
func New(jwtSecret []byte, sched Scheduler, signIn SignInChecker, updates UpdateSource, bus events.Broker, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		jwtSecret: jwtSecret,
		scheduler: sched,
		signIn:    signIn,
		updates:   updates,
		bus:       bus,
		logBuffer: logBuf,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Get("/version", a.handleVersion)
			pr.Get("/status", a.handleStatus)
			pr.Get("/meetings", a.handleMeetings)
			pr.Get("/upcoming", a.handleUpcoming)
			pr.Get("/alarms", a.handleAlarms)
			pr.Get("/settings", a.handleSettingsGet)
			pr.Get("/events", a.handleEvents)

			pr.Route("/logs", func(lr chi.Router) {
				lr.Get("/", a.handleLogs)
				lr.Get("/stats", a.handleLogStats)
				lr.With(auth.RequireScope(auth.ScopeWrite)).Delete("/", a.handleClearLogs)
			})

			pr.Group(func(wr chi.Router) {
				wr.Use(auth.RequireScope(auth.ScopeWrite))
				wr.Post("/refresh", a.handleRefresh)
				wr.Put("/settings", a.handleSettingsPut)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"signed_in": a.signIn != nil && a.signIn.SignedIn(r.Context()),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := version.UpdateInfo{CurrentVersion: version.Version}
	if a.updates != nil {
		info = a.updates.Info()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
		"update":  info,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	queued := a.scheduler.Trigger(scheduler.TriggerManual)
	a.logger.Debug().Bool("coalesced", !queued).Msg("manual refresh requested")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "refresh_queued",
		"coalesced": !queued,
	})
}

func (a *API) handleMeetings(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.scheduler.Meetings(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("load meetings snapshot failed")
		writeError(w, http.StatusInternalServerError, "snapshot_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meetings": snapshot,
		"count":    len(snapshot),
	})
}

func (a *API) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	list, err := a.scheduler.Upcoming(r.Context())
	switch {
	case errors.Is(err, oauth.ErrNotSignedIn):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":   "not_authenticated",
			"message": "Not signed in. Run `autojoin login` to connect your calendar.",
		})
		return
	case err != nil:
		a.logger.Warn().Err(err).Msg("upcoming listing failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "fetch_failed",
			"message": err.Error(),
		})
		return
	}

	resp := map[string]any{"meetings": list}
	if len(list) == 0 {
		resp["message"] = EmptyUpcomingMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAlarms(w http.ResponseWriter, r *http.Request) {
	alarms := a.scheduler.Alarms()
	writeJSON(w, http.StatusOK, map[string]any{
		"alarms": alarms,
		"count":  len(alarms),
	})
}

func (a *API) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := a.scheduler.Settings(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("load settings failed")
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	current, err := a.scheduler.Settings(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("load settings failed")
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}

	// Fields absent from the body keep their current values.
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&current); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := current.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_settings",
			"message": err.Error(),
		})
		return
	}

	saved, err := a.scheduler.SaveSettings(r.Context(), current)
	if err != nil {
		a.logger.Error().Err(err).Msg("save settings failed")
		writeError(w, http.StatusInternalServerError, "save_failed")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		MinLevel:   q.Get("level"),
		Component:  q.Get("component"),
		Field:      q.Get("field"),
		Value:      q.Get("value"),
		Search:     q.Get("search"),
		Limit:      500,
		Descending: q.Get("order") != "asc",
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = n
	}

	entries, err := a.logBuffer.Query(params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_query",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}

func (a *API) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	a.logBuffer.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
