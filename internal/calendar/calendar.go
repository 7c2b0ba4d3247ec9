/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package calendar fetches events from the Google Calendar v3 API.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/autojoin/internal/meeting"
	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrFetch matches every failed list call.
var ErrFetch = errors.New("calendar fetch failed")

// FetchError carries the HTTP status of a failed list call; StatusCode is
// zero for transport errors.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("calendar fetch failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("calendar fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Unauthorized reports whether the provider rejected the credential.
func (e *FetchError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Query bounds one list call.
type Query struct {
	TimeMin          time.Time
	TimeMax          time.Time
	SingleEvents     bool
	OrderByStartTime bool
}

// Source lists events in a window using a bearer token.
type Source interface {
	ListEvents(ctx context.Context, token string, q Query) ([]meeting.CalendarEvent, error)
}

// Config for Client.
type Config struct {
	// Endpoint overrides the API base URL, mostly for tests.
	Endpoint   string
	CalendarID string
	Timeout    time.Duration
	// Transport is the base round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is the Google Calendar Source.
type Client struct {
	cfg    Config
	base   http.RoundTripper
	logger zerolog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Endpoint != "" && !strings.HasSuffix(cfg.Endpoint, "/") {
		cfg.Endpoint += "/"
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		cfg:    cfg,
		base:   otelhttp.NewTransport(base),
		logger: logger.With().Str("component", "calendar").Logger(),
	}
}

// ListEvents returns every event in the window, following page tokens.
func (c *Client) ListEvents(ctx context.Context, token string, q Query) ([]meeting.CalendarEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "calendar.list_events", map[string]any{
		"calendar.id":       c.cfg.CalendarID,
		"calendar.time_min": q.TimeMin.Format(time.RFC3339),
		"calendar.time_max": q.TimeMax.Format(time.RFC3339),
	})
	defer span.End()

	start := time.Now()
	events, err := c.list(ctx, token, q)
	result := "ok"
	if err != nil {
		result = "error"
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			result = strconv.Itoa(fe.StatusCode)
		}
		telemetry.RecordError(span, err)
	}
	telemetry.CalendarRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("events", len(events)).Dur("took", time.Since(start)).Msg("listed calendar events")
	return events, nil
}

func (c *Client) list(ctx context.Context, token string, q Query) ([]meeting.CalendarEvent, error) {
	httpClient := &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	call := svc.Events.List(c.cfg.CalendarID).
		TimeMin(q.TimeMin.Format(time.RFC3339)).
		TimeMax(q.TimeMax.Format(time.RFC3339)).
		SingleEvents(q.SingleEvents)
	if q.OrderByStartTime {
		call = call.OrderBy("startTime")
	}

	var out []meeting.CalendarEvent
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			out = append(out, convert(item))
		}
		return nil
	})
	if err != nil {
		return nil, wrapError(err)
	}
	return out, nil
}

func wrapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &FetchError{StatusCode: apiErr.Code, Err: err}
	}
	return &FetchError{Err: err}
}

func convert(item *gcal.Event) meeting.CalendarEvent {
	ev := meeting.CalendarEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		HangoutLink: item.HangoutLink,
		Description: item.Description,
		Location:    item.Location,
	}
	if item.Start != nil {
		ev.Start = meeting.EventTime{DateTime: item.Start.DateTime, Date: item.Start.Date}
	}
	if item.End != nil {
		ev.End = meeting.EventTime{DateTime: item.End.DateTime, Date: item.End.Date}
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep == nil {
				continue
			}
			ev.EntryPoints = append(ev.EntryPoints, meeting.EntryPoint{URI: ep.Uri, Type: ep.EntryPointType})
		}
	}
	return ev
}
