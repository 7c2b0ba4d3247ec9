/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tabs opens and closes meeting tabs in the user's browser over the
// Chrome DevTools Protocol.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrTabNotFound is returned by Close when the tab no longer exists.
var ErrTabNotFound = errors.New("tab not found")

// Controller is the browser surface the scheduler needs.
type Controller interface {
	// Open creates a background tab at url and returns its identifier.
	Open(ctx context.Context, url string) (string, error)
	// Close closes the tab with the given identifier.
	Close(ctx context.Context, id string) error
}

// Backend is a Controller that owns a browser connection.
type Backend interface {
	Controller
	Shutdown() error
}

// Config selects and configures the backend.
type Config struct {
	Backend    config.BrowserBackend
	ControlURL string
	Headless   bool
}

// New returns a backend that connects on first use, so the daemon can start
// before the browser does.
func New(cfg Config, logger zerolog.Logger) (Backend, error) {
	var connect func(context.Context) (Backend, error)
	switch cfg.Backend {
	case config.BrowserRod, "":
		connect = func(context.Context) (Backend, error) { return NewRod(cfg, logger) }
	case config.BrowserChromedp:
		connect = func(ctx context.Context) (Backend, error) { return NewChromedp(ctx, cfg, logger) }
	default:
		return nil, fmt.Errorf("unsupported browser backend %q", cfg.Backend)
	}
	return &lazy{
		connect: connect,
		logger:  logger.With().Str("component", "tabs").Str("backend", string(cfg.Backend)).Logger(),
	}, nil
}

type lazy struct {
	connect func(context.Context) (Backend, error)
	logger  zerolog.Logger

	mu      sync.Mutex
	backend Backend
}

func (l *lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend != nil {
		return l.backend, nil
	}
	b, err := l.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	l.logger.Info().Msg("browser connected")
	l.backend = b
	return b, nil
}

// reset drops a backend whose connection has failed so the next call
// reconnects.
func (l *lazy) reset(b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == b {
		_ = b.Shutdown()
		l.backend = nil
	}
}

func (l *lazy) Open(ctx context.Context, url string) (string, error) {
	b, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	id, err := b.Open(ctx, url)
	if err != nil {
		l.logger.Warn().Err(err).Msg("open failed, dropping browser connection")
		l.reset(b)
		return "", err
	}
	return id, nil
}

func (l *lazy) Close(ctx context.Context, id string) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	err = b.Close(ctx, id)
	if err != nil && !errors.Is(err, ErrTabNotFound) {
		l.reset(b)
	}
	return err
}

func (l *lazy) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return nil
	}
	err := l.backend.Shutdown()
	l.backend = nil
	return err
}

// Instrument records tab operation outcomes.
func Instrument(c Controller) Controller {
	return instrumented{next: c}
}

type instrumented struct {
	next Controller
}

func (i instrumented) Open(ctx context.Context, url string) (string, error) {
	id, err := i.next.Open(ctx, url)
	telemetry.TabOperationsTotal.WithLabelValues("open", resultLabel(err)).Inc()
	return id, err
}

func (i instrumented) Close(ctx context.Context, id string) error {
	err := i.next.Close(ctx, id)
	telemetry.TabOperationsTotal.WithLabelValues("close", resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTabNotFound):
		return "not_found"
	default:
		return "error"
	}
}
