/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tabs

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// Rod drives the browser with go-rod.
type Rod struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	logger   zerolog.Logger
}

// NewRod attaches to cfg.ControlURL, or launches a browser when it is empty.
func NewRod(cfg Config, logger zerolog.Logger) (*Rod, error) {
	r := &Rod{logger: logger.With().Str("component", "tabs").Str("backend", "rod").Logger()}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		r.launcher = launcher.New().Headless(cfg.Headless).Leakless(false)
		u, err := r.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if r.launcher != nil {
			r.launcher.Cleanup()
		}
		return nil, fmt.Errorf("connect %s: %w", controlURL, err)
	}
	r.browser = browser
	return r, nil
}

// Open creates a background target so the user's current tab keeps focus.
func (r *Rod) Open(ctx context.Context, url string) (string, error) {
	page, err := r.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url, Background: true})
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	r.logger.Debug().Str("tab_id", string(page.TargetID)).Msg("tab opened")
	return string(page.TargetID), nil
}

// Close closes the page target with the given id.
func (r *Rod) Close(ctx context.Context, id string) error {
	pages, err := r.browser.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, p := range pages {
		if string(p.TargetID) == id {
			return p.Close()
		}
	}
	return ErrTabNotFound
}

// Shutdown closes a launched browser. An attached browser is left running.
func (r *Rod) Shutdown() error {
	if r.launcher == nil {
		return nil
	}
	err := r.browser.Close()
	r.launcher.Cleanup()
	return err
}
