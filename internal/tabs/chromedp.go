/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tabs

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Chromedp drives the browser with chromedp.
type Chromedp struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        zerolog.Logger
}

// NewChromedp attaches to cfg.ControlURL (a DevTools websocket URL), or
// starts a local Chrome when it is empty.
func NewChromedp(ctx context.Context, cfg Config, logger zerolog.Logger) (*Chromedp, error) {
	// The allocator outlives ctx, which only bounds the connection attempt.
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.ControlURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.ControlURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", cfg.Headless))
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(browserCtx) }()
	select {
	case err := <-errCh:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	}

	return &Chromedp{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger.With().Str("component", "tabs").Str("backend", "chromedp").Logger(),
	}, nil
}

func (c *Chromedp) browserExecutor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(c.browserCtx).Browser)
}

// Open creates a background target so the user's current tab keeps focus.
func (c *Chromedp) Open(ctx context.Context, url string) (string, error) {
	id, err := target.CreateTarget(url).WithBackground(true).Do(c.browserExecutor(ctx))
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	c.logger.Debug().Str("tab_id", string(id)).Msg("tab opened")
	return string(id), nil
}

// Close closes the page target with the given id.
func (c *Chromedp) Close(ctx context.Context, id string) error {
	infos, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	found := false
	for _, info := range infos {
		if string(info.TargetID) == id && info.Type == "page" {
			found = true
			break
		}
	}
	if !found {
		return ErrTabNotFound
	}

	tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(id)))
	defer cancel()
	if err := chromedp.Run(tabCtx, page.Close()); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// Shutdown releases the browser connection. A launched Chrome is stopped.
func (c *Chromedp) Shutdown() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}
