/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package oauth obtains Google Calendar bearer tokens, silently from the
// persisted refresh token or interactively through a loopback redirect.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	// ErrNotSignedIn means no usable credential exists without prompting.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrConsentDenied means the user refused the consent screen.
	ErrConsentDenied = errors.New("user denied calendar access")
)

// ScopeCalendarReadonly is the only scope requested.
const ScopeCalendarReadonly = "https://www.googleapis.com/auth/calendar.readonly"

// TokenProvider hands out bearer tokens. With interactive false it must
// never prompt and returns ErrNotSignedIn instead.
type TokenProvider interface {
	Token(ctx context.Context, interactive bool) (string, error)
}

// URLOpener shows the consent page to the user.
type URLOpener func(ctx context.Context, url string) error

// Config for GoogleProvider.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenPath    string
	ListenAddr   string
	// Endpoint overrides google.Endpoint, mostly for tests.
	Endpoint        *oauth2.Endpoint
	CallbackTimeout time.Duration
}

// GoogleProvider implements TokenProvider with golang.org/x/oauth2.
type GoogleProvider struct {
	cfg    Config
	oauth  oauth2.Config
	open   URLOpener
	logger zerolog.Logger

	mu sync.Mutex
}

// NewGoogleProvider creates a provider. open may be nil, in which case the
// consent URL is only logged.
func NewGoogleProvider(cfg Config, open URLOpener, logger zerolog.Logger) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 5 * time.Minute
	}
	return &GoogleProvider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{ScopeCalendarReadonly},
		},
		open:   open,
		logger: logger.With().Str("component", "oauth").Logger(),
	}
}

// SetOpener replaces the consent page opener.
func (p *GoogleProvider) SetOpener(open URLOpener) {
	p.mu.Lock()
	p.open = open
	p.mu.Unlock()
}

// Token returns a valid access token, refreshing it if needed. When
// interactive is true and no credential exists, it runs Login.
func (p *GoogleProvider) Token(ctx context.Context, interactive bool) (string, error) {
	tok, err := p.silent(ctx)
	if err == nil {
		return tok.AccessToken, nil
	}
	if !interactive || !errors.Is(err, ErrNotSignedIn) {
		return "", err
	}

	tok, err = p.Login(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SignedIn reports whether a token can be obtained without prompting.
func (p *GoogleProvider) SignedIn(ctx context.Context) bool {
	_, err := p.silent(ctx)
	return err == nil
}

func (p *GoogleProvider) silent(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := LoadToken(p.cfg.TokenPath)
	if err != nil {
		if errors.Is(err, ErrNotSignedIn) {
			return nil, err
		}
		p.logger.Warn().Err(err).Msg("stored token unreadable")
		return nil, fmt.Errorf("%w: %v", ErrNotSignedIn, err)
	}

	fresh, err := p.oauth.TokenSource(ctx, stored).Token()
	if err != nil {
		p.logger.Debug().Err(err).Msg("token refresh failed")
		return nil, fmt.Errorf("%w: %v", ErrNotSignedIn, err)
	}

	if fresh.AccessToken != stored.AccessToken {
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = stored.RefreshToken
		}
		if err := SaveToken(p.cfg.TokenPath, fresh); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist refreshed token")
		} else {
			p.logger.Debug().Time("expiry", fresh.Expiry).Msg("access token refreshed")
		}
	}
	return fresh, nil
}

// Login runs the authorization code flow with PKCE against a loopback
// redirect and persists the resulting token.
func (p *GoogleProvider) Login(ctx context.Context) (*oauth2.Token, error) {
	if p.cfg.ClientID == "" {
		return nil, errors.New("oauth client id is not configured (AUTOJOIN_OAUTH_CLIENT_ID)")
	}

	state, err := NewState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	cb, err := StartCallbackServer(p.cfg.ListenAddr, state)
	if err != nil {
		return nil, err
	}
	defer cb.Close()

	conf := p.oauth
	conf.RedirectURL = cb.RedirectURI()
	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	p.mu.Lock()
	open := p.open
	p.mu.Unlock()

	p.logger.Info().Str("url", authURL).Msg("waiting for Google sign-in")
	if open != nil {
		if err := open(ctx, authURL); err != nil {
			p.logger.Warn().Err(err).Msg("could not open consent page, open the logged URL manually")
		}
	}

	code, err := cb.WaitForCode(ctx, p.cfg.CallbackTimeout)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := SaveToken(p.cfg.TokenPath, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	p.logger.Info().Msg("signed in to Google Calendar")
	return tok, nil
}

// SignOut forgets the persisted token.
func (p *GoogleProvider) SignOut() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RemoveToken(p.cfg.TokenPath)
}
